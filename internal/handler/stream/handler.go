// Package stream serves MCP over Server-Sent Events: a long-lived GET stream
// carries responses, and clients post requests to a per-session message
// endpoint announced as the first event.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/auth"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/session"
	"github.com/lorenzorasmussen/mcp-ecosystem/pkg/utils"
)

const (
	DefaultPingInterval = 15 * time.Second
	MessagePath         = "/messages/"

	maxMessageBytes = 1 << 20
)

// Dispatcher answers one raw JSON-RPC message. A nil reply means nothing is
// sent back. *server.MCPServer from mcp-go satisfies it.
type Dispatcher interface {
	HandleMessage(ctx context.Context, raw json.RawMessage) mcp.JSONRPCMessage
}

// Admitter decides whether a request may proceed for userID.
type Admitter interface {
	Admit(r *http.Request, userID string) (auth.Principal, error)
}

// Handler owns the SSE stream and message endpoints.
type Handler struct {
	sessions     *session.Registry
	gate         Admitter
	server       Dispatcher
	pingInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithPingInterval overrides DefaultPingInterval.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		h.pingInterval = d
	}
}

// New creates a stream handler.
func New(sessions *session.Registry, gate Admitter, server Dispatcher, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sessions:     sessions,
		gate:         gate,
		server:       server,
		pingInterval: DefaultPingInterval,
		logger:       logger.With("component", "sse"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the stream and message endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/mcp/{client_name}/sse/{user_id}", h.handleStream)
	r.Post(MessagePath, h.handleMessage)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	clientName := chi.URLParam(r, "client_name")
	userID := chi.URLParam(r, "user_id")

	principal, err := h.gate.Admit(r, userID)
	if err != nil {
		h.logger.Warn("stream rejected", "user_id", userID, "client", clientName, "error", err)
		utils.RespondError(w, auth.Status(err), err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s, release := h.sessions.Open(r.Context(), session.Identity{UserID: principal.UserID, ClientName: clientName})
	defer release()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	endpoint := MessagePath + "?session_id=" + s.ID
	if err := utils.SendSSEEvent(w, flusher, "endpoint", []byte(endpoint)); err != nil {
		h.logger.Warn("send endpoint event failed", "session_id", s.ID, "error", err)
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	ctx := s.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-s.Outbound():
			if err := utils.SendSSEEvent(w, flusher, "message", payload); err != nil {
				h.logger.Debug("stream write failed", "session_id", s.ID, "error", err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "ping"); err != nil {
				h.logger.Debug("stream ping failed", "session_id", s.ID, "error", err)
				return
			}
		}
	}
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	s, err := h.sessions.Get(sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "could not find session")
		return
	}

	if _, err := h.gate.Admit(r, s.Identity.UserID); err != nil {
		utils.RespondError(w, auth.Status(err), err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read message")
		return
	}
	if !json.Valid(body) {
		utils.RespondError(w, http.StatusBadRequest, "could not parse message")
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))

	go h.dispatch(s, body)
}

// dispatch runs under the session context, so it stops when the stream
// closes and its tool calls see the session identity.
func (h *Handler) dispatch(s *session.Session, body []byte) {
	ctx := s.Context()
	reply := h.server.HandleMessage(ctx, body)
	if reply == nil {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		h.logger.Error("encode reply failed", "session_id", s.ID, "error", err)
		return
	}
	if err := s.Send(ctx, payload); err != nil && !errors.Is(err, session.ErrSessionClosed) {
		h.logger.Warn("queue reply failed", "session_id", s.ID, "error", err)
	}
}
