package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/auth"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/handler/stream"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/session"
	"github.com/lorenzorasmussen/mcp-ecosystem/pkg/utils"
)

const (
	DefaultPongWait = 60 * time.Second

	writeWait = 10 * time.Second

	// Server-defined JSON-RPC code for a frame refused by the gate.
	codeRejected = -32000
)

// Admitter admits the upgrade request and then every frame on the socket.
type Admitter interface {
	stream.Admitter
	Throttle(ctx context.Context, p auth.Principal) error
}

// Handler serves MCP over WebSocket. Each text frame is one JSON-RPC
// message and replies go back on the same socket.
type Handler struct {
	sessions *session.Registry
	gate     Admitter
	server   stream.Dispatcher
	upgrader websocket.Upgrader
	pongWait time.Duration
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithPongWait sets how long the socket may stay silent before it is
// dropped. Pings go out at nine tenths of it.
func WithPongWait(d time.Duration) Option {
	return func(h *Handler) {
		h.pongWait = d
	}
}

// New creates a WebSocket handler.
func New(sessions *session.Registry, gate Admitter, server stream.Dispatcher, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sessions: sessions,
		gate:     gate,
		server:   server,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		pongWait: DefaultPongWait,
		logger:   logger.With("component", "websocket"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/mcp/{client_name}/ws/{user_id}", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientName := chi.URLParam(r, "client_name")
	userID := chi.URLParam(r, "user_id")

	principal, err := h.gate.Admit(r, userID)
	if err != nil {
		h.logger.Warn("websocket rejected", "user_id", userID, "client", clientName, "error", err)
		utils.RespondError(w, auth.Status(err), err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s, release := h.sessions.Open(r.Context(), session.Identity{UserID: principal.UserID, ClientName: clientName})
	defer release()

	ctx := s.Context()

	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, done)

	// Frames are handled in order and only this loop writes data frames.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read failed", "session_id", s.ID, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		reply, err := h.answer(ctx, principal, data)
		if err != nil {
			h.logger.Error("encode reply failed", "session_id", s.ID, "error", err)
			return
		}

		// Pongs are not read while a call runs, so the next read gets a
		// fresh budget.
		conn.SetReadDeadline(time.Now().Add(h.pongWait))

		if reply == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			h.logger.Debug("write failed", "session_id", s.ID, "error", err)
			return
		}
	}
}

// answer counts the frame against the rate limit and dispatches it.
func (h *Handler) answer(ctx context.Context, p auth.Principal, data []byte) ([]byte, error) {
	if err := h.gate.Throttle(ctx, p); err != nil {
		h.logger.Warn("frame rejected", "user_id", p.UserID, "error", err)
		return rejection(data, err)
	}

	reply := h.server.HandleMessage(ctx, data)
	if reply == nil {
		return nil, nil
	}
	return json.Marshal(reply)
}

type rejectedReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rejectedError   `json:"error"`
}

type rejectedError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]int `json:"data"`
}

// rejection builds the error reply for a refused frame. Notifications get
// none.
func rejection(data []byte, cause error) ([]byte, error) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.ID == nil {
		return nil, nil
	}
	id := envelope.ID
	if id == nil {
		id = json.RawMessage("null")
	}

	return json.Marshal(rejectedReply{
		JSONRPC: "2.0",
		ID:      id,
		Error: rejectedError{
			Code:    codeRejected,
			Message: cause.Error(),
			Data:    map[string]int{"status": auth.Status(cause)},
		},
	})
}

// pingLoop keeps the peer's pongs coming. WriteControl may run alongside
// the loop's writes.
func (h *Handler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
