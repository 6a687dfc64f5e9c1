package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/auth"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/handler/stream"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/handler/ws"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/session"
	"github.com/lorenzorasmussen/mcp-ecosystem/pkg/utils"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "mem0-mcp"

// NewRouter wires HTTP routes to the MCP server.
func NewRouter(sessions *session.Registry, gate *auth.Gate, server stream.Dispatcher, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	stream.New(sessions, gate, server, logger).RegisterRoutes(r)
	ws.New(sessions, gate, server, logger).RegisterRoutes(r)

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}
