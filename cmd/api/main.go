package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/auth"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/backend"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/cache"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/config"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/handler"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/mcpserver"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/ratelimit"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/service/memory"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/session"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "mem0-mcp",
		Short:        "MCP server exposing mem0 memory tools over SSE and WebSocket",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	bindFlags(cmd, v)
	return cmd
}

// bindFlags registers the server flags and resolves them flag > env > default.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "interface to listen on")
	flags.String("port", "8080", "port to listen on")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")

	_ = v.BindPFlags(flags)
	_ = v.BindEnv("host", "HOST")
	_ = v.BindEnv("port", "PORT")
}

func run(ctx context.Context, v *viper.Viper) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFile := v.GetString("env-file")
	if err := godotenv.Load(envFile); err != nil {
		logger.Warn("failed to load env file, continuing with system environment variables only", "path", envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	serverCfg, err := config.NewServerConfig(v.GetString("host"), v.GetString("port"))
	if err != nil {
		return fmt.Errorf("load server configuration: %w", err)
	}

	backends := backend.NewRegistry(backend.WithLogger(logger))
	defer backends.Close()

	// Warm the backend up. A failure is not fatal, the first tool call retries.
	if client, err := backends.Get(ctx); err != nil {
		logger.Warn("memory backend not ready", "error", err)
	} else {
		logger.Info("memory backend ready", "mode", client.Mode())
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg.Security, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	gate := auth.NewGate(auth.NewAuthenticator(cfg.Security.APIKeyHeader, cfg.Security.AllowedAPIKeys), limiter)
	if len(cfg.Security.AllowedAPIKeys) == 0 {
		logger.Info("no API keys configured, authentication disabled")
	}

	svc, err := memory.NewService(backends, cache.New(), logger)
	if err != nil {
		return fmt.Errorf("create memory service: %w", err)
	}
	server := mcpserver.New(handler.ServiceName, version, logger)
	svc.Register(server)

	router := handler.NewRouter(session.NewRegistry(logger), gate, server, logger)

	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Streams end with the signal context so Shutdown need not wait them out.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info("mem0 MCP server listening", "addr", serverCfg.Addr, "version", version)
	return runServer(ctx, srv)
}

// newLimiter uses Redis for the rate-limit windows when RATE_LIMIT_REDIS_URL
// is set so several instances share one budget.
func newLimiter(ctx context.Context, sec config.SecurityConfig, logger *slog.Logger) (*ratelimit.Limiter, func(), error) {
	if sec.RateLimitRedisURL == "" {
		return ratelimit.New(nil), func() {}, nil
	}

	store, err := ratelimit.NewRedisStore(ctx, sec.RateLimitRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect rate limit store: %w", err)
	}
	logger.Info("rate limit windows stored in redis")
	return ratelimit.New(store), func() { _ = store.Close() }, nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
