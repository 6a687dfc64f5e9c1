package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/config"
)

// SettingsSource reads the current backend configuration.
type SettingsSource func() (config.BackendConfig, error)

// Factory builds a Client for cfg.
type Factory func(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (Client, error)

type handle struct {
	fingerprint string
	client      Client

	// guarded by Registry.mu
	refs    int
	retired bool
}

// Registry owns the single live Client. It is built on first use and
// rebuilt when the configuration fingerprint changes. A failed build is not
// remembered, so the next call tries again. A replaced Client is closed
// once the last caller holding it through Acquire releases it.
type Registry struct {
	mu     sync.Mutex
	build  sync.Mutex
	handle *handle

	source  SettingsSource
	factory Factory
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSettingsSource replaces config.LoadBackend.
func WithSettingsSource(src SettingsSource) RegistryOption {
	return func(r *Registry) {
		r.source = src
	}
}

// WithFactory replaces New.
func WithFactory(f Factory) RegistryOption {
	return func(r *Registry) {
		r.factory = f
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		source:  config.LoadBackend,
		factory: New,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "backend")
	return r
}

// Get returns the Client for the configuration currently in effect. It
// holds no reference, so a rebuild may close the Client under the caller;
// use Acquire around operations.
func (r *Registry) Get(ctx context.Context) (Client, error) {
	cfg, err := r.source()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return r.GetOrRebuild(ctx, cfg)
}

// Acquire is Get with a reference held until release is called. release is
// safe to call more than once.
func (r *Registry) Acquire(ctx context.Context) (Client, func(), error) {
	cfg, err := r.source()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	h, err := r.obtain(ctx, cfg, true)
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	return h.client, func() { once.Do(func() { r.release(h) }) }, nil
}

// GetOrRebuild returns the live Client when it was built from a
// configuration with the same fingerprint as cfg, and otherwise builds a
// new one. Concurrent callers share a single build.
func (r *Registry) GetOrRebuild(ctx context.Context, cfg config.BackendConfig) (Client, error) {
	h, err := r.obtain(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	return h.client, nil
}

func (r *Registry) obtain(ctx context.Context, cfg config.BackendConfig, hold bool) (*handle, error) {
	fp := cfg.Fingerprint()

	if h := r.current(fp, hold); h != nil {
		return h, nil
	}

	r.build.Lock()
	defer r.build.Unlock()

	if h := r.current(fp, hold); h != nil {
		return h, nil
	}

	client, err := r.factory(ctx, cfg, r.logger)
	if err != nil {
		r.logger.Error("backend construction failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	h := &handle{fingerprint: fp, client: client}
	if hold {
		h.refs = 1
	}

	r.mu.Lock()
	old := r.handle
	r.handle = h
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("backend configuration changed, replacing client", "old_mode", old.client.Mode(), "new_mode", client.Mode())
		_ = r.retire(old)
	} else {
		r.logger.Info("backend client ready", "mode", client.Mode())
	}
	return h, nil
}

// Close retires the live Client, if any. It is closed now, or when the last
// holder releases it.
func (r *Registry) Close() error {
	r.build.Lock()
	defer r.build.Unlock()

	r.mu.Lock()
	h := r.handle
	r.handle = nil
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	return r.retire(h)
}

func (r *Registry) current(fingerprint string, hold bool) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil || r.handle.fingerprint != fingerprint {
		return nil
	}
	if hold {
		r.handle.refs++
	}
	return r.handle
}

// retire closes h once nobody holds it. h must no longer be r.handle.
func (r *Registry) retire(h *handle) error {
	r.mu.Lock()
	h.retired = true
	holders := h.refs
	r.mu.Unlock()

	if holders > 0 {
		r.logger.Debug("closing backend client after in-flight calls", "holders", holders)
		return nil
	}
	return r.closeHandle(h)
}

func (r *Registry) release(h *handle) {
	r.mu.Lock()
	h.refs--
	idle := h.retired && h.refs == 0
	r.mu.Unlock()

	if idle {
		_ = r.closeHandle(h)
	}
}

func (r *Registry) closeHandle(h *handle) error {
	if err := h.client.Close(); err != nil {
		r.logger.Warn("closing replaced backend client", "error", err)
		return err
	}
	return nil
}
