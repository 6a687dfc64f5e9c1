// Package session scopes every call on a streaming connection to the user and
// client that opened it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultUserID     = "default_user"
	DefaultClientName = "default_client"

	outboundBuffer = 32
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
)

// Identity is the user and client a connection acts for.
type Identity struct {
	UserID     string
	ClientName string
}

type identityKey struct{}

// WithIdentity returns a child context carrying id. The parent is untouched,
// so the binding ends with the child's scope.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the bound identity, or the default identity when ctx
// carries none.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return Identity{UserID: DefaultUserID, ClientName: DefaultClientName}
}

// Session is one live streaming connection.
type Session struct {
	ID        string
	Identity  Identity
	CreatedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan []byte
}

// Context is cancelled when the session is released. Work dispatched on
// behalf of the session should run under it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Outbound yields frames queued with Send, in order.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Send queues payload for the stream writer. It blocks while the queue is
// full and fails once the session is released or ctx is done.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	select {
	case s.outbound <- payload:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry tracks live sessions so posted messages can find their stream.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
	}
}

// Open binds id to a new session derived from ctx and registers it. The
// returned release must run on every exit path of the connection; it is safe
// to call more than once.
func (r *Registry) Open(ctx context.Context, id Identity) (*Session, func()) {
	sctx, cancel := context.WithCancel(WithIdentity(ctx, id))
	s := &Session{
		ID:        uuid.NewString(),
		Identity:  id,
		CreatedAt: time.Now().UTC(),
		ctx:       sctx,
		cancel:    cancel,
		outbound:  make(chan []byte, outboundBuffer),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("session opened", "session_id", s.ID, "user_id", id.UserID, "client", id.ClientName)

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			r.mu.Lock()
			delete(r.sessions, s.ID)
			r.mu.Unlock()
			r.logger.Info("session closed", "session_id", s.ID, "user_id", id.UserID)
		})
	}
	return s, release
}

// Get resolves a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
