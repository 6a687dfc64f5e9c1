// Package auth admits inbound connections: an optional shared-secret header
// check followed by the per-client rate limit.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/ratelimit"
)

const (
	DefaultHeader  = "X-API-Key"
	AnonymousUser  = "anonymous"
	UnknownAddress = "unknown"
)

// ErrUnauthorized means the request carried a key that is not allowed.
var ErrUnauthorized = errors.New("invalid API key")

// Principal is who a request acts for.
type Principal struct {
	UserID        string
	ClientAddress string
}

// Authenticator checks the shared-secret header against an allow-list.
// With an empty allow-list every request passes. A request without the
// header also passes; only a present, unknown key is rejected.
type Authenticator struct {
	header  string
	allowed []string
}

// NewAuthenticator builds an Authenticator. An empty header name means
// DefaultHeader.
func NewAuthenticator(header string, allowed []string) *Authenticator {
	if strings.TrimSpace(header) == "" {
		header = DefaultHeader
	}
	return &Authenticator{header: header, allowed: allowed}
}

// Authenticate resolves the principal for r.
func (a *Authenticator) Authenticate(r *http.Request, userID string) (Principal, error) {
	p := Principal{UserID: userID, ClientAddress: ClientAddress(r)}
	if p.UserID == "" {
		p.UserID = AnonymousUser
	}

	if len(a.allowed) == 0 {
		return p, nil
	}

	key := r.Header.Get(a.header)
	if key == "" {
		return p, nil
	}
	for _, allowed := range a.allowed {
		if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
			return p, nil
		}
	}
	return Principal{}, ErrUnauthorized
}

// ClientAddress returns the host part of r.RemoteAddr. Behind chi's RealIP
// middleware that is the forwarded client address.
func ClientAddress(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return UnknownAddress
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return UnknownAddress
	}
	return addr
}

// RateLimiter is the part of ratelimit.Limiter the gate needs.
type RateLimiter interface {
	Check(ctx context.Context, address, userID string) error
}

// Gate runs authentication then rate limiting for every connection and
// posted message.
type Gate struct {
	auth    *Authenticator
	limiter RateLimiter
}

// NewGate combines an Authenticator and a limiter. A nil limiter means a
// default in-memory ratelimit.Limiter.
func NewGate(a *Authenticator, limiter RateLimiter) *Gate {
	if a == nil {
		a = NewAuthenticator("", nil)
	}
	if limiter == nil {
		limiter = ratelimit.New(nil)
	}
	return &Gate{auth: a, limiter: limiter}
}

// Admit authenticates r for userID and counts it against the rate limit.
// It fails with ErrUnauthorized or ratelimit.ErrLimitExceeded.
func (g *Gate) Admit(r *http.Request, userID string) (Principal, error) {
	p, err := g.auth.Authenticate(r, userID)
	if err != nil {
		return Principal{}, err
	}
	if err := g.Throttle(r.Context(), p); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// Throttle counts one more request for an already admitted principal. Long
// lived transports call it for every message after the initial Admit.
func (g *Gate) Throttle(ctx context.Context, p Principal) error {
	return g.limiter.Check(ctx, p.ClientAddress, p.UserID)
}

// Status maps an Admit error to the HTTP status the transport answers with.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}
