package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/ratelimit"
)

func newRequest(remote, key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/mcp/cursor/sse/alice", nil)
	req.RemoteAddr = remote
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	return req
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		key     string
		wantErr bool
	}{
		{name: "empty allow-list admits any key", key: "whatever"},
		{name: "allowed key", allowed: []string{"k1", "k2"}, key: "k2"},
		{name: "absent header passes", allowed: []string{"k1"}},
		{name: "unknown key rejected", allowed: []string{"k1"}, key: "nope", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAuthenticator("", tc.allowed)
			p, err := a.Authenticate(newRequest("192.168.1.5:4242", tc.key), "alice")
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Principal{UserID: "alice", ClientAddress: "192.168.1.5"}, p)
		})
	}
}

func TestAuthenticateCustomHeader(t *testing.T) {
	a := NewAuthenticator("X-Token", []string{"secret"})
	req := newRequest("1.2.3.4:1", "")
	req.Header.Set("X-Token", "wrong")

	_, err := a.Authenticate(req, "u")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateDefaults(t *testing.T) {
	a := NewAuthenticator("", nil)
	p, err := a.Authenticate(newRequest("", ""), "")
	require.NoError(t, err)
	assert.Equal(t, AnonymousUser, p.UserID)
	assert.Equal(t, UnknownAddress, p.ClientAddress)
}

func TestClientAddressWithoutPort(t *testing.T) {
	req := newRequest("10.1.2.3", "")
	assert.Equal(t, "10.1.2.3", ClientAddress(req))
}

func TestGateAppliesRateLimit(t *testing.T) {
	g := NewGate(NewAuthenticator("", nil), ratelimit.New(nil, ratelimit.WithLimit(2)))

	for i := 0; i < 2; i++ {
		_, err := g.Admit(newRequest("10.0.0.1:1", ""), "alice")
		require.NoError(t, err)
	}

	_, err := g.Admit(newRequest("10.0.0.1:2", ""), "alice")
	assert.ErrorIs(t, err, ratelimit.ErrLimitExceeded)
	assert.Equal(t, http.StatusTooManyRequests, Status(err))
}

func TestThrottleSharesTheAdmitBudget(t *testing.T) {
	g := NewGate(nil, ratelimit.New(nil, ratelimit.WithLimit(2)))

	p, err := g.Admit(newRequest("10.0.0.1:1", ""), "alice")
	require.NoError(t, err)

	require.NoError(t, g.Throttle(context.Background(), p))
	err = g.Throttle(context.Background(), p)
	assert.ErrorIs(t, err, ratelimit.ErrLimitExceeded)
}

type countingLimiter struct{ calls int }

func (c *countingLimiter) Check(context.Context, string, string) error {
	c.calls++
	return nil
}

func TestGateRejectsBeforeCounting(t *testing.T) {
	limiter := &countingLimiter{}
	g := NewGate(NewAuthenticator("", []string{"good"}), limiter)

	_, err := g.Admit(newRequest("10.0.0.1:1", "bad"), "alice")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, Status(err))
	assert.Zero(t, limiter.calls)
}

func TestStatusDefault(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, Status(errors.New("store down")))
}
