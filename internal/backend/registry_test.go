package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/config"
)

type stubClient struct {
	mode   Mode
	closed atomic.Bool
}

func (s *stubClient) Add(context.Context, string, string, map[string]any) error { return nil }
func (s *stubClient) GetAll(context.Context, string) ([]Record, error)          { return nil, nil }
func (s *stubClient) Search(context.Context, string, string) ([]Record, error)  { return nil, nil }
func (s *stubClient) DeleteAll(context.Context, string) error                   { return nil }
func (s *stubClient) Mode() Mode                                                { return s.mode }
func (s *stubClient) Close() error {
	s.closed.Store(true)
	return nil
}

type countingFactory struct {
	builds atomic.Int32
	delay  time.Duration
	fail   atomic.Bool
}

func (f *countingFactory) build(_ context.Context, cfg config.BackendConfig, _ *slog.Logger) (Client, error) {
	f.builds.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail.Load() {
		return nil, errors.New("embedder offline")
	}
	mode := ModeLocal
	if cfg.Remote() {
		mode = ModeRemote
	}
	return &stubClient{mode: mode}, nil
}

func localSettings() config.BackendConfig {
	return config.BackendConfig{Store: config.StoreConfig{Collection: "mem0"}}
}

func TestRegistryReturnsSameClientForSameSettings(t *testing.T) {
	f := &countingFactory{}
	reg := NewRegistry(WithFactory(f.build))
	ctx := context.Background()

	first, err := reg.GetOrRebuild(ctx, localSettings())
	require.NoError(t, err)
	second, err := reg.GetOrRebuild(ctx, localSettings())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), f.builds.Load())
}

func TestRegistryRebuildsOncePerFingerprintChange(t *testing.T) {
	f := &countingFactory{}
	reg := NewRegistry(WithFactory(f.build))
	ctx := context.Background()

	local, err := reg.GetOrRebuild(ctx, localSettings())
	require.NoError(t, err)

	remoteCfg := localSettings()
	remoteCfg.Mem0.APIKey = "m0-key"

	remote, err := reg.GetOrRebuild(ctx, remoteCfg)
	require.NoError(t, err)
	again, err := reg.GetOrRebuild(ctx, remoteCfg)
	require.NoError(t, err)

	assert.Same(t, remote, again)
	assert.Equal(t, ModeRemote, remote.Mode())
	assert.Equal(t, int32(2), f.builds.Load())
	assert.True(t, local.(*stubClient).closed.Load(), "replaced client should be closed")
}

func TestRegistryConcurrentFirstUseBuildsOnce(t *testing.T) {
	f := &countingFactory{delay: 20 * time.Millisecond}
	reg := NewRegistry(WithFactory(f.build))

	const callers = 32
	clients := make([]Client, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.GetOrRebuild(context.Background(), localSettings())
			if err == nil {
				clients[i] = c
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.builds.Load())
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
}

func TestRegistryRetriesAfterFailedBuild(t *testing.T) {
	f := &countingFactory{}
	f.fail.Store(true)
	reg := NewRegistry(WithFactory(f.build))
	ctx := context.Background()

	_, err := reg.GetOrRebuild(ctx, localSettings())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	f.fail.Store(false)
	c, err := reg.GetOrRebuild(ctx, localSettings())
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, int32(2), f.builds.Load())
}

func TestRegistryGetReadsSettingsSource(t *testing.T) {
	f := &countingFactory{}
	var cfg atomic.Value
	cfg.Store(localSettings())
	reg := NewRegistry(
		WithFactory(f.build),
		WithSettingsSource(func() (config.BackendConfig, error) {
			return cfg.Load().(config.BackendConfig), nil
		}),
	)
	ctx := context.Background()

	c1, err := reg.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, c1.Mode())

	remote := localSettings()
	remote.Mem0.APIKey = "key"
	cfg.Store(remote)

	c2, err := reg.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeRemote, c2.Mode())
}

func TestRegistryGetWrapsSettingsError(t *testing.T) {
	reg := NewRegistry(WithSettingsSource(func() (config.BackendConfig, error) {
		return config.BackendConfig{}, errors.New("bad env")
	}))

	_, err := reg.Get(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRegistryClose(t *testing.T) {
	f := &countingFactory{}
	reg := NewRegistry(WithFactory(f.build))

	c, err := reg.GetOrRebuild(context.Background(), localSettings())
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	assert.True(t, c.(*stubClient).closed.Load())
	assert.NoError(t, reg.Close())
}

func TestRegistryKeepsReplacedClientOpenWhileHeld(t *testing.T) {
	f := &countingFactory{}
	var cfg atomic.Value
	cfg.Store(localSettings())
	reg := NewRegistry(
		WithFactory(f.build),
		WithSettingsSource(func() (config.BackendConfig, error) {
			return cfg.Load().(config.BackendConfig), nil
		}),
	)
	ctx := context.Background()

	held, release, err := reg.Acquire(ctx)
	require.NoError(t, err)

	remote := localSettings()
	remote.Mem0.APIKey = "key"
	cfg.Store(remote)

	next, releaseNext, err := reg.Acquire(ctx)
	require.NoError(t, err)
	defer releaseNext()
	assert.Equal(t, ModeRemote, next.Mode())
	assert.False(t, held.(*stubClient).closed.Load(), "client in use must stay open")

	release()
	assert.True(t, held.(*stubClient).closed.Load(), "last release closes the replaced client")

	release()
	assert.False(t, next.(*stubClient).closed.Load())
}

func TestRegistryCloseWaitsForHolders(t *testing.T) {
	f := &countingFactory{}
	reg := NewRegistry(
		WithFactory(f.build),
		WithSettingsSource(func() (config.BackendConfig, error) { return localSettings(), nil }),
	)

	c, release, err := reg.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	assert.False(t, c.(*stubClient).closed.Load())

	release()
	assert.True(t, c.(*stubClient).closed.Load())
}
