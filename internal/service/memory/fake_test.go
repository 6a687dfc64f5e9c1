package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/backend"
)

type fakeBackend struct {
	mu       sync.Mutex
	records  map[string][]backend.Record
	searches int
	failOn   string
	seq      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string][]backend.Record)}
}

func (f *fakeBackend) Add(_ context.Context, text, userID string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return errors.New("backend rejected memory")
	}
	f.seq++
	f.records[userID] = append(f.records[userID], backend.Record{
		ID:       fmt.Sprintf("m%d", f.seq),
		Memory:   text,
		UserID:   userID,
		Metadata: metadata,
	})
	return nil
}

func (f *fakeBackend) GetAll(_ context.Context, userID string) ([]backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Record(nil), f.records[userID]...), nil
}

func (f *fakeBackend) Search(_ context.Context, query, userID string) ([]backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	var out []backend.Record
	for _, rec := range f.records[userID] {
		if strings.Contains(strings.ToLower(rec.Memory), strings.ToLower(query)) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeBackend) DeleteAll(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, userID)
	return nil
}

func (f *fakeBackend) Mode() backend.Mode { return backend.ModeLocal }
func (f *fakeBackend) Close() error       { return nil }

func (f *fakeBackend) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

type staticSource struct {
	client backend.Client
	err    error
}

func (s staticSource) Acquire(context.Context) (backend.Client, func(), error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.client, func() {}, nil
}
