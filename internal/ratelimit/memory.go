package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// MemoryStore keeps windows in process memory. Windows are never evicted;
// an idle key costs one small map entry.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Take implements WindowStore.
func (s *MemoryStore) Take(_ context.Context, key string, limit int, size time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{start: now}
		s.windows[key] = w
	}
	if now.Sub(w.start) > size {
		w.count = 0
		w.start = now
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}
