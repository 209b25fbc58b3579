package challenge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore holds outstanding challenges in process memory.
// Suitable for single-instance deployments; use RedisStore when several
// replicas share one claim endpoint.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Challenge
	clock   func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store and starts background expiry.
func NewMemoryStore() *MemoryStore {
	return newMemoryStore(time.Now, time.Minute)
}

func newMemoryStore(clock func() time.Time, sweep time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]Challenge),
		clock:   clock,
		done:    make(chan struct{}),
	}
	go s.cleanup(sweep)
	return s
}

func (s *MemoryStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.clock()
			for k, v := range s.entries {
				if !now.Before(v.ExpiresAt) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops background expiry.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) Put(ctx context.Context, c Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[c.Nonce] = c
	return nil
}

func (s *MemoryStore) Take(ctx context.Context, nonce string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.entries[nonce]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	delete(s.entries, nonce)
	if !s.clock().Before(c.ExpiresAt) {
		return Challenge{}, ErrNotFound
	}
	return c, nil
}

// Len reports the number of outstanding challenges.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
