package coordstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type memorySub struct {
	ctx     context.Context
	handler Handler
}

// MemoryStore is an in-process Store for tests and single-node runs.
// TTLs use the wall clock; Clock is swappable so tests can simulate
// lease expiry without sleeping.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	counters map[string]int64
	subs     map[string][]*memorySub

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// NewMemoryStore creates an empty in-memory coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]memoryEntry),
		counters: make(map[string]int64),
		subs:     make(map[string][]*memorySub),
		Clock:    time.Now,
	}
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	if e, ok := s.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(s.Clock()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(s.Clock()) || e.value != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) CompareAndExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	e, ok := s.entries[key]
	if !ok || e.expired(now) || e.value != expected {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	subs := make([]*memorySub, 0, len(s.subs[channel]))
	alive := s.subs[channel][:0]
	for _, sub := range s.subs[channel] {
		if sub.ctx.Err() != nil {
			continue
		}
		alive = append(alive, sub)
		subs = append(subs, sub)
	}
	s.subs[channel] = alive
	s.mu.Unlock()

	// Deliver synchronously; handlers are required not to block.
	for _, sub := range subs {
		sub.handler(payload)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[channel] = append(s.subs[channel], &memorySub{ctx: ctx, handler: handler})
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Expire drops key immediately, simulating TTL expiry in tests.
func (s *MemoryStore) Expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}
