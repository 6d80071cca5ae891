package client

import (
	"context"
	"sync"
)

// semaphoreSet bounds in-flight calls per provider with counting semaphores.
//
// The slot is held for the whole call including retries, so a provider never
// sees more than its configured concurrency regardless of backoff timing.
type semaphoreSet struct {
	mu    sync.Mutex
	limit int
	sems  map[string]chan struct{}
}

func newSemaphoreSet(limit int) *semaphoreSet {
	if limit <= 0 {
		limit = 8
	}
	return &semaphoreSet{
		limit: limit,
		sems:  make(map[string]chan struct{}),
	}
}

func (s *semaphoreSet) forProvider(provider string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.sems[provider]
	if !ok {
		sem = make(chan struct{}, s.limit)
		s.sems[provider] = sem
	}
	return sem
}

// acquire blocks until a slot is free or the context ends.
// The returned release function is nil when acquisition failed.
func (s *semaphoreSet) acquire(ctx context.Context, provider string) (release func(), err error) {
	sem := s.forProvider(provider)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
