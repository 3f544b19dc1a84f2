// Package pathlock serializes mutations per filesystem path.
//
// Callers for the same path run one at a time in arrival order; callers for
// different paths never wait on each other. Entries exist only while a path
// has a holder or waiters.
package pathlock

import (
	"context"
	"sync"
	"time"
)

// Serializer is a registry of per-path FIFO locks. The zero value is not
// usable; create one with New.
type Serializer struct {
	mu      sync.Mutex
	entries map[string]*entry
	observe func(wait time.Duration)
}

type entry struct {
	waiters []chan struct{}
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithWaitObserver registers fn to receive how long each acquisition waited.
func WithWaitObserver(fn func(wait time.Duration)) Option {
	return func(s *Serializer) { s.observe = fn }
}

// New creates an empty Serializer.
func New(opts ...Option) *Serializer {
	s := &Serializer{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do runs fn while holding the lock for path. fn's error is returned
// unchanged. If ctx ends before the lock is granted, fn does not run and the
// context error is returned.
func (s *Serializer) Do(ctx context.Context, path string, fn func() error) error {
	if err := s.acquire(ctx, path); err != nil {
		return err
	}
	defer s.release(path)
	return fn()
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, s *Serializer, path string, fn func() (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, path, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Len returns the number of paths currently held or waited on.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Serializer) acquire(ctx context.Context, path string) error {
	start := time.Now()

	s.mu.Lock()
	e, held := s.entries[path]
	if !held {
		s.entries[path] = &entry{}
		s.mu.Unlock()
		s.observeWait(start)
		return nil
	}
	grant := make(chan struct{})
	e.waiters = append(e.waiters, grant)
	s.mu.Unlock()

	select {
	case <-grant:
		s.observeWait(start)
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for i, w := range e.waiters {
		if w == grant {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	s.mu.Unlock()
	// Granted concurrently with cancellation: pass the lock on.
	s.release(path)
	return ctx.Err()
}

func (s *Serializer) release(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	if !ok {
		return
	}
	if len(e.waiters) == 0 {
		delete(s.entries, path)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}

func (s *Serializer) queued(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[path]; ok {
		return len(e.waiters)
	}
	return 0
}

func (s *Serializer) observeWait(start time.Time) {
	if s.observe != nil {
		s.observe(time.Since(start))
	}
}
