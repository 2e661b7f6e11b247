package concurrency

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/cuenv/cuenv/pkg/util"
)

// IOSemaphore bounds the number of concurrent disk operations the cache
// issues, per spec.md §4.6 and §5 ("File descriptors"). Callers that
// exceed the limit queue rather than fail.
type IOSemaphore struct {
	sem *semaphore.Weighted
}

// DefaultIOConcurrency matches spec.md's documented default of 100
// concurrent disk operations.
const DefaultIOConcurrency = 100

// NewIOSemaphore creates a semaphore admitting at most maxConcurrent
// simultaneous disk operations.
func NewIOSemaphore(maxConcurrent int64) *IOSemaphore {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultIOConcurrency
	}
	return &IOSemaphore{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (s *IOSemaphore) Acquire(ctx context.Context) error {
	if ctx.Err() != nil || s.sem.Acquire(ctx, 1) != nil {
		return util.StatusFromContext(ctx)
	}
	return nil
}

// Release returns a previously acquired slot.
func (s *IOSemaphore) Release() {
	s.sem.Release(1)
}

// Do runs fn after acquiring a slot, releasing it unconditionally
// afterwards.
func (s *IOSemaphore) Do(ctx context.Context, fn func() error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn()
}
