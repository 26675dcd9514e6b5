package services

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Scheduler runs a unit of work off the caller's request path. The cleanup
// runs on every exit path, including panics, so a crashed run can still be
// reconciled.
type Scheduler interface {
	Submit(name string, run func(ctx context.Context) error, cleanup func(ctx context.Context))
}

// GoScheduler runs each unit of work on its own goroutine. Work runs on the
// scheduler's base context, not the submitter's, so finishing an HTTP request
// does not cancel a stage mid-run.
type GoScheduler struct {
	base context.Context
	wg   sync.WaitGroup
}

var _ Scheduler = (*GoScheduler)(nil)

// NewGoScheduler returns a scheduler whose tasks run on base, usually the
// process lifetime context.
func NewGoScheduler(base context.Context) *GoScheduler {
	return &GoScheduler{base: base}
}

// Submit launches run on a new goroutine and fires cleanup when it ends. A
// panic in run is logged and swallowed; cleanup still executes.
func (s *GoScheduler) Submit(name string, run func(ctx context.Context) error, cleanup func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger := slog.With("task", name)
		ctx := s.base

		defer func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Background cleanup panicked.", "panic", r, "stack", string(debug.Stack()))
				}
			}()
			if cleanup != nil {
				cleanup(ctx)
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Background task panicked.", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		if err := run(ctx); err != nil {
			logger.Error("Background task failed.", "error", err)
		}
	}()
}

// Wait blocks until every submitted task and its cleanup have finished.
// Mains call it before exit; tests use it to drain.
func (s *GoScheduler) Wait() {
	s.wg.Wait()
}
