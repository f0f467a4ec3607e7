// Package background runs detached fire-and-forget tasks. A task started
// here has no caller left to observe it, so the error hook is mandatory:
// every failure and panic is logged and dropped, never re-raised.
package background

import (
	"context"
)

type Logger interface {
	Printf(format string, v ...any)
}

// Go runs fn on its own goroutine with a context detached from any request.
// The returned channel closes when the task finishes; callers that truly
// fire-and-forget simply ignore it, tests wait on it.
func Go(name string, logger Logger, fn func(ctx context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logf(logger, "background task %s panicked: %v", name, r)
			}
		}()
		if err := fn(context.Background()); err != nil {
			logf(logger, "background task %s failed: %v", name, err)
		}
	}()
	return done
}

func logf(logger Logger, format string, v ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, v...)
}
