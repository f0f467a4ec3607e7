package background

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type recordLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *recordLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestGoRunsTask(t *testing.T) {
	ran := false
	done := Go("probe", nil, func(ctx context.Context) error {
		ran = true
		return nil
	})
	<-done
	if !ran {
		t.Fatalf("expected task to run")
	}
}

func TestGoLogsAndDropsErrors(t *testing.T) {
	logger := &recordLogger{}
	done := Go("probe", logger, func(ctx context.Context) error {
		return errors.New("boom")
	})
	<-done
	if !logger.contains("failed") {
		t.Fatalf("expected failure logged, got %v", logger.lines)
	}
}

func TestGoRecoversPanics(t *testing.T) {
	logger := &recordLogger{}
	done := Go("probe", logger, func(ctx context.Context) error {
		panic("kaboom")
	})
	<-done
	if !logger.contains("panicked") {
		t.Fatalf("expected panic logged, got %v", logger.lines)
	}
}
