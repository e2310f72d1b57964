package shutdown

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"reelforge/internal/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "json", Output: &bytes.Buffer{}})
}

func TestShutdownRunsAllHandlers(t *testing.T) {
	m := NewManager(testLogger(), 5*time.Second)

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		m.Register(fmt.Sprintf("handler-%d", i), func(ctx context.Context) error {
			count.Add(1)
			return nil
		})
	}

	m.Shutdown()

	if got := count.Load(); got != 3 {
		t.Errorf("expected 3 handlers to run, got %d", got)
	}
}

func TestShutdownClosesDone(t *testing.T) {
	m := NewManager(testLogger(), time.Second)
	m.Shutdown()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Error("expected Done channel to be closed after Shutdown")
	}
}

func TestShutdownContinuesPastFailingHandler(t *testing.T) {
	m := NewManager(testLogger(), 5*time.Second)

	var ran atomic.Bool
	m.Register("ok", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	m.Register("failing", func(ctx context.Context) error {
		return fmt.Errorf("cleanup failed")
	})

	m.Shutdown()

	if !ran.Load() {
		t.Error("expected healthy handler to run despite failing sibling")
	}
}

func TestShutdownTimeout(t *testing.T) {
	m := NewManager(testLogger(), 50*time.Millisecond)

	m.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return nil
	})

	start := time.Now()
	m.Shutdown()

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected Shutdown to give up at the timeout, took %s", elapsed)
	}
}

func TestZeroTimeoutDefaults(t *testing.T) {
	m := NewManager(testLogger(), 0)
	if m.timeout != 30*time.Second {
		t.Errorf("expected default timeout of 30s, got %s", m.timeout)
	}
}
