package janitor

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coderelay/relay/internal/observability"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func TestLoopRunsJobOnInterval(t *testing.T) {
	j := New(quietLogger())
	var runs atomic.Int64
	j.Register("counter", 10*time.Millisecond, func() int {
		runs.Add(1)
		return 1
	})
	j.Start()
	t.Cleanup(j.Stop)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("job ran %d times, want >= 3", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopHaltsJobs(t *testing.T) {
	j := New(quietLogger())
	var runs atomic.Int64
	j.Register("counter", 5*time.Millisecond, func() int {
		runs.Add(1)
		return 0
	})
	j.Start()
	time.Sleep(30 * time.Millisecond)
	j.Stop()

	at := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != at {
		t.Errorf("job ran after Stop: %d -> %d", at, got)
	}
}

func TestRunOnceRunsAllJobs(t *testing.T) {
	j := New(quietLogger())
	var a, b atomic.Int64
	j.Register("a", time.Hour, func() int { a.Add(1); return 2 })
	j.Register("b", time.Hour, func() int { b.Add(1); return 0 })

	j.RunOnce()

	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("RunOnce ran a=%d b=%d, want 1 each", a.Load(), b.Load())
	}
}

func TestStartIsIdempotent(t *testing.T) {
	j := New(quietLogger())
	var runs atomic.Int64
	j.Register("counter", 10*time.Millisecond, func() int {
		runs.Add(1)
		return 0
	})
	j.Start()
	j.Start()
	t.Cleanup(j.Stop)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
