package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueProcessesOnce(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	q := New(Config{MaxConcurrent: 1, BaseDelay: 10 * time.Millisecond}, func(ctx context.Context, jid string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(done)
		}
		return nil
	})
	q.Enqueue(context.Background(), "group-a")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process to run")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var attempts int32
	succeeded := make(chan struct{})
	q := New(Config{MaxConcurrent: 2, BaseDelay: 5 * time.Millisecond, MaxRetries: 5}, func(ctx context.Context, jid string) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient failure")
		}
		close(succeeded)
		return nil
	})
	q.Enqueue(context.Background(), "group-a")

	select {
	case <-succeeded:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected eventual success, got %d attempts", atomic.LoadInt32(&attempts))
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestExhaustionDropsAndClearsState(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, BaseDelay: 2 * time.Millisecond, MaxRetries: 2}, func(ctx context.Context, jid string) error {
		return errors.New("permanent failure")
	})
	q.Enqueue(context.Background(), "group-a")

	deadline := time.After(3 * time.Second)
	for {
		if q.State("group-a") == StateExhausted || q.State("group-a") == StateIdle {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected group to exhaust, stuck in state %v", q.State("group-a"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAbortStopsInFlight(t *testing.T) {
	started := make(chan struct{})
	blocked := make(chan struct{})
	q := New(Config{MaxConcurrent: 1}, func(ctx context.Context, jid string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	q.Enqueue(context.Background(), "group-a")
	<-started
	q.Abort("group-a")
	close(blocked)

	if st := q.State("group-a"); st != StateIdle {
		t.Errorf("expected idle after abort, got %v", st)
	}
}
