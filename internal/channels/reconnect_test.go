package channels

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdogSkipsWhenFresh(t *testing.T) {
	var starts int32
	w := NewWatchdog("test", 3, nil,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { atomic.AddInt32(&starts, 1); return nil },
		nil,
	)
	w.check(context.Background())
	if atomic.LoadInt32(&starts) != 0 {
		t.Fatal("fresh watchdog should not attempt reconnect")
	}
}

func TestWatchdogReconnectsWhenStale(t *testing.T) {
	var recovered int32
	w := NewWatchdog("test", 3, nil,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func() { atomic.AddInt32(&recovered, 1) },
	)
	w.lastEventTS = time.Now().Add(-2 * staleThreshold)
	w.check(context.Background())
	if atomic.LoadInt32(&recovered) != 1 {
		t.Fatal("expected onRecovery to fire after a successful reconnect")
	}
	if w.reconnectAttempt != 0 {
		t.Fatalf("attempt counter should reset on success, got %d", w.reconnectAttempt)
	}
}

func TestWatchdogTripsBreakerAfterMaxAttempts(t *testing.T) {
	exited := make(chan struct{}, 1)
	w := NewWatchdog("test", 1, nil,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return errors.New("boom") },
		nil,
	)
	w.exitProcess = func() { exited <- struct{}{} }
	w.lastEventTS = time.Now().Add(-2 * staleThreshold)

	w.check(context.Background()) // attempt 1, fails
	w.lastEventTS = time.Now().Add(-2 * staleThreshold)
	w.check(context.Background()) // attempt 2 > maxAttempts(1), trips breaker

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("expected breaker trip to call exitProcess")
	}
	if !w.breaker.isOpen() {
		t.Fatal("breaker should be open")
	}
}
