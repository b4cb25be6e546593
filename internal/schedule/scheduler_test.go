package schedule_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/schedule"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UpsertGroup(ctx, store.Group{JID: "jid-1", Folder: "folder-a"}); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-time.Minute)
	if _, err := s.AddSchedule(ctx, "jid-1", "*/5 * * * *", "run the daily report", past); err != nil {
		t.Fatal(err)
	}

	var enqueued []string
	q := queue.New(queue.Config{Logger: slog.Default()}, func(ctx context.Context, jid string) error {
		enqueued = append(enqueued, jid)
		return nil
	})

	sched := schedule.New(schedule.Config{
		Store:    s,
		Queue:    q,
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return len(enqueued) > 0 })

	msgs, err := s.RecentMessages(ctx, "jid-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "run the daily report" {
		t.Fatalf("expected scheduled prompt to be appended, got %+v", msgs)
	}

	due, err := s.DueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("expected next_run to have advanced past now, got %+v", due)
	}
}

func TestNextRunTimeAdvancesPastNow(t *testing.T) {
	after := time.Now()
	next, err := schedule.NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	if !next.After(after) {
		t.Fatalf("expected next run to be after %v, got %v", after, next)
	}
}
