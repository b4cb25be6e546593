package store

import (
	"context"
	"testing"
	"time"
)

func TestScheduleDueAndAdvance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertGroup(ctx, Group{JID: "jid-1", Folder: "folder-a"}); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	dueID, err := s.AddSchedule(ctx, "jid-1", "*/5 * * * *", "daily standup", past)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddSchedule(ctx, "jid-1", "0 0 * * *", "midnight report", future); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != dueID {
		t.Fatalf("expected exactly the overdue schedule, got %+v", due)
	}

	next := time.Now().Add(5 * time.Minute)
	if err := s.UpdateNextRun(ctx, dueID, next); err != nil {
		t.Fatal(err)
	}
	due, err = s.DueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due schedules after advancing, got %+v", due)
	}

	if err := s.DeleteSchedule(ctx, dueID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSchedule(ctx, dueID); err == nil {
		t.Fatal("expected error deleting already-deleted schedule")
	}
}
