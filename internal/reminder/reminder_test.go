package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"todochain/internal/advisory"
	"todochain/internal/advisory/advisorytest"
	"todochain/internal/domain"
	"todochain/internal/push"
)

var now = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

func TestOverdueSelectsPastIncomplete(t *testing.T) {
	tasks := []domain.Task{
		{ID: 1, Title: "past open", Deadline: "2024-09-30T09:00"},
		{ID: 2, Title: "past done", Deadline: "2024-09-30T09:00", Completed: true},
		{ID: 3, Title: "future open", Deadline: "2024-10-02"},
		{ID: 4, Title: "garbage", Deadline: "next week"},
		{ID: 5, Title: "rfc3339", Deadline: "2024-10-01T11:59:59Z"},
		{ID: 6, Title: "exactly now", Deadline: "2024-10-01T12:00:00"},
	}
	got := Overdue(tasks, now)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 5 {
		t.Fatalf("overdue = %+v", got)
	}
}

type staticTasks []domain.Task

func (s staticTasks) GetAllTasks(context.Context) ([]domain.Task, error) { return s, nil }

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Broadcast(_ context.Context, msg string) (push.BroadcastResult, error) {
	n.messages = append(n.messages, msg)
	return push.BroadcastResult{Sent: 1}, nil
}

func TestRunOnceDraftsOneReminderForAllOverdue(t *testing.T) {
	model := &advisorytest.Model{Reply: "Don't forget your tasks!"}
	notifier := &recordingNotifier{}
	s := New(Options{
		Tasks: staticTasks{
			{ID: 1, Title: "a", Deadline: "2024-09-01"},
			{ID: 2, Title: "b", Deadline: "2024-09-02"},
			{ID: 3, Title: "c", Deadline: "2030-01-01"},
		},
		Drafter:  advisory.New(model, advisory.Options{}),
		Notifier: notifier,
		Now:      func() time.Time { return now },
		Location: time.UTC,
	})
	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Overdue) != 2 || model.Calls() != 1 {
		t.Fatalf("overdue=%d calls=%d", len(res.Overdue), model.Calls())
	}
	if len(notifier.messages) != 1 || notifier.messages[0] != "Don't forget your tasks!" {
		t.Fatalf("notifications = %v", notifier.messages)
	}
	snap := s.Snapshot()
	if snap.Runs != 1 || snap.LastOverdue != 2 || snap.LastError != "" || snap.Running {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunOnceSkipsDraftingWhenNothingOverdue(t *testing.T) {
	model := &advisorytest.Model{Reply: "unused"}
	notifier := &recordingNotifier{}
	s := New(Options{
		Tasks:    staticTasks{{ID: 1, Deadline: "2030-01-01"}},
		Drafter:  advisory.New(model, advisory.Options{}),
		Notifier: notifier,
		Now:      func() time.Time { return now },
	})
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if model.Calls() != 0 || len(notifier.messages) != 0 {
		t.Fatalf("nothing should be drafted or sent")
	}
}

func TestRunOnceRecordsDrafterFailure(t *testing.T) {
	model := &advisorytest.Model{Err: errors.New("model offline")}
	s := New(Options{
		Tasks:   staticTasks{{ID: 1, Deadline: "2024-01-01"}},
		Drafter: advisory.New(model, advisory.Options{}),
		Now:     func() time.Time { return now },
	})
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if s.Snapshot().LastError == "" {
		t.Fatalf("snapshot should carry the error")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(Options{})
	if err := s.Start("every day"); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := s.Start(""); err != nil {
		t.Fatalf("default schedule: %v", err)
	}
	defer s.Stop(context.Background())
	snap := s.Snapshot()
	if !snap.Running || snap.Schedule != DefaultSchedule || snap.NextRun.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := s.Start(""); err == nil {
		t.Fatalf("second start should fail")
	}
}
