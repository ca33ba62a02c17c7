// Package reminder periodically drafts reminders for overdue tasks and
// pushes them to subscribed browsers.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"todochain/internal/domain"
	"todochain/internal/events"
	"todochain/internal/push"
)

// DefaultSchedule runs once a day at midnight.
const DefaultSchedule = "0 0 * * *"

type TaskSource interface {
	GetAllTasks(ctx context.Context) ([]domain.Task, error)
}

type Drafter interface {
	Remind(ctx context.Context, overdue []domain.Task) (string, error)
}

type Notifier interface {
	Broadcast(ctx context.Context, message string) (push.BroadcastResult, error)
}

type Options struct {
	Tasks   TaskSource
	Drafter Drafter
	// Notifier may be nil; reminders are then only logged.
	Notifier Notifier
	Events   events.Writer
	Logger   *log.Logger
	Now      func() time.Time
	Location *time.Location
}

// Snapshot describes the scheduler's recent activity.
type Snapshot struct {
	Running     bool      `json:"running"`
	Schedule    string    `json:"schedule,omitempty"`
	Runs        int       `json:"runs"`
	LastStart   time.Time `json:"last_start,omitempty"`
	LastEnd     time.Time `json:"last_end,omitempty"`
	LastOverdue int       `json:"last_overdue"`
	LastError   string    `json:"last_error,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
}

type RunResult struct {
	Overdue  []domain.Task        `json:"overdue"`
	Message  string               `json:"message,omitempty"`
	Delivery push.BroadcastResult `json:"delivery"`
}

type Scheduler struct {
	opts   Options
	logger *log.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	schedule string
	snap     Snapshot
}

func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Scheduler{opts: opts, logger: logger}
}

func (s *Scheduler) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now().In(s.opts.Location)
	}
	return time.Now().In(s.opts.Location)
}

// Start schedules RunOnce with a standard five-field cron spec.
func (s *Scheduler) Start(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSchedule
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("reminder scheduler already started")
	}
	clog := cron.PrintfLogger(s.logger)
	c := cron.New(
		cron.WithLocation(s.opts.Location),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	id, err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Printf("reminder run failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("reminder schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron, s.entry, s.schedule = c, id, schedule
	return nil
}

// Stop halts scheduling and waits for a running job until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.Running = s.cron != nil
	snap.Schedule = s.schedule
	if s.cron != nil {
		snap.NextRun = s.cron.Entry(s.entry).Next
	}
	return snap
}

// RunOnce scans for overdue tasks, drafts one reminder for all of them and
// broadcasts it.
func (s *Scheduler) RunOnce(ctx context.Context) (RunResult, error) {
	start := s.now()
	s.mu.Lock()
	s.snap.Runs++
	s.snap.LastStart = start
	s.mu.Unlock()

	res, err := s.run(ctx, start)

	s.mu.Lock()
	s.snap.LastEnd = s.now()
	s.snap.LastOverdue = len(res.Overdue)
	s.snap.LastError = ""
	if err != nil {
		s.snap.LastError = err.Error()
	}
	s.mu.Unlock()
	return res, err
}

func (s *Scheduler) run(ctx context.Context, now time.Time) (RunResult, error) {
	var res RunResult
	if s.opts.Tasks == nil || s.opts.Drafter == nil {
		return res, errors.New("reminder scheduler is missing its task source or drafter")
	}
	tasks, err := s.opts.Tasks.GetAllTasks(ctx)
	if err != nil {
		return res, fmt.Errorf("list tasks: %w", err)
	}
	res.Overdue = Overdue(tasks, now)
	if len(res.Overdue) == 0 {
		s.logger.Printf("reminder: no overdue tasks")
		return res, nil
	}
	msg, err := s.opts.Drafter.Remind(ctx, res.Overdue)
	if err != nil {
		return res, err
	}
	res.Message = msg
	if s.opts.Notifier != nil {
		delivery, err := s.opts.Notifier.Broadcast(ctx, msg)
		res.Delivery = delivery
		if err != nil {
			return res, fmt.Errorf("broadcast reminder: %w", err)
		}
	} else {
		s.logger.Printf("reminder: %s", msg)
	}
	ids := make([]uint64, 0, len(res.Overdue))
	for _, t := range res.Overdue {
		ids = append(ids, t.ID)
	}
	if err := s.opts.Events.Append(ctx, events.ReminderSent, "reminder", "", "", events.EventPayload{
		"task_ids": ids,
		"sent":     res.Delivery.Sent,
		"removed":  res.Delivery.Removed,
		"failed":   res.Delivery.Failed,
	}); err != nil {
		s.logger.Printf("reminder: append event: %v", err)
	}
	return res, nil
}

var deadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDeadline reads a deadline as the UI writes it. Values without a zone
// are taken in loc.
func ParseDeadline(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Overdue keeps incomplete tasks whose deadline is before now. Tasks with
// an unreadable deadline are never overdue.
func Overdue(tasks []domain.Task, now time.Time) []domain.Task {
	var out []domain.Task
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		deadline, ok := ParseDeadline(t.Deadline, now.Location())
		if !ok || !deadline.Before(now) {
			continue
		}
		out = append(out, t)
	}
	return out
}
