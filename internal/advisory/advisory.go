// Package advisory drafts productivity advice, prioritization guidance and
// reminder text with a locally hosted language model.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"todochain/internal/domain"
)

var (
	ErrUnavailable     = errors.New("advisory service unavailable")
	ErrEmptyCompletion = errors.New("model returned an empty completion")
)

// Error wraps every failure surfaced by the service.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "advisory " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Model turns a prompt into completion text.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Pinger is implemented by models that can be checked for reachability before first use.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// Timeout bounds each call; zero means no bound beyond the caller's context.
	Timeout time.Duration
	Logger  *log.Logger
}

// Service owns the process-wide model handle. Calls are serialized.
type Service struct {
	model   Model
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

func New(model Model, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{model: model, timeout: opts.Timeout, logger: logger}
}

// Start pings the model once. It is safe to call more than once.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.model == nil {
		return &Error{Op: "start", Err: ErrUnavailable}
	}
	if s.started {
		return nil
	}
	if p, ok := s.model.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return &Error{Op: "start", Err: err}
		}
	}
	s.started = true
	return nil
}

// Shutdown releases the model; later calls fail with ErrUnavailable.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.started = false
}

// Advise returns advice for a single task.
func (s *Service) Advise(ctx context.Context, fields domain.TaskFields, completed bool) (string, error) {
	return s.complete(ctx, "advise", advicePrompt(fields, completed))
}

// Prioritize returns guidance ordering tasks by urgency and importance.
func (s *Service) Prioritize(ctx context.Context, tasks []domain.Task) (string, error) {
	if len(tasks) == 0 {
		return "", &Error{Op: "prioritize", Err: errors.New("no tasks to prioritize")}
	}
	return s.complete(ctx, "prioritize", prioritizePrompt(tasks))
}

// Remind drafts reminder messages for already overdue tasks.
func (s *Service) Remind(ctx context.Context, overdue []domain.Task) (string, error) {
	if len(overdue) == 0 {
		return "", &Error{Op: "remind", Err: errors.New("no overdue tasks")}
	}
	return s.complete(ctx, "remind", reminderPrompt(overdue))
}

func (s *Service) complete(ctx context.Context, op, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.model == nil {
		return "", &Error{Op: op, Err: ErrUnavailable}
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	text, err := s.model.Complete(ctx, prompt)
	if err != nil {
		s.logger.Printf("advisory %s failed after %s: %v", op, time.Since(started).Round(time.Millisecond), err)
		return "", &Error{Op: op, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &Error{Op: op, Err: ErrEmptyCompletion}
	}
	return text, nil
}

func describe(t domain.Task) string {
	return fmt.Sprintf("Task %q with description %q, priority %d, progress %d, deadline %s, completed %t",
		t.Title, t.Description, t.Priority, t.Progress, t.Deadline, t.Completed)
}

func advicePrompt(f domain.TaskFields, completed bool) string {
	task := domain.Task{Title: f.Title, Description: f.Description, Priority: f.Priority, Progress: f.Progress, Deadline: f.Deadline, Completed: completed}
	return "You are a productivity coach. Analyze the following tasks and suggest ways to improve productivity:\n\nTasks:\n" +
		describe(task) + "\n"
}

func prioritizePrompt(tasks []domain.Task) string {
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		parts = append(parts, describe(t))
	}
	return "I have the following tasks to complete: " + strings.Join(parts, ", ") +
		". Please prioritize them based on urgency and importance deadline."
}

func reminderPrompt(tasks []domain.Task) string {
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		parts = append(parts, fmt.Sprintf("Task %q with description %q, priority %d, progress %d, deadline %s",
			t.Title, t.Description, t.Priority, t.Progress, t.Deadline))
	}
	return "I have the following overdue tasks: " + strings.Join(parts, ", ") +
		". Please generate reminder messages for these tasks."
}
