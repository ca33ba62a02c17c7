package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"todochain/internal/domain"
	"todochain/internal/events"
	"todochain/internal/ledger"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyCompleted = errors.New("task already completed")
	ErrNoTasks          = errors.New("no tasks to prioritize")
)

// Ledger is the task store; *ledger.Adapter implements it.
type Ledger interface {
	CreateTask(ctx context.Context, fields domain.TaskFields, advice string) (domain.Receipt, error)
	EditTask(ctx context.Context, id uint64, fields domain.TaskFields, advice string) (domain.Receipt, error)
	CompleteTask(ctx context.Context, id uint64) (domain.Receipt, error)
	DeleteTask(ctx context.Context, id uint64) (domain.Receipt, error)
	GetTask(ctx context.Context, id uint64) (domain.Task, error)
	GetAllTasks(ctx context.Context) ([]domain.Task, error)
	GetTaskCount(ctx context.Context) (uint64, error)
}

// Advisor drafts advice; *advisory.Service implements it.
type Advisor interface {
	Advise(ctx context.Context, fields domain.TaskFields, completed bool) (string, error)
	Prioritize(ctx context.Context, tasks []domain.Task) (string, error)
}

// Engine orchestrates advisory calls and ledger writes for task operations.
type Engine struct {
	Ledger  Ledger
	Advisor Advisor
	Events  events.Writer
	Logger  *log.Logger
	Now     func() time.Time
}

func New(l Ledger, a Advisor, w events.Writer) Engine {
	return Engine{
		Ledger:  l,
		Advisor: a,
		Events:  w,
		Logger:  log.Default(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Fields  domain.TaskFields
	ActorID string
}

// CreateTask drafts advice for the new task and writes it to the ledger.
// Advisory failure does not block the write; the task is stored without advice.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Receipt, error) {
	if err := opts.Fields.Validate(); err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	advice, err := e.advise(ctx, opts.Fields, false)
	if err != nil {
		e.advisoryFailed(ctx, "create", "", opts.ActorID, err)
		advice = ""
	}
	receipt, err := e.Ledger.CreateTask(ctx, opts.Fields, advice)
	if err != nil {
		e.writePending(ctx, "create", "", opts.ActorID, receipt, err)
		return receipt, err
	}
	entityID := ""
	if receipt.TaskID != nil {
		entityID = strconv.FormatUint(*receipt.TaskID, 10)
	}
	e.record(ctx, events.TaskCreated, entityID, opts.ActorID, events.EventPayload{
		"title":      opts.Fields.Title,
		"priority":   opts.Fields.Priority,
		"tx_hash":    receipt.TxHash,
		"has_advice": advice != "",
	})
	return receipt, nil
}

// TaskEditOptions are parameters for editing a task.
type TaskEditOptions struct {
	ID      uint64
	Fields  domain.TaskFields
	ActorID string
}

// EditTask rewrites a task with freshly drafted advice. When advisory fails
// the previous advice is kept.
func (e Engine) EditTask(ctx context.Context, opts TaskEditOptions) (domain.Receipt, error) {
	if err := opts.Fields.Validate(); err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	current, err := e.Ledger.GetTask(ctx, opts.ID)
	if errors.Is(err, ledger.ErrTaskNotFound) {
		return domain.Receipt{}, err
	}
	if err != nil {
		e.logf("edit task %d: read previous state: %v", opts.ID, err)
		current = domain.Task{}
	}
	advice, err := e.advise(ctx, opts.Fields, current.Completed)
	if err != nil {
		e.advisoryFailed(ctx, "edit", idString(opts.ID), opts.ActorID, err)
		advice = current.AIAdvice
	}
	receipt, err := e.Ledger.EditTask(ctx, opts.ID, opts.Fields, advice)
	if err != nil {
		e.writePending(ctx, "edit", idString(opts.ID), opts.ActorID, receipt, err)
		return receipt, err
	}
	e.record(ctx, events.TaskEdited, idString(opts.ID), opts.ActorID, events.EventPayload{
		"title":    opts.Fields.Title,
		"priority": opts.Fields.Priority,
		"progress": opts.Fields.Progress,
		"tx_hash":  receipt.TxHash,
	})
	return receipt, nil
}

// CompleteTask marks a task completed. Completion is one-way.
func (e Engine) CompleteTask(ctx context.Context, id uint64, actorID string) (domain.Receipt, error) {
	current, err := e.Ledger.GetTask(ctx, id)
	if err != nil {
		return domain.Receipt{}, err
	}
	if current.Completed {
		return domain.Receipt{}, fmt.Errorf("task %d: %w", id, ErrAlreadyCompleted)
	}
	receipt, err := e.Ledger.CompleteTask(ctx, id)
	if err != nil {
		e.writePending(ctx, "complete", idString(id), actorID, receipt, err)
		return receipt, err
	}
	e.record(ctx, events.TaskCompleted, idString(id), actorID, events.EventPayload{"tx_hash": receipt.TxHash})
	return receipt, nil
}

func (e Engine) DeleteTask(ctx context.Context, id uint64, actorID string) (domain.Receipt, error) {
	receipt, err := e.Ledger.DeleteTask(ctx, id)
	if err != nil {
		e.writePending(ctx, "delete", idString(id), actorID, receipt, err)
		return receipt, err
	}
	e.record(ctx, events.TaskDeleted, idString(id), actorID, events.EventPayload{"tx_hash": receipt.TxHash})
	return receipt, nil
}

func (e Engine) GetTask(ctx context.Context, id uint64) (domain.Task, error) {
	return e.Ledger.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return e.Ledger.GetAllTasks(ctx)
}

func (e Engine) CountTasks(ctx context.Context) (uint64, error) {
	return e.Ledger.GetTaskCount(ctx)
}

// AdviceOptions select the task to advise on. Without ID the advice is
// only returned; with ID it is also written to the ledger.
type AdviceOptions struct {
	ID     *uint64
	Fields domain.TaskFields
	// Completed is used only without ID; stored tasks report their own state.
	Completed bool
	ActorID   string
}

type AdviceResult struct {
	Advice  string          `json:"advice"`
	Receipt *domain.Receipt `json:"receipt,omitempty"`
}

// RefreshAdvice drafts advice and, for an existing task, persists it.
// Unlike create and edit, advisory failure here is returned to the caller.
func (e Engine) RefreshAdvice(ctx context.Context, opts AdviceOptions) (AdviceResult, error) {
	fields := opts.Fields
	completed := opts.Completed
	if opts.ID != nil {
		current, err := e.Ledger.GetTask(ctx, *opts.ID)
		if err != nil {
			return AdviceResult{}, err
		}
		if fields.Title == "" {
			fields = current.Fields()
		}
		completed = current.Completed
	}
	if err := fields.Validate(); err != nil {
		return AdviceResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	advice, err := e.advise(ctx, fields, completed)
	if err != nil {
		e.advisoryFailed(ctx, "refresh", optionalID(opts.ID), opts.ActorID, err)
		return AdviceResult{}, err
	}
	res := AdviceResult{Advice: advice}
	if opts.ID == nil {
		return res, nil
	}
	receipt, err := e.Ledger.EditTask(ctx, *opts.ID, fields, advice)
	if err != nil {
		return res, err
	}
	res.Receipt = &receipt
	e.record(ctx, events.AdviceRefreshed, idString(*opts.ID), opts.ActorID, events.EventPayload{"tx_hash": receipt.TxHash})
	return res, nil
}

// Prioritize asks for ordering guidance. Without tasks it uses the
// incomplete tasks on the ledger. Nothing is persisted.
func (e Engine) Prioritize(ctx context.Context, tasks []domain.Task) (string, error) {
	if len(tasks) == 0 {
		all, err := e.Ledger.GetAllTasks(ctx)
		if err != nil {
			return "", err
		}
		for _, t := range all {
			if !t.Completed {
				tasks = append(tasks, t)
			}
		}
	}
	if len(tasks) == 0 {
		return "", ErrNoTasks
	}
	if e.Advisor == nil {
		return "", errors.New("advisory service not configured")
	}
	return e.Advisor.Prioritize(ctx, tasks)
}

func (e Engine) advise(ctx context.Context, fields domain.TaskFields, completed bool) (string, error) {
	if e.Advisor == nil {
		return "", errors.New("advisory service not configured")
	}
	return e.Advisor.Advise(ctx, fields, completed)
}

func (e Engine) advisoryFailed(ctx context.Context, op, entityID, actorID string, err error) {
	e.logf("advisory failed during %s: %v", op, err)
	e.record(ctx, events.AdvisoryFailed, entityID, actorID, events.EventPayload{"op": op, "error": err.Error()})
}

// writePending records a write whose transaction was sent but not yet
// confirmed, so the audit log can be reconciled once it is mined.
func (e Engine) writePending(ctx context.Context, op, entityID, actorID string, r domain.Receipt, err error) {
	if !errors.Is(err, ledger.ErrPending) {
		return
	}
	e.logf("%s task: transaction %s still pending", op, r.TxHash)
	e.record(ctx, events.LedgerPending, entityID, actorID, events.EventPayload{"op": op, "tx_hash": r.TxHash})
}

// record appends an audit event. The ledger write already happened, so a
// failed append is logged rather than returned.
func (e Engine) record(ctx context.Context, evtType, entityID, actorID string, payload events.EventPayload) {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(context.WithoutCancel(ctx), evtType, "task", entityID, actorID, payload); err != nil {
		e.logf("append %s event: %v", evtType, err)
	}
}

func idString(id uint64) string { return strconv.FormatUint(id, 10) }

func optionalID(id *uint64) string {
	if id == nil {
		return ""
	}
	return idString(*id)
}
