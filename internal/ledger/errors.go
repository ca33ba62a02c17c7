package ledger

import (
	"errors"
	"fmt"
)

// Status classifies the outcome of a ledger write.
type Status int

const (
	Confirmed Status = iota
	Reverted
	SubmitFailed
	// Pending means the transaction was broadcast but no receipt arrived
	// within the confirmation bound. It may still be mined.
	Pending
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	case SubmitFailed:
		return "submit_failed"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	ErrReverted     = errors.New("transaction reverted")
	ErrSubmitFailed = errors.New("transaction submit failed")
	ErrTaskNotFound = errors.New("task not found")
	ErrReadOnly     = errors.New("ledger adapter has no signing key")
	ErrPending      = errors.New("transaction sent but not confirmed")
)

// ErrCallFailed marks a read that did not reach or was refused by the node.
var ErrCallFailed = errors.New("contract call failed")

// Error reports a write that did not reach a confirmed state.
type Error struct {
	Op     string
	Status Status
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ledger %s: %s", e.Op, e.Status)
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrReverted, ErrSubmitFailed and ErrPending by status.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrReverted:
		return e.Status == Reverted
	case ErrSubmitFailed:
		return e.Status == SubmitFailed
	case ErrPending:
		return e.Status == Pending
	}
	return false
}

// StatusOf classifies err: nil is Confirmed, a *Error keeps its status and
// anything else counts as a failed submission.
func StatusOf(err error) Status {
	if err == nil {
		return Confirmed
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Status
	}
	return SubmitFailed
}
