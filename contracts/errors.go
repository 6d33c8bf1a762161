package contracts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// Send outcomes
	ErrMessageFormat         = errors.New("oms: invalid message format")
	ErrTimeout               = errors.New("oms: operation timed out")
	ErrTransactionRolledBack = errors.New("oms: transaction rolled back")
	ErrTransactionInDoubt    = errors.New("oms: transaction outcome unknown")
	ErrRuntime               = errors.New("oms: runtime failure")

	// Protocol misuse
	ErrIllegalState    = errors.New("oms: illegal state")
	ErrUnknownToken    = errors.New("oms: unknown correlation token")
	ErrDuplicateToken  = errors.New("oms: duplicate correlation token")
	ErrIndexOutOfRange = errors.New("oms: index out of range")
	ErrUnsupported     = errors.New("oms: operation not supported by transport")
)

// OperationError describes a failed producer operation. Kind is one of the
// package sentinels; Err is the underlying cause, if any.
type OperationError struct {
	Op        string
	MessageID string
	Kind      error
	Err       error
	Timestamp time.Time
}

// NewOperationError creates an OperationError of the given kind
func NewOperationError(op, messageID string, kind, err error) *OperationError {
	return &OperationError{
		Op:        op,
		MessageID: messageID,
		Kind:      kind,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *OperationError) Error() string {
	kind := "oms: error"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	switch {
	case e.MessageID != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s message %s: %v", kind, e.Op, e.MessageID, e.Err)
	case e.MessageID != "":
		return fmt.Sprintf("%s: %s message %s", kind, e.Op, e.MessageID)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", kind, e.Op)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *OperationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsRetryable reports whether a caller policy may retry the operation.
// Only timeouts and runtime failures qualify.
func (e *OperationError) IsRetryable() bool {
	return e.Kind == ErrTimeout || e.Kind == ErrRuntime
}

// KindOf returns the taxonomy sentinel matched by err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrMessageFormat,
		ErrTimeout,
		ErrTransactionRolledBack,
		ErrTransactionInDoubt,
		ErrIllegalState,
		ErrUnknownToken,
		ErrDuplicateToken,
		ErrIndexOutOfRange,
		ErrUnsupported,
		ErrRuntime,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Classify maps an arbitrary error onto the send taxonomy. Errors that
// already carry a kind are returned as is; deadline errors become ErrTimeout
// and everything else becomes ErrRuntime.
func Classify(op, messageID string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewOperationError(op, messageID, ErrTimeout, err)
	}
	return NewOperationError(op, messageID, ErrRuntime, err)
}

// IsRetryable reports whether err is a timeout or runtime failure
func IsRetryable(err error) bool {
	kind := KindOf(err)
	return kind == ErrTimeout || kind == ErrRuntime
}
