package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-oms/contracts"
)

// TransactionStatus is the local transaction outcome reported by a branch executor
type TransactionStatus int

const (
	CommitTransaction TransactionStatus = iota
	RollbackTransaction
	Unknown
)

func (s TransactionStatus) String() string {
	switch s {
	case CommitTransaction:
		return "commit"
	case RollbackTransaction:
		return "rollback"
	default:
		return "unknown"
	}
}

// LocalTransactionBranchExecutor runs the local transaction tied to a
// provisionally sent message
type LocalTransactionBranchExecutor interface {
	Execute(ctx context.Context, msg *contracts.Message, arg interface{}) TransactionStatus
}

// BranchExecutorFunc adapts a function to LocalTransactionBranchExecutor
type BranchExecutorFunc func(ctx context.Context, msg *contracts.Message, arg interface{}) TransactionStatus

// Execute implements LocalTransactionBranchExecutor
func (f BranchExecutorFunc) Execute(ctx context.Context, msg *contracts.Message, arg interface{}) TransactionStatus {
	return f(ctx, msg, arg)
}

// TransactionStep names a point in the life of a transactional send
type TransactionStep string

const (
	StepPrepared   TransactionStep = "prepared"
	StepCommitted  TransactionStep = "committed"
	StepRolledBack TransactionStep = "rolled_back"
	StepAbandoned  TransactionStep = "abandoned"
	StepFailed     TransactionStep = "failed"
)

// TransactionEvent describes one step of a transactional send. Status is
// only meaningful once the executor has run; Err is set for StepFailed.
type TransactionEvent struct {
	TransactionID string
	MessageID     string
	Destination   string
	Step          TransactionStep
	Status        TransactionStatus
	Err           error
	Duration      time.Duration
	Timestamp     time.Time
}

// TransactionObserver is notified of every step of every transactional
// send, in order, on the sending goroutine
type TransactionObserver interface {
	ObserveTransaction(ctx context.Context, event TransactionEvent)
}

// TransactionCoordinator ties a message send to a local transaction: the
// message is stored provisionally, the executor runs, and its status
// decides whether the message becomes visible.
type TransactionCoordinator struct {
	transport TransactionalTransport
	observer  TransactionObserver
	logger    *slog.Logger
}

// NewTransactionCoordinator creates a coordinator over transport
func NewTransactionCoordinator(transport TransactionalTransport, logger *slog.Logger) *TransactionCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionCoordinator{transport: transport, logger: logger}
}

// ExecuteBranch runs one transactional send.
//
// A failed prepare is returned classified and the executor is not called.
// Commit returns the send result; Rollback returns ErrTransactionRolledBack;
// Unknown, or a panicking executor, abandons the handle and returns
// ErrTransactionInDoubt.
func (c *TransactionCoordinator) ExecuteBranch(ctx context.Context, msg *contracts.Message,
	executor LocalTransactionBranchExecutor, arg interface{}, props contracts.Properties) (contracts.SendResult, error) {

	if executor == nil {
		return contracts.SendResult{}, contracts.NewOperationError("send transactional", msg.ID(), contracts.ErrIllegalState,
			fmt.Errorf("branch executor is nil"))
	}

	start := time.Now()
	event := TransactionEvent{MessageID: msg.ID(), Destination: msg.Destination(), Status: Unknown}
	emit := func(step TransactionStep, err error) {
		if c.observer == nil {
			return
		}
		e := event
		e.Step, e.Err, e.Duration, e.Timestamp = step, err, time.Since(start), time.Now()
		c.observer.ObserveTransaction(ctx, e)
	}

	handle, err := c.transport.Prepare(ctx, msg, props)
	if err != nil {
		emit(StepFailed, err)
		return contracts.SendResult{}, contracts.Classify("prepare", msg.ID(), err)
	}
	event.TransactionID = handle.ID()
	emit(StepPrepared, nil)

	logger := c.logger.With("messageId", msg.ID(), "transactionId", handle.ID())
	status := c.execute(ctx, executor, msg, arg, logger)
	event.Status = status
	logger.Debug("local transaction finished", "status", status.String())

	switch status {
	case CommitTransaction:
		result, err := handle.Commit(ctx)
		if err != nil {
			logger.Error("failed to commit transactional message", "error", err)
			emit(StepFailed, err)
			return contracts.SendResult{}, contracts.Classify("commit", msg.ID(), err)
		}
		emit(StepCommitted, nil)
		return result, nil

	case RollbackTransaction:
		if err := handle.Rollback(ctx); err != nil {
			logger.Warn("failed to roll back transactional message", "error", err)
			emit(StepFailed, err)
			return contracts.SendResult{}, contracts.NewOperationError("rollback", msg.ID(), contracts.ErrTransactionInDoubt, err)
		}
		emit(StepRolledBack, nil)
		return contracts.SendResult{}, contracts.NewOperationError("send transactional", msg.ID(), contracts.ErrTransactionRolledBack, nil)

	default:
		if err := handle.Abandon(ctx); err != nil {
			logger.Warn("failed to abandon transactional message", "error", err)
		}
		emit(StepAbandoned, nil)
		return contracts.SendResult{}, contracts.NewOperationError("send transactional", msg.ID(), contracts.ErrTransactionInDoubt,
			fmt.Errorf("transaction %s left for check-back", handle.ID()))
	}
}

func (c *TransactionCoordinator) execute(ctx context.Context, executor LocalTransactionBranchExecutor,
	msg *contracts.Message, arg interface{}, logger *slog.Logger) (status TransactionStatus) {

	defer func() {
		if r := recover(); r != nil {
			logger.Error("branch executor panicked", "panic", r)
			status = Unknown
		}
	}()
	return executor.Execute(ctx, msg, arg)
}
