package messaging

import (
	"context"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
)

// Transport is the capability every backend provides: a synchronous send
// that returns once the broker has accepted the message.
type Transport interface {
	// Send delivers msg and returns the broker's receipt
	Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error)

	// Close releases the transport's resources
	Close() error
}

// Starter is implemented by transports that connect lazily
type Starter interface {
	Start(ctx context.Context) error
}

// Completer receives the outcome of an asynchronous send
type Completer interface {
	Complete(token correlation.Token, result contracts.SendResult, err error) error
}

// CompleterFunc adapts a function to Completer
type CompleterFunc func(token correlation.Token, result contracts.SendResult, err error) error

// Complete implements Completer
func (f CompleterFunc) Complete(token correlation.Token, result contracts.SendResult, err error) error {
	return f(token, result, err)
}

// AsyncTransport hands a message to the broker without waiting for the
// receipt. When SendAsync returns nil the transport must call
// completer.Complete exactly once for token, from any goroutine. When it
// returns an error it must not call Complete.
type AsyncTransport interface {
	SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties,
		token correlation.Token, completer Completer) error
}

// OnewayTransport sends without requesting any receipt
type OnewayTransport interface {
	SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error
}

// TransactionHandle is a provisionally stored message awaiting a decision
type TransactionHandle interface {
	// ID returns the transport-assigned transaction id
	ID() string

	// Commit makes the message visible to consumers
	Commit(ctx context.Context) (contracts.SendResult, error)

	// Rollback discards the message
	Rollback(ctx context.Context) error

	// Abandon releases the handle without a decision. The transport keeps
	// the provisional message, or lets it expire, for a later check-back.
	Abandon(ctx context.Context) error
}

// TransactionalTransport stores messages provisionally
type TransactionalTransport interface {
	Prepare(ctx context.Context, msg *contracts.Message, props contracts.Properties) (TransactionHandle, error)
}

// BatchTransport sends several messages in one call. Every message is
// attempted; the returned slices have one entry per message, in order.
type BatchTransport interface {
	SendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, []error)
}

// AtomicBatchTransport sends several messages all-or-nothing
type AtomicBatchTransport interface {
	SendBatchAtomic(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, error)
}
