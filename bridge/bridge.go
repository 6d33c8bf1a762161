package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
	"github.com/glimte/mmate-oms/future"
)

// ErrTooManyPending is returned when the pending token limit is reached
var ErrTooManyPending = errors.New("bridge: too many pending operations")

// Dispatcher is the foreign entry point that starts an operation. It must
// eventually call Bridge.OnComplete with the same token, from any goroutine,
// unless it returns an error.
type Dispatcher interface {
	Dispatch(token correlation.Token, msg *contracts.Message, props contracts.Properties) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(token correlation.Token, msg *contracts.Message, props contracts.Properties) error

// Dispatch implements Dispatcher
func (f DispatcherFunc) Dispatch(token correlation.Token, msg *contracts.Message, props contracts.Properties) error {
	return f(token, msg, props)
}

// Bridge is the initiating side of an opaque-token channel to another
// runtime. Each Initiate allocates a fresh token, registers it, and hands it
// to the dispatcher; the matching OnComplete resolves the returned future.
type Bridge struct {
	dispatcher Dispatcher
	table      *correlation.Table[contracts.SendResult]
	maxPending int
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// BridgeOption configures the bridge
type BridgeOption func(*bridgeConfig)

type bridgeConfig struct {
	maxPending int
	recentSize int
	logger     *slog.Logger
}

// WithMaxPending bounds the number of live tokens. Zero means unbounded.
func WithMaxPending(max int) BridgeOption {
	return func(c *bridgeConfig) {
		c.maxPending = max
	}
}

// WithRecentTokens sets how many completed tokens are remembered for
// diagnosing duplicate callbacks
func WithRecentTokens(size int) BridgeOption {
	return func(c *bridgeConfig) {
		c.recentSize = size
	}
}

// WithBridgeLogger sets the logger
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(c *bridgeConfig) {
		c.logger = logger
	}
}

// New creates a bridge over dispatcher
func New(dispatcher Dispatcher, opts ...BridgeOption) (*Bridge, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}

	config := &bridgeConfig{
		maxPending: 1000,
		recentSize: 1024,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(config)
	}

	return &Bridge{
		dispatcher: dispatcher,
		table: correlation.NewTable[contracts.SendResult](
			correlation.WithRecentSize(config.recentSize),
			correlation.WithTableLogger(config.logger),
		),
		maxPending: config.maxPending,
		logger:     config.logger,
	}, nil
}

// Initiate starts an operation on the foreign side. Local validation, a
// closed bridge and the pending limit are reported directly; everything
// else, including a failed dispatch, arrives through the future.
func (b *Bridge) Initiate(ctx context.Context, msg *contracts.Message, props contracts.Properties) (*future.Future[contracts.SendResult], error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Classify("initiate", "", err)
	}
	if msg == nil {
		return nil, contracts.NewOperationError("initiate", "", contracts.ErrMessageFormat, fmt.Errorf("message cannot be nil"))
	}
	m := msg.Clone()
	m.Stamp(time.Now())
	if err := m.Validate(); err != nil {
		return nil, contracts.Classify("initiate", m.ID(), err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, contracts.NewOperationError("initiate", m.ID(), contracts.ErrIllegalState, fmt.Errorf("bridge is closed"))
	}
	if b.maxPending > 0 && b.table.Len() >= b.maxPending {
		b.mu.Unlock()
		return nil, contracts.NewOperationError("initiate", m.ID(), contracts.ErrRuntime, ErrTooManyPending)
	}
	token, f := b.table.RegisterNext()
	b.mu.Unlock()

	if err := b.dispatcher.Dispatch(token, m, props.Clone()); err != nil {
		b.logger.Warn("dispatch failed", "token", token, "messageId", m.ID(), "error", err)
		if cerr := b.table.Complete(token, contracts.SendResult{}, contracts.Classify("dispatch", m.ID(), err)); cerr != nil {
			// the foreign side completed the token before reporting the error
			b.logger.Error("dispatch error after completion", "token", token, "error", cerr)
		}
	}
	return f, nil
}

// OnComplete is the callback entry from the foreign side. A token that is
// not pending is a protocol violation and yields ErrUnknownToken.
func (b *Bridge) OnComplete(token correlation.Token, result contracts.SendResult, err error) error {
	if err != nil {
		err = contracts.Classify("complete", result.MessageID(), err)
	}
	if cerr := b.table.Complete(token, result, err); cerr != nil {
		b.logger.Error("completion for unknown token", "token", token, "error", cerr)
		return cerr
	}
	return nil
}

// Pending returns the number of live tokens
func (b *Bridge) Pending() int {
	return b.table.Len()
}

// Close refuses new operations and fails every pending one
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if n := b.table.FailAll(contracts.NewOperationError("close", "", contracts.ErrRuntime, fmt.Errorf("bridge closed"))); n > 0 {
		b.logger.Warn("failed pending operations on close", "count", n)
	}
	return nil
}
