package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/future"
	"github.com/glimte/mmate-oms/interceptors"
	"github.com/glimte/mmate-oms/messaging"
)

// AsyncSender is the producer surface the adaptor forwards to.
// *messaging.Producer implements it.
type AsyncSender interface {
	Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error)
	SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties) (*future.Future[contracts.SendResult], error)
	SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error
	SendTransactional(ctx context.Context, msg *contracts.Message, executor messaging.LocalTransactionBranchExecutor,
		arg interface{}, props contracts.Properties) (contracts.SendResult, error)
	Batch() *messaging.BatchSender
	AddInterceptor(h interceptors.Handler) error
	RemoveInterceptor(name string) error
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Attributes() contracts.Properties
}

var _ AsyncSender = (*messaging.Producer)(nil)

// CompletionCallback receives the completed future of an asynchronous send
// together with the opaque value the foreign caller passed in
type CompletionCallback func(opaque int64, f *future.Future[contracts.SendResult])

// ProducerAdaptor is the receiving side of the bridge: it runs sends
// requested by another runtime and reports each completion back through a
// callback keyed by the caller's opaque value.
type ProducerAdaptor struct {
	sender   AsyncSender
	callback CompletionCallback
	logger   *slog.Logger
}

// AdaptorOption configures the ProducerAdaptor
type AdaptorOption func(*ProducerAdaptor)

// WithAdaptorLogger sets the logger
func WithAdaptorLogger(logger *slog.Logger) AdaptorOption {
	return func(a *ProducerAdaptor) {
		a.logger = logger
	}
}

// NewProducerAdaptor creates an adaptor forwarding to sender
func NewProducerAdaptor(sender AsyncSender, callback CompletionCallback, opts ...AdaptorOption) (*ProducerAdaptor, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if callback == nil {
		return nil, fmt.Errorf("completion callback cannot be nil")
	}
	a := &ProducerAdaptor{
		sender:   sender,
		callback: callback,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SendAsync issues an asynchronous send. The callback is invoked exactly
// once with opaque when the send completes, unless an error is returned.
func (a *ProducerAdaptor) SendAsync(ctx context.Context, opaque int64, msg *contracts.Message, props contracts.Properties) error {
	f, err := a.sender.SendAsync(ctx, msg, props)
	if err != nil {
		return err
	}
	f.AddListener(func(f *future.Future[contracts.SendResult]) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("completion callback panicked", "opaque", opaque, "panic", r)
			}
		}()
		a.callback(opaque, f)
	})
	return nil
}

// Send forwards a synchronous send
func (a *ProducerAdaptor) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	return a.sender.Send(ctx, msg, props)
}

// SendOneway forwards a oneway send
func (a *ProducerAdaptor) SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error {
	return a.sender.SendOneway(ctx, msg, props)
}

// SendTransactional forwards a transactional send. The executor runs in
// this process; a foreign caller supplies it through its own adaptor.
func (a *ProducerAdaptor) SendTransactional(ctx context.Context, msg *contracts.Message,
	executor messaging.LocalTransactionBranchExecutor, arg interface{}, props contracts.Properties) (contracts.SendResult, error) {
	return a.sender.SendTransactional(ctx, msg, executor, arg, props)
}

// Batch returns a new batch sender on the wrapped producer
func (a *ProducerAdaptor) Batch() *messaging.BatchSender {
	return a.sender.Batch()
}

// AddInterceptor registers h on the wrapped producer
func (a *ProducerAdaptor) AddInterceptor(h interceptors.Handler) error {
	return a.sender.AddInterceptor(h)
}

// RemoveInterceptor removes the named handler from the wrapped producer
func (a *ProducerAdaptor) RemoveInterceptor(name string) error {
	return a.sender.RemoveInterceptor(name)
}

// Startup starts the wrapped producer
func (a *ProducerAdaptor) Startup(ctx context.Context) error {
	return a.sender.Startup(ctx)
}

// Shutdown stops the wrapped producer. Pending asynchronous sends still
// reach the callback, failed if the producer could not finish them.
func (a *ProducerAdaptor) Shutdown(ctx context.Context) error {
	return a.sender.Shutdown(ctx)
}

// CreateTopicBytesMessage creates a message addressed to topic
func (a *ProducerAdaptor) CreateTopicBytesMessage(topic string, body []byte) *contracts.Message {
	return contracts.NewTopicBytesMessage(topic, body)
}

// CreateQueueBytesMessage creates a message addressed to queue
func (a *ProducerAdaptor) CreateQueueBytesMessage(queue string, body []byte) *contracts.Message {
	return contracts.NewQueueBytesMessage(queue, body)
}

// Attributes returns the wrapped producer's attributes
func (a *ProducerAdaptor) Attributes() contracts.Properties {
	return a.sender.Attributes()
}
