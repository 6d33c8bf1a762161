package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope is a single AMQP publish
type Envelope struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// Confirmation identifies a publish the broker acknowledged
type Confirmation struct {
	ChannelID   string
	DeliveryTag uint64
}

// Publisher publishes on pooled channels: confirm-mode channels for
// acknowledged publishes and tx-mode channels for transactions
type Publisher struct {
	confirms       *ChannelPool
	txs            *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
	wg             sync.WaitGroup
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm when the context
// carries no deadline
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher. txs may be nil when transactions are
// not used.
func NewPublisher(confirms, txs *ChannelPool, options ...PublisherOption) (*Publisher, error) {
	if confirms == nil || confirms.Mode() != ModeConfirm {
		return nil, fmt.Errorf("%w: publisher needs a confirm-mode channel pool", ErrInvalidConfiguration)
	}
	if txs != nil && txs.Mode() != ModeTx {
		return nil, fmt.Errorf("%w: transaction pool must be in tx mode", ErrInvalidConfiguration)
	}
	p := &Publisher{
		confirms:       confirms,
		txs:            txs,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

func publishError(env Envelope, err error) *PublishError {
	return &PublishError{
		Exchange:   env.Exchange,
		RoutingKey: env.RoutingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// publish hands env to a confirm channel and returns the pending confirm
func (p *Publisher) publish(ctx context.Context, env Envelope) (*amqp.DeferredConfirmation, string, error) {
	var dc *amqp.DeferredConfirmation
	var channelID string
	err := p.confirms.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		dc, err = ch.PublishWithDeferredConfirmWithContext(ctx, env.Exchange, env.RoutingKey, false, false, env.Publishing)
		channelID = ch.ID()
		return err
	})
	if err != nil {
		return nil, "", publishError(env, err)
	}
	if dc == nil {
		return nil, "", publishError(env, ErrPublishNotConfirmed)
	}
	return dc, channelID, nil
}

func (p *Publisher) await(ctx context.Context, env Envelope, dc *amqp.DeferredConfirmation, channelID string) (Confirmation, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return Confirmation{}, publishError(env, err)
	}
	if !acked {
		return Confirmation{}, publishError(env, ErrPublishNotConfirmed)
	}
	return Confirmation{ChannelID: channelID, DeliveryTag: dc.DeliveryTag}, nil
}

// Publish publishes env and waits for the broker's confirm
func (p *Publisher) Publish(ctx context.Context, env Envelope) (Confirmation, error) {
	dc, channelID, err := p.publish(ctx, env)
	if err != nil {
		return Confirmation{}, err
	}
	return p.await(ctx, env, dc, channelID)
}

// PublishAsync publishes env and returns without waiting. When it returns
// nil, done is called exactly once from another goroutine with the outcome.
func (p *Publisher) PublishAsync(ctx context.Context, env Envelope, done func(Confirmation, error)) error {
	dc, channelID, err := p.publish(ctx, env)
	if err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		done(p.await(ctx, env, dc, channelID))
	}()
	return nil
}

// PublishFireAndForget publishes env without waiting for its confirm
func (p *Publisher) PublishFireAndForget(ctx context.Context, env Envelope) error {
	_, _, err := p.publish(ctx, env)
	return err
}

// PublishBatch publishes every envelope, then waits for every confirm. The
// returned slices have one entry per envelope.
func (p *Publisher) PublishBatch(ctx context.Context, envs []Envelope) ([]Confirmation, []error) {
	confs := make([]Confirmation, len(envs))
	errs := make([]error, len(envs))
	pending := make([]*amqp.DeferredConfirmation, len(envs))
	channelIDs := make([]string, len(envs))

	for i, env := range envs {
		pending[i], channelIDs[i], errs[i] = p.publish(ctx, env)
	}
	for i, dc := range pending {
		if errs[i] != nil {
			continue
		}
		confs[i], errs[i] = p.await(ctx, envs[i], dc, channelIDs[i])
	}
	return confs, errs
}

// Tx is an open AMQP transaction holding published but uncommitted messages
type Tx struct {
	pool *ChannelPool
	ch   *PooledChannel

	mu   sync.Mutex
	done bool
}

// Begin opens a transaction and publishes envs inside it. Nothing is
// routed until Commit.
func (p *Publisher) Begin(ctx context.Context, envs ...Envelope) (*Tx, error) {
	if p.txs == nil {
		return nil, fmt.Errorf("%w: transactions are not enabled", ErrInvalidConfiguration)
	}
	ch, err := p.txs.Get(ctx)
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		if err := ch.PublishWithContext(ctx, env.Exchange, env.RoutingKey, false, false, env.Publishing); err != nil {
			if rerr := ch.TxRollback(); rerr != nil {
				p.txs.Discard(ch)
			} else {
				p.txs.Put(ch)
			}
			return nil, publishError(env, err)
		}
	}
	return &Tx{pool: p.txs, ch: ch}, nil
}

// PublishTx publishes envs all-or-nothing
func (p *Publisher) PublishTx(ctx context.Context, envs []Envelope) error {
	tx, err := p.Begin(ctx, envs...)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (tx *Tx) finish() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTransactionFinished
	}
	tx.done = true
	return nil
}

// ChannelID returns the id of the channel holding the transaction
func (tx *Tx) ChannelID() string {
	return tx.ch.ID()
}

// Commit routes the transaction's messages
func (tx *Tx) Commit() error {
	if err := tx.finish(); err != nil {
		return err
	}
	if err := tx.ch.TxCommit(); err != nil {
		tx.pool.Discard(tx.ch)
		return &ChannelError{Op: "commit", ChannelID: tx.ch.ID(), Err: err, Timestamp: time.Now()}
	}
	tx.pool.Put(tx.ch)
	return nil
}

// Rollback discards the transaction's messages
func (tx *Tx) Rollback() error {
	if err := tx.finish(); err != nil {
		return err
	}
	if err := tx.ch.TxRollback(); err != nil {
		tx.pool.Discard(tx.ch)
		return &ChannelError{Op: "rollback", ChannelID: tx.ch.ID(), Err: err, Timestamp: time.Now()}
	}
	tx.pool.Put(tx.ch)
	return nil
}

// Wait blocks until every asynchronous publish has reported its outcome
func (p *Publisher) Wait() {
	p.wg.Wait()
}
