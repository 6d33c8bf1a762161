// Package rabbitmq is the RabbitMQ backend. Topics map to exchanges and
// queues are addressed through the default exchange. Sends wait for
// publisher confirms; transactional sends and atomic batches use AMQP
// channel transactions.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
	"github.com/glimte/mmate-oms/internal/rabbitmq"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports"
)

const defaultContentType = "application/octet-stream"

func init() {
	transports.Register("rabbitmq", func(cfg transports.Config) (messaging.Transport, error) {
		maxChannels, err := cfg.IntOption("maxChannels", 10)
		if err != nil {
			return nil, err
		}
		confirmTimeout, err := cfg.DurationOption("confirmTimeout", 0)
		if err != nil {
			return nil, err
		}
		opts := []TransportOption{WithMaxChannels(maxChannels)}
		if confirmTimeout > 0 {
			opts = append(opts, WithPublisherOptions(rabbitmq.WithConfirmTimeout(confirmTimeout)))
		}
		t, err := NewTransport(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

var (
	_ messaging.Transport              = (*Transport)(nil)
	_ messaging.Starter                = (*Transport)(nil)
	_ messaging.AsyncTransport         = (*Transport)(nil)
	_ messaging.OnewayTransport        = (*Transport)(nil)
	_ messaging.TransactionalTransport = (*Transport)(nil)
	_ messaging.BatchTransport         = (*Transport)(nil)
	_ messaging.AtomicBatchTransport   = (*Transport)(nil)
)

// Transport implements the messaging transport capabilities for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	confirms  *rabbitmq.ChannelPool
	txs       *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	logger    *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	MaxChannels       int
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithMaxChannels bounds each channel pool
func WithMaxChannels(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MaxChannels = n
	}
}

// WithLogger sets the logger used by the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport. The connection is opened by
// Start.
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		MaxChannels: 10,
		Logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	confirms, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.MaxChannels),
		rabbitmq.WithChannelMode(rabbitmq.ModeConfirm),
		rabbitmq.WithChannelLogger(cfg.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	txs, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.MaxChannels),
		rabbitmq.WithChannelMode(rabbitmq.ModeTx),
		rabbitmq.WithChannelLogger(cfg.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	publisher, err := rabbitmq.NewPublisher(confirms, txs, pubOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	return &Transport{
		manager:   manager,
		confirms:  confirms,
		txs:       txs,
		publisher: publisher,
		logger:    cfg.Logger,
	}, nil
}

// Start connects to the broker
func (t *Transport) Start(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Close waits for outstanding confirms and closes the connection
func (t *Transport) Close() error {
	t.publisher.Wait()
	_ = t.confirms.Close()
	_ = t.txs.Close()
	return t.manager.Close()
}

// IsConnected returns true if the transport is connected
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// toEnvelope maps a message onto an AMQP publish. Topics are exchanges
// routed by the ROUTING_KEY property; queues go through the default
// exchange.
func toEnvelope(msg *contracts.Message, props contracts.Properties) rabbitmq.Envelope {
	settings := msg.Properties.Merge(props)

	headers := make(amqp.Table, len(msg.Headers)+len(msg.Properties))
	for k, v := range msg.Properties {
		headers[k] = v
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	env := rabbitmq.Envelope{
		Publishing: amqp.Publishing{
			Headers:      headers,
			ContentType:  settings.GetString(contracts.PropertyContentType, defaultContentType),
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID(),
			Timestamp:    msg.BornTimestamp(),
			AppId:        settings.GetString(contracts.PropertyProducerID, ""),
			Body:         msg.Body,
		},
	}
	if topic := msg.Topic(); topic != "" {
		env.Exchange = topic
		env.RoutingKey = settings.GetString(contracts.PropertyRoutingKey, "")
	} else {
		env.RoutingKey = msg.Queue()
	}
	return env
}

func toResult(msg *contracts.Message, env rabbitmq.Envelope, conf rabbitmq.Confirmation) contracts.SendResult {
	return contracts.NewSendResult(msg.ID(), msg.Destination(), map[string]string{
		"exchange":    env.Exchange,
		"routingKey":  env.RoutingKey,
		"channelId":   conf.ChannelID,
		"deliveryTag": strconv.FormatUint(conf.DeliveryTag, 10),
	})
}

// Send publishes msg and waits for the broker's confirm
func (t *Transport) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	env := toEnvelope(msg, props)
	conf, err := t.publisher.Publish(ctx, env)
	if err != nil {
		return contracts.SendResult{}, err
	}
	return toResult(msg, env, conf), nil
}

// SendAsync publishes msg and completes token when the confirm arrives
func (t *Transport) SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties,
	token correlation.Token, completer messaging.Completer) error {

	env := toEnvelope(msg, props)
	return t.publisher.PublishAsync(ctx, env, func(conf rabbitmq.Confirmation, err error) {
		var result contracts.SendResult
		if err == nil {
			result = toResult(msg, env, conf)
		}
		if cerr := completer.Complete(token, result, err); cerr != nil {
			t.logger.Warn("confirm for completed token", "token", token, "messageId", msg.ID(), "error", cerr)
		}
	})
}

// SendOneway publishes msg without waiting for its confirm
func (t *Transport) SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error {
	return t.publisher.PublishFireAndForget(ctx, toEnvelope(msg, props))
}

// SendBatch publishes every message and collects each confirm
func (t *Transport) SendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, []error) {
	envs := make([]rabbitmq.Envelope, len(msgs))
	for i, msg := range msgs {
		envs[i] = toEnvelope(msg, props[i])
	}
	confs, errs := t.publisher.PublishBatch(ctx, envs)

	results := make([]contracts.SendResult, len(msgs))
	for i := range msgs {
		if errs[i] == nil {
			results[i] = toResult(msgs[i], envs[i], confs[i])
		}
	}
	return results, errs
}

// SendBatchAtomic publishes every message inside one AMQP transaction
func (t *Transport) SendBatchAtomic(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, error) {
	envs := make([]rabbitmq.Envelope, len(msgs))
	for i, msg := range msgs {
		envs[i] = toEnvelope(msg, props[i])
	}
	tx, err := t.publisher.Begin(ctx, envs...)
	if err != nil {
		return nil, err
	}
	channelID := tx.ChannelID()
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	results := make([]contracts.SendResult, len(msgs))
	for i := range msgs {
		results[i] = toResult(msgs[i], envs[i], rabbitmq.Confirmation{ChannelID: channelID})
	}
	return results, nil
}

// Prepare publishes msg inside an open AMQP transaction. The broker routes
// it only on Commit.
func (t *Transport) Prepare(ctx context.Context, msg *contracts.Message, props contracts.Properties) (messaging.TransactionHandle, error) {
	id := uuid.New().String()
	m := msg.Clone()
	m.Headers[contracts.HeaderTransactionID] = id

	env := toEnvelope(m, props)
	tx, err := t.publisher.Begin(ctx, env)
	if err != nil {
		return nil, err
	}
	return &txHandle{id: id, msg: m, env: env, tx: tx, logger: t.logger}, nil
}

type txHandle struct {
	id     string
	msg    *contracts.Message
	env    rabbitmq.Envelope
	tx     *rabbitmq.Tx
	logger *slog.Logger
	once   sync.Once
}

func (h *txHandle) ID() string {
	return h.id
}

func (h *txHandle) Commit(ctx context.Context) (contracts.SendResult, error) {
	if err := h.tx.Commit(); err != nil {
		return contracts.SendResult{}, err
	}
	result := toResult(h.msg, h.env, rabbitmq.Confirmation{ChannelID: h.tx.ChannelID()})
	md := map[string]string{"transactionId": h.id}
	for _, k := range result.MetadataKeys() {
		md[k], _ = result.Metadata(k)
	}
	return contracts.NewSendResult(result.MessageID(), result.Destination(), md), nil
}

func (h *txHandle) Rollback(ctx context.Context) error {
	return h.tx.Rollback()
}

// Abandon rolls the transaction back: an AMQP broker cannot hold an
// undecided message for a later check-back
func (h *txHandle) Abandon(ctx context.Context) error {
	h.once.Do(func() {
		h.logger.Warn("rabbitmq cannot keep undecided messages, rolling back",
			"transactionId", h.id, "messageId", h.msg.ID())
	})
	return h.tx.Rollback()
}
