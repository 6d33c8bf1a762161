// Package kafka is the Kafka backend built on confluent-kafka-go. Queue
// destinations are written to the topic of the same name and the
// PARTITION_KEY property becomes the record key.
//
// Delivery reports are correlated with asynchronous sends through the
// record's Opaque field. A transport created with a transactional id also
// offers transactional sends and atomic batches on top of Kafka producer
// transactions.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports"
)

func init() {
	transports.Register("kafka", func(cfg transports.Config) (messaging.Transport, error) {
		idempotence, err := cfg.BoolOption("idempotence", true)
		if err != nil {
			return nil, err
		}
		flushTimeout, err := cfg.DurationOption("flushTimeout", 15*time.Second)
		if err != nil {
			return nil, err
		}
		conf := &kafka.ConfigMap{
			"bootstrap.servers":  cfg.URL,
			"acks":               cfg.Option("acks", "all"),
			"enable.idempotence": idempotence,
		}
		if clientID := cfg.Option("clientId", ""); clientID != "" {
			_ = conf.SetKey("client.id", clientID)
		}
		log := zap.L().Sugar()

		if txID := cfg.Option("transactionalId", ""); txID != "" {
			t, err := NewTransactional(conf, txID, log, WithFlushTimeout(flushTimeout))
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		t, err := New(conf, log, WithFlushTimeout(flushTimeout))
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

const queueFullRetryDelay = 100 * time.Millisecond

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("kafka: transport closed")

var (
	_ messaging.Transport              = (*Transport)(nil)
	_ messaging.AsyncTransport         = (*Transport)(nil)
	_ messaging.OnewayTransport        = (*Transport)(nil)
	_ messaging.BatchTransport         = (*Transport)(nil)
	_ messaging.TransactionalTransport = (*TxTransport)(nil)
	_ messaging.AtomicBatchTransport   = (*TxTransport)(nil)
	_ messaging.Starter                = (*TxTransport)(nil)
)

// producerAPI is the part of *kafka.Producer the transport uses
type producerAPI interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
	InitTransactions(ctx context.Context) error
	BeginTransaction() error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
}

// asyncDelivery rides on kafka.Message.Opaque until its delivery report
type asyncDelivery struct {
	token     correlation.Token
	completer messaging.Completer
	msg       *contracts.Message
}

// Transport produces through a confluent producer. Delivery reports of
// asynchronous and oneway sends arrive on the producer's event channel and
// are handled by a background goroutine.
type Transport struct {
	producer     producerAPI
	log          *zap.SugaredLogger
	flushTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	wg         sync.WaitGroup
	closedCh   chan struct{}
	eventsDone chan struct{}
	closeOnce  sync.Once
}

// Option configures the transport
type Option func(*Transport)

// WithFlushTimeout bounds how long Close waits for outstanding deliveries
func WithFlushTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.flushTimeout = d
	}
}

// New creates a transport from a librdkafka configuration
func New(conf *kafka.ConfigMap, log *zap.SugaredLogger, opts ...Option) (*Transport, error) {
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newTransport(p, log, opts...), nil
}

func newTransport(p producerAPI, log *zap.SugaredLogger, opts ...Option) *Transport {
	t := &Transport{
		producer:     p,
		log:          log,
		flushTimeout: 15 * time.Second,
		closedCh:     make(chan struct{}),
		eventsDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.monitorEvents()
	return t
}

// toKafkaMessage maps a message onto a kafka record
func toKafkaMessage(msg *contracts.Message, props contracts.Properties) *kafka.Message {
	topic := msg.Destination()
	settings := msg.Properties.Merge(props)

	headers := make([]kafka.Header, 0, len(msg.Headers)+len(msg.Properties))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	for k, v := range msg.Properties {
		if _, system := msg.Headers[k]; system {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Value:     msg.Body,
		Headers:   headers,
		Timestamp: msg.BornTimestamp(),
	}
	if key, ok := settings.Get(contracts.PropertyPartitionKey); ok {
		km.Key = []byte(key)
	}
	return km
}

func toResult(msg *contracts.Message, delivered *kafka.Message) contracts.SendResult {
	md := map[string]string{
		"partition": strconv.FormatInt(int64(delivered.TopicPartition.Partition), 10),
		"offset":    strconv.FormatInt(int64(delivered.TopicPartition.Offset), 10),
	}
	if delivered.TopicPartition.Topic != nil {
		md["topic"] = *delivered.TopicPartition.Topic
	}
	return contracts.NewSendResult(msg.ID(), msg.Destination(), md)
}

// handleDeliveryEvent turns a delivery report into a send result
func handleDeliveryEvent(msg *contracts.Message, ev kafka.Event) (contracts.SendResult, error) {
	e, ok := ev.(*kafka.Message)
	if !ok {
		return contracts.SendResult{}, fmt.Errorf("unexpected delivery event: %T", ev)
	}
	if err := e.TopicPartition.Error; err != nil {
		return contracts.SendResult{}, fmt.Errorf("delivery failed: %w", err)
	}
	return toResult(msg, e), nil
}

func (t *Transport) enter() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// produceWithRetry produces km, waiting out a full local queue
func (t *Transport) produceWithRetry(ctx context.Context, km *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := t.producer.Produce(km, deliveryCh)
		if err == nil {
			return nil
		}

		var kafkaErr kafka.Error
		if !errors.As(err, &kafkaErr) {
			return fmt.Errorf("failed to produce: %w", err)
		}
		switch kafkaErr.Code() {
		case kafka.ErrQueueFull:
			t.log.Warnf("producer queue full, retrying in %s", queueFullRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullRetryDelay):
			}
		case kafka.ErrInvalidMsgSize:
			return fmt.Errorf("%w: invalid message size: %v", contracts.ErrMessageFormat, err)
		case kafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

// produceAndWait produces km and waits for its delivery report
func (t *Transport) produceAndWait(ctx context.Context, msg *contracts.Message, km *kafka.Message) (contracts.SendResult, error) {
	// buffered so a late report never blocks librdkafka
	deliveryCh := make(chan kafka.Event, 1)
	if err := t.produceWithRetry(ctx, km, deliveryCh); err != nil {
		return contracts.SendResult{}, err
	}
	select {
	case <-ctx.Done():
		return contracts.SendResult{}, ctx.Err()
	case ev := <-deliveryCh:
		return handleDeliveryEvent(msg, ev)
	}
}

// Send produces msg and waits for its delivery report
func (t *Transport) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	if err := t.enter(); err != nil {
		return contracts.SendResult{}, err
	}
	return t.produceAndWait(ctx, msg, toKafkaMessage(msg, props))
}

// SendAsync produces msg; its delivery report completes token
func (t *Transport) SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties,
	token correlation.Token, completer messaging.Completer) error {

	if err := t.enter(); err != nil {
		return err
	}
	km := toKafkaMessage(msg, props)
	km.Opaque = &asyncDelivery{token: token, completer: completer, msg: msg}

	t.wg.Add(1)
	if err := t.produceWithRetry(ctx, km, nil); err != nil {
		t.wg.Done()
		return err
	}
	return nil
}

// SendOneway produces msg without tracking its delivery
func (t *Transport) SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error {
	if err := t.enter(); err != nil {
		return err
	}
	return t.produceWithRetry(ctx, toKafkaMessage(msg, props), nil)
}

// SendBatch produces every message, then waits for every delivery report
func (t *Transport) SendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, []error) {
	results := make([]contracts.SendResult, len(msgs))
	errs := make([]error, len(msgs))
	if err := t.enter(); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return results, errs
	}

	channels := make([]chan kafka.Event, len(msgs))
	for i, msg := range msgs {
		channels[i] = make(chan kafka.Event, 1)
		errs[i] = t.produceWithRetry(ctx, toKafkaMessage(msg, props[i]), channels[i])
	}
	for i, msg := range msgs {
		if errs[i] != nil {
			continue
		}
		select {
		case <-ctx.Done():
			errs[i] = ctx.Err()
		case ev := <-channels[i]:
			results[i], errs[i] = handleDeliveryEvent(msg, ev)
		}
	}
	return results, errs
}

// monitorEvents handles delivery reports of async and oneway sends and
// client-level errors
func (t *Transport) monitorEvents() {
	defer close(t.eventsDone)
	for {
		select {
		case <-t.closedCh:
			return
		case ev, ok := <-t.producer.Events():
			if !ok {
				t.log.Info("kafka producer event channel closed")
				return
			}
			t.handleEvent(ev)
		}
	}
}

func (t *Transport) handleEvent(ev kafka.Event) {
	switch e := ev.(type) {
	case *kafka.Message:
		d, ok := e.Opaque.(*asyncDelivery)
		if !ok {
			if e.TopicPartition.Error != nil {
				t.log.Warnf("oneway delivery failed: %v", e.TopicPartition)
			}
			return
		}
		result, err := handleDeliveryEvent(d.msg, e)
		if cerr := d.completer.Complete(d.token, result, err); cerr != nil {
			t.log.Warnw("delivery report for settled token", "token", d.token, "error", cerr)
		}
		t.wg.Done()
	case kafka.Error:
		if e.IsFatal() {
			t.log.Errorf("fatal kafka error: %#x, %v", e.Code(), e)
		} else {
			t.log.Warnf("kafka error: %#x, %v", e.Code(), e)
		}
	default:
		t.log.Debugf("ignored kafka event: %v", e)
	}
}

// Close flushes outstanding messages, waits for their delivery reports up
// to the flush timeout and closes the producer
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.closeOnce.Do(func() {
		t.log.Info("closing kafka producer")
		if pending := t.producer.Flush(int(t.flushTimeout.Milliseconds())); pending > 0 {
			t.log.Warnf("flush incomplete, %d messages may be lost", pending)
		}

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(t.flushTimeout):
			t.log.Warn("delivery reports still outstanding at close")
		}

		close(t.closedCh)
		<-t.eventsDone
		t.producer.Close()
		t.log.Info("kafka producer closed")
	})
	return nil
}

// TxTransport is a Transport whose producer has a transactional id. Kafka
// allows one open transaction per producer, so transactional sends and
// atomic batches are serialized.
type TxTransport struct {
	*Transport
	txMu sync.Mutex
}

// NewTransactional creates a transactional transport. conf must not set
// transactional.id; it is taken from transactionalID.
func NewTransactional(conf *kafka.ConfigMap, transactionalID string, log *zap.SugaredLogger, opts ...Option) (*TxTransport, error) {
	if transactionalID == "" {
		return nil, fmt.Errorf("transactional id cannot be empty")
	}
	if err := conf.SetKey("transactional.id", transactionalID); err != nil {
		return nil, fmt.Errorf("failed to set transactional.id: %w", err)
	}
	t, err := New(conf, log, opts...)
	if err != nil {
		return nil, err
	}
	return &TxTransport{Transport: t}, nil
}

// Start registers the transactional id with the broker
func (t *TxTransport) Start(ctx context.Context) error {
	if err := t.producer.InitTransactions(ctx); err != nil {
		return fmt.Errorf("failed to init transactions: %w", err)
	}
	return nil
}

// abort aborts the open transaction. txMu must be held.
func (t *TxTransport) abort(ctx context.Context) error {
	if err := t.producer.AbortTransaction(context.WithoutCancel(ctx)); err != nil {
		t.log.Errorw("failed to abort transaction", "error", err)
		return fmt.Errorf("failed to abort transaction: %w", err)
	}
	return nil
}

// commit commits the open transaction, aborting it when the broker
// requires. txMu must be held.
func (t *TxTransport) commit(ctx context.Context) error {
	err := t.producer.CommitTransaction(ctx)
	if err == nil {
		return nil
	}
	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) && kafkaErr.TxnRequiresAbort() {
		_ = t.abort(ctx)
	}
	return fmt.Errorf("failed to commit transaction: %w", err)
}

// SendBatchAtomic produces every message inside one transaction
func (t *TxTransport) SendBatchAtomic(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	t.txMu.Lock()
	defer t.txMu.Unlock()

	if err := t.producer.BeginTransaction(); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	results, errs := t.SendBatch(ctx, msgs, props)
	if err := errors.Join(errs...); err != nil {
		_ = t.abort(ctx)
		return nil, err
	}
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// Prepare opens a transaction and produces msg inside it. Consumers reading
// committed data see it only after Commit.
func (t *TxTransport) Prepare(ctx context.Context, msg *contracts.Message, props contracts.Properties) (messaging.TransactionHandle, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	t.txMu.Lock()

	if err := t.producer.BeginTransaction(); err != nil {
		t.txMu.Unlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	id := fmt.Sprintf("%s-%d", msg.ID(), time.Now().UnixNano())
	m := msg.Clone()
	m.Headers[contracts.HeaderTransactionID] = id
	result, err := t.produceAndWait(ctx, m, toKafkaMessage(m, props))
	if err != nil {
		_ = t.abort(ctx)
		t.txMu.Unlock()
		return nil, err
	}
	return &txHandle{t: t, id: id, result: result}, nil
}

type txHandle struct {
	t      *TxTransport
	id     string
	result contracts.SendResult

	mu   sync.Mutex
	done bool
}

func (h *txHandle) ID() string {
	return h.id
}

// finish releases the producer's transaction slot exactly once
func (h *txHandle) finish(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return fmt.Errorf("%w: transaction %s already finished", contracts.ErrIllegalState, h.id)
	}
	h.done = true
	defer h.t.txMu.Unlock()
	return fn()
}

func (h *txHandle) Commit(ctx context.Context) (contracts.SendResult, error) {
	err := h.finish(func() error { return h.t.commit(ctx) })
	if err != nil {
		return contracts.SendResult{}, err
	}
	md := map[string]string{"transactionId": h.id}
	for _, k := range h.result.MetadataKeys() {
		md[k], _ = h.result.Metadata(k)
	}
	return contracts.NewSendResult(h.result.MessageID(), h.result.Destination(), md), nil
}

func (h *txHandle) Rollback(ctx context.Context) error {
	return h.finish(func() error { return h.t.abort(ctx) })
}

// Abandon aborts the transaction: a producer cannot keep one open past
// the local decision
func (h *txHandle) Abandon(ctx context.Context) error {
	return h.finish(func() error {
		h.t.log.Warnw("aborting undecided transaction", "transactionId", h.id)
		return h.t.abort(ctx)
	})
}
