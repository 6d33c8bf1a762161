// Package kafkago is a pure-Go Kafka backend built on segmentio/kafka-go.
// Queue destinations are written to the topic of the same name; the
// PARTITION_KEY property becomes the record key.
//
// Kafka-go has no producer transactions, so this backend offers neither
// transactional sends nor atomic batches.
package kafkago

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("kafkago: transport closed")

func init() {
	transports.Register("kafkago", func(cfg transports.Config) (messaging.Transport, error) {
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		t, err := New(strings.Split(cfg.URL, ","), opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

var (
	_ messaging.Transport       = (*Transport)(nil)
	_ messaging.AsyncTransport  = (*Transport)(nil)
	_ messaging.OnewayTransport = (*Transport)(nil)
	_ messaging.BatchTransport  = (*Transport)(nil)
)

// messageWriter is the part of *kafka.Writer the transport uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// pendingWrite rides on kafka.Message.WriterData through the async writer
type pendingWrite struct {
	token     correlation.Token
	completer messaging.Completer
	msg       *contracts.Message
}

// Transport writes messages through two kafka-go writers: a synchronous one
// for Send and batches and an asynchronous one whose Completion callback
// settles async and oneway sends
type Transport struct {
	writer      messageWriter
	asyncWriter messageWriter
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures the transport
type Option func(*options)

type options struct {
	balancer     kafka.Balancer
	batchSize    int
	batchTimeout time.Duration
	requiredAcks kafka.RequiredAcks
	autoCreate   bool
	transport    *kafka.Transport
	logger       *slog.Logger
}

func defaults() options {
	return options{
		balancer:     &kafka.Hash{},
		batchSize:    100,
		batchTimeout: 10 * time.Millisecond,
		requiredAcks: kafka.RequireAll,
		logger:       slog.Default(),
	}
}

// WithBalancer sets the partition balancer. The default hashes the key.
func WithBalancer(b kafka.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithBatchSize sets the maximum batch size of the async writer
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithBatchTimeout sets how long the async writer waits to fill a batch
func WithBatchTimeout(d time.Duration) Option {
	return func(o *options) { o.batchTimeout = d }
}

// WithRequiredAcks sets the acknowledgement level
func WithRequiredAcks(acks kafka.RequiredAcks) Option {
	return func(o *options) { o.requiredAcks = acks }
}

// WithAutoTopicCreation lets the broker create missing topics
func WithAutoTopicCreation(enabled bool) Option {
	return func(o *options) { o.autoCreate = enabled }
}

// WithKafkaTransport sets a custom kafka-go transport for TLS or SASL
func WithKafkaTransport(t *kafka.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a transport writing to brokers
func New(brokers []string, fns ...Option) (*Transport, error) {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafkago: at least one broker address is required")
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	t := &Transport{logger: opts.logger}
	newWriter := func(async bool) *kafka.Writer {
		w := &kafka.Writer{
			Addr:                   kafka.TCP(addrs...),
			Balancer:               opts.balancer,
			RequiredAcks:           opts.requiredAcks,
			AllowAutoTopicCreation: opts.autoCreate,
			Async:                  async,
		}
		if opts.transport != nil {
			w.Transport = opts.transport
		}
		if async {
			w.BatchSize = opts.batchSize
			w.BatchTimeout = opts.batchTimeout
			w.Completion = t.complete
		} else {
			// a sync write returns as soon as its own records are flushed
			w.BatchTimeout = time.Millisecond
		}
		return w
	}
	t.writer = newWriter(false)
	t.asyncWriter = newWriter(true)
	return t, nil
}

func optsFromConfig(cfg transports.Config) ([]Option, error) {
	var opts []Option
	n, err := cfg.IntOption("batchSize", 0)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		opts = append(opts, WithBatchSize(n))
	}
	d, err := cfg.DurationOption("batchTimeout", 0)
	if err != nil {
		return nil, err
	}
	if d > 0 {
		opts = append(opts, WithBatchTimeout(d))
	}
	auto, err := cfg.BoolOption("autoCreateTopics", false)
	if err != nil {
		return nil, err
	}
	if auto {
		opts = append(opts, WithAutoTopicCreation(true))
	}
	switch cfg.Option("acks", "all") {
	case "all":
	case "one":
		opts = append(opts, WithRequiredAcks(kafka.RequireOne))
	case "none":
		opts = append(opts, WithRequiredAcks(kafka.RequireNone))
	default:
		return nil, fmt.Errorf("kafkago: option acks must be all, one or none")
	}
	return opts, nil
}

// toKafkaMessage maps a message onto a kafka record
func toKafkaMessage(msg *contracts.Message, props contracts.Properties) kafka.Message {
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

	km := kafka.Message{
		Topic:   msg.Destination(),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.BornTimestamp(),
	}
	if key, ok := settings.Get(contracts.PropertyPartitionKey); ok {
		km.Key = []byte(key)
	}
	return km
}

func toResult(msg *contracts.Message, km kafka.Message) contracts.SendResult {
	md := map[string]string{"topic": km.Topic}
	if km.Key != nil {
		md["key"] = string(km.Key)
	}
	return contracts.NewSendResult(msg.ID(), msg.Destination(), md)
}

func (t *Transport) enter() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	t.wg.Add(1)
	return nil
}

// Send writes msg and waits for the required acks
func (t *Transport) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	if err := t.enter(); err != nil {
		return contracts.SendResult{}, err
	}
	defer t.wg.Done()

	km := toKafkaMessage(msg, props)
	if err := t.writer.WriteMessages(ctx, km); err != nil {
		return contracts.SendResult{}, fmt.Errorf("kafkago: write to %q: %w", km.Topic, err)
	}
	return toResult(msg, km), nil
}

// SendAsync queues msg on the async writer. The writer's completion
// callback completes token.
func (t *Transport) SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties,
	token correlation.Token, completer messaging.Completer) error {

	if err := t.enter(); err != nil {
		return err
	}
	km := toKafkaMessage(msg, props)
	km.WriterData = &pendingWrite{token: token, completer: completer, msg: msg}
	if err := t.asyncWriter.WriteMessages(ctx, km); err != nil {
		t.wg.Done()
		return fmt.Errorf("kafkago: queue write to %q: %w", km.Topic, err)
	}
	return nil
}

// SendOneway queues msg on the async writer without tracking it
func (t *Transport) SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.wg.Done()
	km := toKafkaMessage(msg, props)
	if err := t.asyncWriter.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafkago: queue write to %q: %w", km.Topic, err)
	}
	return nil
}

// complete is the async writer's Completion callback. err applies to the
// whole written batch.
func (t *Transport) complete(messages []kafka.Message, err error) {
	for i, km := range messages {
		pw, ok := km.WriterData.(*pendingWrite)
		if !ok {
			if err != nil {
				t.logger.Warn("oneway write failed", "topic", km.Topic, "error", err)
			}
			continue
		}

		var result contracts.SendResult
		werr := errorAt(err, i)
		if werr == nil {
			result = toResult(pw.msg, km)
			if km.Offset > 0 || km.Partition > 0 {
				result = withOffset(result, km)
			}
		} else {
			werr = fmt.Errorf("kafkago: write to %q: %w", km.Topic, werr)
		}
		if cerr := pw.completer.Complete(pw.token, result, werr); cerr != nil {
			t.logger.Warn("completion for settled token", "token", pw.token, "error", cerr)
		}
		t.wg.Done()
	}
}

func withOffset(r contracts.SendResult, km kafka.Message) contracts.SendResult {
	md := map[string]string{
		"partition": fmt.Sprint(km.Partition),
		"offset":    fmt.Sprint(km.Offset),
	}
	for _, k := range r.MetadataKeys() {
		md[k], _ = r.Metadata(k)
	}
	return contracts.NewSendResult(r.MessageID(), r.Destination(), md)
}

// errorAt returns the error for message i of a write. kafka.WriteErrors
// carries one entry per message; any other error applies to all of them.
func errorAt(err error, i int) error {
	if err == nil {
		return nil
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		if i < len(werrs) {
			return werrs[i]
		}
		return nil
	}
	return err
}

// SendBatch writes every message in one call and reports per-message errors
func (t *Transport) SendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, []error) {
	results := make([]contracts.SendResult, len(msgs))
	errs := make([]error, len(msgs))
	if err := t.enter(); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return results, errs
	}
	defer t.wg.Done()

	kms := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		kms[i] = toKafkaMessage(msg, props[i])
	}
	err := t.writer.WriteMessages(ctx, kms...)
	for i, msg := range msgs {
		if werr := errorAt(err, i); werr != nil {
			errs[i] = fmt.Errorf("kafkago: write to %q: %w", kms[i].Topic, werr)
			continue
		}
		results[i] = toResult(msg, kms[i])
	}
	return results, errs
}

// Close flushes the async writer, which settles every pending token, and
// closes both writers
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var errs []error
	if err := t.asyncWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafkago: close async writer: %w", err))
	}
	t.wg.Wait()
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafkago: close writer: %w", err))
	}
	return errors.Join(errs...)
}
