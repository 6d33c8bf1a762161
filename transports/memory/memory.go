// Package memory implements an in-process broker transport. Messages are
// kept per destination in arrival order and can be inspected, which makes it
// the transport of choice for tests and local runs. It supports every
// optional capability: async, oneway, transactional and both batch modes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("memory: transport closed")

func init() {
	transports.Register("memory", func(cfg transports.Config) (messaging.Transport, error) {
		latency, err := cfg.DurationOption("latency", 0)
		if err != nil {
			return nil, err
		}
		return New(WithLatency(latency)), nil
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

// Record is a message stored by the transport
type Record struct {
	Message    *contracts.Message
	Properties contracts.Properties
	Offset     int64
	StoredAt   time.Time
}

type topic struct {
	records []Record
}

type halfMessage struct {
	msg        *contracts.Message
	props      contracts.Properties
	preparedAt time.Time
}

// FaultFunc decides whether the broker refuses msg
type FaultFunc func(msg *contracts.Message) error

// Transport is the in-memory broker
type Transport struct {
	mu      sync.Mutex
	topics  map[string]*topic
	half    map[string]*halfMessage
	fault   FaultFunc
	latency time.Duration
	started bool
	closed  bool

	wg     sync.WaitGroup
	logger *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithLatency delays every store by d
func WithLatency(d time.Duration) Option {
	return func(t *Transport) {
		t.latency = d
	}
}

// WithFault installs a fault function consulted before every store
func WithFault(f FaultFunc) Option {
	return func(t *Transport) {
		t.fault = f
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates an empty in-memory transport
func New(opts ...Option) *Transport {
	t := &Transport{
		topics: make(map[string]*topic),
		half:   make(map[string]*halfMessage),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetFault replaces the fault function. A nil f clears it.
func (t *Transport) SetFault(f FaultFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fault = f
}

// Start marks the transport as connected
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.started = true
	return nil
}

// Close waits for asynchronous stores and refuses further operations.
// Provisional messages are kept and can still be resolved.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *Transport) wait(ctx context.Context) error {
	if t.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(t.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Transport) refuse(msg *contracts.Message) error {
	t.mu.Lock()
	fault := t.fault
	t.mu.Unlock()
	if fault == nil {
		return nil
	}
	return fault(msg)
}

// storeLocked appends msg to its destination. t.mu must be held.
func (t *Transport) storeLocked(msg *contracts.Message, props contracts.Properties) contracts.SendResult {
	dest := msg.Destination()
	tp, ok := t.topics[dest]
	if !ok {
		tp = &topic{}
		t.topics[dest] = tp
	}
	now := time.Now()
	offset := int64(len(tp.records))
	tp.records = append(tp.records, Record{
		Message:    msg.Clone(),
		Properties: props.Clone(),
		Offset:     offset,
		StoredAt:   now,
	})
	return contracts.NewSendResult(msg.ID(), dest, map[string]string{
		"offset":   strconv.FormatInt(offset, 10),
		"storedAt": strconv.FormatInt(now.UnixMilli(), 10),
	})
}

func (t *Transport) store(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	if err := t.wait(ctx); err != nil {
		return contracts.SendResult{}, err
	}
	if err := t.refuse(msg); err != nil {
		return contracts.SendResult{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storeLocked(msg, props), nil
}

// Send stores msg and returns its offset
func (t *Transport) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	if err := t.checkOpen(); err != nil {
		return contracts.SendResult{}, err
	}
	return t.store(ctx, msg, props)
}

// SendAsync stores msg on a separate goroutine and completes token with the
// outcome
func (t *Transport) SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties,
	token correlation.Token, completer messaging.Completer) error {

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		result, err := t.store(ctx, msg, props)
		if cerr := completer.Complete(token, result, err); cerr != nil {
			t.logger.Warn("completion rejected", "token", token, "messageId", msg.ID(), "error", cerr)
		}
	}()
	return nil
}

// SendOneway stores msg and discards the receipt
func (t *Transport) SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	_, err := t.store(ctx, msg, props)
	return err
}

// SendBatch stores each message independently
func (t *Transport) SendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, []error) {
	results := make([]contracts.SendResult, len(msgs))
	errs := make([]error, len(msgs))
	if err := t.checkOpen(); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return results, errs
	}
	for i, msg := range msgs {
		results[i], errs[i] = t.store(ctx, msg, props[i])
	}
	return results, errs
}

// SendBatchAtomic stores all messages or none
func (t *Transport) SendBatchAtomic(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if err := t.refuse(msg); err != nil {
			return nil, fmt.Errorf("batch refused at message %s: %w", msg.ID(), err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	results := make([]contracts.SendResult, len(msgs))
	for i, msg := range msgs {
		results[i] = t.storeLocked(msg, props[i])
	}
	return results, nil
}

// Prepare stores msg provisionally. It stays invisible until committed.
func (t *Transport) Prepare(ctx context.Context, msg *contracts.Message, props contracts.Properties) (messaging.TransactionHandle, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	if err := t.refuse(msg); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	m := msg.Clone()
	m.Headers[contracts.HeaderTransactionID] = id
	m.Headers[contracts.HeaderTransactionPrepared] = "true"

	t.mu.Lock()
	t.half[id] = &halfMessage{msg: m, props: props.Clone(), preparedAt: time.Now()}
	t.mu.Unlock()

	t.logger.Debug("message prepared", "transactionId", id, "messageId", m.ID())
	return &handle{t: t, id: id}, nil
}

// Provisional returns the ids of prepared messages awaiting a decision,
// sorted
func (t *Transport) Provisional() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.half))
	for id := range t.half {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveTransaction settles a provisional message left for check-back
func (t *Transport) ResolveTransaction(id string, commit bool) (contracts.SendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.half[id]
	if !ok {
		return contracts.SendResult{}, fmt.Errorf("memory: no provisional message for transaction %s", id)
	}
	delete(t.half, id)
	if !commit {
		return contracts.SendResult{}, nil
	}
	delete(h.msg.Headers, contracts.HeaderTransactionPrepared)
	result := t.storeLocked(h.msg, h.props)
	return contracts.NewSendResult(result.MessageID(), result.Destination(), map[string]string{
		"offset":        mustMetadata(result, "offset"),
		"transactionId": id,
	}), nil
}

func mustMetadata(r contracts.SendResult, key string) string {
	v, _ := r.Metadata(key)
	return v
}

// Records returns a copy of the messages stored under destination
func (t *Transport) Records(destination string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[destination]
	if !ok {
		return nil
	}
	out := make([]Record, len(tp.records))
	copy(out, tp.records)
	return out
}

// Delivered returns the messages stored under destination, in order
func (t *Transport) Delivered(destination string) []*contracts.Message {
	records := t.Records(destination)
	out := make([]*contracts.Message, len(records))
	for i, r := range records {
		out[i] = r.Message
	}
	return out
}

// Count returns the number of messages stored across all destinations
func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, tp := range t.topics {
		n += len(tp.records)
	}
	return n
}

type handle struct {
	t  *Transport
	id string

	mu      sync.Mutex
	settled bool
}

func (h *handle) ID() string {
	return h.id
}

func (h *handle) settle() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return fmt.Errorf("%w: transaction %s already settled", contracts.ErrIllegalState, h.id)
	}
	h.settled = true
	return nil
}

func (h *handle) Commit(ctx context.Context) (contracts.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return contracts.SendResult{}, err
	}
	if err := h.settle(); err != nil {
		return contracts.SendResult{}, err
	}
	return h.t.ResolveTransaction(h.id, true)
}

func (h *handle) Rollback(ctx context.Context) error {
	if err := h.settle(); err != nil {
		return err
	}
	_, err := h.t.ResolveTransaction(h.id, false)
	return err
}

func (h *handle) Abandon(ctx context.Context) error {
	if err := h.settle(); err != nil {
		return err
	}
	h.t.logger.Info("transaction left for check-back", "transactionId", h.id)
	return nil
}
