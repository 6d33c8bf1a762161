// Package redis is the Redis Streams backend.
//
// Each destination gets its own stream: topic "orders" is stored at
// "topic:{orders}" and queue "jobs" at "queue:{jobs}". The braces make the
// destination the hash tag when running on a Redis cluster. A stream entry
// carries the body in field "data", system headers as "h:<name>" and
// properties as "p:<name>".
//
// Transactional sends keep the provisional message in a hash at
// "half:{<transaction id>}" and register the id in the "half:index" set
// until it is committed or rolled back. Abandoned transactions stay there
// for a later ResolveTransaction. Atomic batches and commits use
// MULTI/EXEC, which on a cluster requires every key involved to map to the
// same slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports"
)

func init() {
	transports.Register("redis", func(cfg transports.Config) (messaging.Transport, error) {
		maxLen, err := cfg.IntOption("maxLen", 0)
		if err != nil {
			return nil, err
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid url: %w", err)
		}
		return New(redis.NewClient(opts), WithMaxLen(int64(maxLen))), nil
	})
}

const (
	fieldData    = "data"
	fieldStream  = "stream"
	headerPrefix = "h:"
	propPrefix   = "p:"
	halfIndex    = "half:index"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("redis: transport closed")

// ErrUnknownTransaction is returned when resolving a transaction that is not
// provisional
var ErrUnknownTransaction = errors.New("redis: unknown transaction")

var (
	_ messaging.Transport              = (*Transport)(nil)
	_ messaging.Starter                = (*Transport)(nil)
	_ messaging.BatchTransport         = (*Transport)(nil)
	_ messaging.AtomicBatchTransport   = (*Transport)(nil)
	_ messaging.TransactionalTransport = (*Transport)(nil)
)

// Transport appends messages to Redis streams
type Transport struct {
	client redis.UniversalClient
	maxLen int64
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures the transport
type Option func(*Transport)

// WithMaxLen caps every stream to approximately n entries on append. Zero
// means uncapped.
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		t.maxLen = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a transport over client. The transport owns the client.
func New(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client: client,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func streamName(msg *contracts.Message) string {
	if msg.Queue() != "" {
		return "queue:{" + msg.Queue() + "}"
	}
	return "topic:{" + msg.Topic() + "}"
}

func halfName(txID string) string {
	return "half:{" + txID + "}"
}

// entry is a message laid out as stream fields
type entry struct {
	stream string
	values map[string]interface{}
}

func toEntry(msg *contracts.Message, props contracts.Properties) entry {
	values := make(map[string]interface{}, 1+len(msg.Headers)+len(msg.Properties)+len(props))
	values[fieldData] = string(msg.Body)
	for k, v := range msg.Properties.Merge(props) {
		values[propPrefix+k] = v
	}
	for k, v := range msg.Headers {
		values[headerPrefix+k] = v
	}
	return entry{stream: streamName(msg), values: values}
}

// fromHalf rebuilds an entry from a provisional hash
func fromHalf(fields map[string]string) (entry, error) {
	stream, ok := fields[fieldStream]
	if !ok {
		return entry{}, fmt.Errorf("provisional message has no stream")
	}
	values := make(map[string]interface{}, len(fields)-1)
	for k, v := range fields {
		if k != fieldStream {
			values[k] = v
		}
	}
	return entry{stream: stream, values: values}, nil
}

func (e entry) halfValues() map[string]interface{} {
	values := make(map[string]interface{}, len(e.values)+1)
	for k, v := range e.values {
		values[k] = v
	}
	values[fieldStream] = e.stream
	return values
}

func (t *Transport) xaddArgs(e entry) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: t.maxLen,
		Approx: t.maxLen > 0,
		Values: e.values,
	}
}

func toResult(msg *contracts.Message, stream, id string) contracts.SendResult {
	return contracts.NewSendResult(msg.ID(), msg.Destination(), map[string]string{
		"stream":  stream,
		"entryId": id,
	})
}

func (t *Transport) enter() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// Start checks that the server is reachable
func (t *Transport) Start(ctx context.Context) error {
	return t.Ping(ctx)
}

// Ping runs a round trip to the server
func (t *Transport) Ping(ctx context.Context) error {
	if err := t.enter(); err != nil {
		return err
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Send appends msg to its stream
func (t *Transport) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	if err := t.enter(); err != nil {
		return contracts.SendResult{}, err
	}
	e := toEntry(msg, props)
	id, err := t.client.XAdd(ctx, t.xaddArgs(e)).Result()
	if err != nil {
		return contracts.SendResult{}, fmt.Errorf("redis: append to %s: %w", e.stream, err)
	}
	return toResult(msg, e.stream, id), nil
}

// SendBatch appends every message in one pipeline; each append succeeds or
// fails on its own
func (t *Transport) SendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, []error) {
	results := make([]contracts.SendResult, len(msgs))
	errs := make([]error, len(msgs))
	if err := t.enter(); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return results, errs
	}

	entries := make([]entry, len(msgs))
	cmds := make([]*redis.StringCmd, len(msgs))
	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, msg := range msgs {
			entries[i] = toEntry(msg, props[i])
			cmds[i] = p.XAdd(ctx, t.xaddArgs(entries[i]))
		}
		return nil
	})
	for i, cmd := range cmds {
		if cmd == nil {
			errs[i] = err
			continue
		}
		id, cerr := cmd.Result()
		if cerr != nil {
			errs[i] = fmt.Errorf("redis: append to %s: %w", entries[i].stream, cerr)
			continue
		}
		results[i] = toResult(msgs[i], entries[i].stream, id)
	}
	return results, errs
}

// SendBatchAtomic appends every message inside MULTI/EXEC
func (t *Transport) SendBatchAtomic(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}

	entries := make([]entry, len(msgs))
	cmds := make([]*redis.StringCmd, len(msgs))
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, msg := range msgs {
			entries[i] = toEntry(msg, props[i])
			cmds[i] = p.XAdd(ctx, t.xaddArgs(entries[i]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: atomic batch: %w", err)
	}

	results := make([]contracts.SendResult, len(msgs))
	for i, cmd := range cmds {
		results[i] = toResult(msgs[i], entries[i].stream, cmd.Val())
	}
	return results, nil
}

// Prepare stores msg provisionally in its own hash
func (t *Transport) Prepare(ctx context.Context, msg *contracts.Message, props contracts.Properties) (messaging.TransactionHandle, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}

	txID := uuid.New().String()
	m := msg.Clone()
	m.Headers[contracts.HeaderTransactionID] = txID
	e := toEntry(m, props)

	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, halfName(txID), e.halfValues())
		p.SAdd(ctx, halfIndex, txID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: prepare: %w", err)
	}
	return &txHandle{t: t, id: txID, msg: m, entry: e}, nil
}

// commit appends the provisional entry and forgets the transaction in one
// MULTI/EXEC
func (t *Transport) commit(ctx context.Context, txID string, e entry) (string, error) {
	var add *redis.StringCmd
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, t.xaddArgs(e))
		p.Del(ctx, halfName(txID))
		p.SRem(ctx, halfIndex, txID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis: commit %s: %w", txID, err)
	}
	return add.Val(), nil
}

func (t *Transport) rollback(ctx context.Context, txID string) error {
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, halfName(txID))
		p.SRem(ctx, halfIndex, txID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: rollback %s: %w", txID, err)
	}
	return nil
}

// Provisional lists the ids of transactions awaiting a decision
func (t *Transport) Provisional(ctx context.Context) ([]string, error) {
	ids, err := t.client.SMembers(ctx, halfIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list provisional: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ResolveTransaction settles a provisional message left undecided, as a
// transaction check-back would
func (t *Transport) ResolveTransaction(ctx context.Context, txID string, commit bool) error {
	if err := t.enter(); err != nil {
		return err
	}
	fields, err := t.client.HGetAll(ctx, halfName(txID)).Result()
	if err != nil {
		return fmt.Errorf("redis: load %s: %w", txID, err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	if !commit {
		return t.rollback(ctx, txID)
	}
	e, err := fromHalf(fields)
	if err != nil {
		return fmt.Errorf("redis: %s: %w", txID, err)
	}
	id, err := t.commit(ctx, txID, e)
	if err != nil {
		return err
	}
	t.logger.Info("resolved provisional message", "transactionId", txID, "entryId", id)
	return nil
}

// Trim caps every stream to approximately maxLen entries, trimming
// batchSize streams per pipeline
func (t *Transport) Trim(ctx context.Context, maxLen int64, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	for _, pattern := range []string{"topic:*", "queue:*"} {
		iter := t.client.Scan(ctx, 0, pattern, int64(batchSize)).Iterator()
		batch := make([]string, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
				for _, stream := range batch {
					p.XTrimApprox(ctx, stream, maxLen)
				}
				return nil
			})
			batch = batch[:0]
			return err
		}
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == batchSize {
				if err := flush(); err != nil {
					return fmt.Errorf("redis: trim: %w", err)
				}
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis: scan %s: %w", pattern, err)
		}
		if err := flush(); err != nil {
			return fmt.Errorf("redis: trim: %w", err)
		}
	}
	return nil
}

// Close closes the client
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

type txHandle struct {
	t     *Transport
	id    string
	msg   *contracts.Message
	entry entry

	mu   sync.Mutex
	done bool
}

func (h *txHandle) ID() string {
	return h.id
}

func (h *txHandle) settle() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return fmt.Errorf("%w: transaction %s already settled", contracts.ErrIllegalState, h.id)
	}
	h.done = true
	return nil
}

func (h *txHandle) Commit(ctx context.Context) (contracts.SendResult, error) {
	if err := h.settle(); err != nil {
		return contracts.SendResult{}, err
	}
	id, err := h.t.commit(ctx, h.id, h.entry)
	if err != nil {
		return contracts.SendResult{}, err
	}
	return contracts.NewSendResult(h.msg.ID(), h.msg.Destination(), map[string]string{
		"stream":        h.entry.stream,
		"entryId":       id,
		"transactionId": h.id,
	}), nil
}

func (h *txHandle) Rollback(ctx context.Context) error {
	if err := h.settle(); err != nil {
		return err
	}
	return h.t.rollback(ctx, h.id)
}

// Abandon leaves the provisional message for ResolveTransaction
func (h *txHandle) Abandon(ctx context.Context) error {
	if err := h.settle(); err != nil {
		return err
	}
	h.t.logger.Warn("transaction left provisional", "transactionId", h.id, "messageId", h.msg.ID())
	return nil
}
