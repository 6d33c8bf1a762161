package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelMode is the publishing mode a pooled channel is put in when opened.
// AMQP forbids mixing confirms and transactions on one channel.
type ChannelMode int

const (
	// ModeConfirm channels acknowledge every publish with a confirm
	ModeConfirm ChannelMode = iota
	// ModeTx channels publish inside AMQP transactions
	ModeTx
)

func (m ChannelMode) String() string {
	if m == ModeTx {
		return "tx"
	}
	return "confirm"
}

// channelOpener opens a raw channel
type channelOpener interface {
	Channel() (*amqp.Channel, error)
}

// ChannelPool hands out channels in a fixed publishing mode
type ChannelPool struct {
	opener      channelOpener
	mode        ChannelMode
	channels    chan *PooledChannel
	maxSize     int
	acquireWait time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ID returns the pool-assigned channel id
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithChannelMode sets the publishing mode of every channel
func WithChannelMode(mode ChannelMode) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.mode = mode
	}
}

// WithAcquireWait bounds how long Get waits for a free channel
func WithAcquireWait(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireWait = d
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a pool over manager. Channels are opened lazily.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager cannot be nil", ErrInvalidConfiguration)
	}
	return newChannelPool(manager, options...)
}

func newChannelPool(opener channelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	pool := &ChannelPool{
		opener:      opener,
		mode:        ModeConfirm,
		maxSize:     10,
		acquireWait: 5 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(pool)
	}
	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Mode returns the publishing mode of the pool's channels
func (cp *ChannelPool) Mode() ChannelMode {
	return cp.mode
}

// Get returns an idle channel, opens a new one under the limit, or waits
// for one to be returned
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		return cp.checkout(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.activeCount++
		cp.mu.Unlock()
		return cp.open(ctx)
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.acquireWait)
	defer timer.Stop()
	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return cp.checkout(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-timer.C:
		return nil, &ChannelError{Op: "get", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

// checkout replaces a channel the broker closed while it sat idle
func (cp *ChannelPool) checkout(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch == nil {
		return nil, ErrChannelPoolClosed
	}
	if ch.IsClosed() {
		return cp.open(ctx)
	}
	ch.lastUsed = time.Now()
	return ch, nil
}

// open opens a channel in the pool's mode. The caller has already counted
// it in activeCount.
func (cp *ChannelPool) open(ctx context.Context) (*PooledChannel, error) {
	fail := func(err error) (*PooledChannel, error) {
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()
		return nil, &ChannelError{Op: "open", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	raw, err := cp.opener.Channel()
	if err != nil {
		return fail(err)
	}
	switch cp.mode {
	case ModeTx:
		err = raw.Tx()
	default:
		err = raw.Confirm(false)
	}
	if err != nil {
		_ = raw.Close()
		return fail(fmt.Errorf("%w: %s mode: %v", ErrChannelCreationFailed, cp.mode, err))
	}

	ch := &PooledChannel{Channel: raw, id: uuid.New().String(), lastUsed: time.Now()}
	cp.logger.Debug("channel opened", "channelId", ch.id, "mode", cp.mode.String())
	return ch, nil
}

// Put returns a channel to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed || ch.IsClosed() {
		cp.activeCount--
		_ = ch.Close()
		return
	}

	select {
	case cp.channels <- ch:
	default:
		cp.activeCount--
		_ = ch.Close()
	}
}

// Discard closes a channel that must not be reused, such as one left in an
// unknown transaction state
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
	_ = ch.Close()
}

// Close closes every idle channel. Channels still checked out are closed
// when they are returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()
	}
	return nil
}

// Size returns the number of open channels, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a pooled channel. A panicking fn discards the channel.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cp.Discard(ch)
			err = fmt.Errorf("panic in channel execution: %v", r)
			return
		}
		cp.Put(ch)
	}()
	return fn(ch)
}
