// Package correlation maps in-flight asynchronous operations to their
// pending futures by an opaque token.
package correlation

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/future"
)

// Token identifies one in-flight asynchronous operation
type Token uint64

func (t Token) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Table holds pending futures keyed by token. Register must happen before
// the operation that can complete the token is dispatched.
type Table[T any] struct {
	mu      sync.Mutex
	pending map[Token]*future.Future[T]
	next    atomic.Uint64
	recent  *lru.Cache
	logger  *slog.Logger
}

// TableOption configures a Table
type TableOption func(*tableConfig)

type tableConfig struct {
	recentSize int
	logger     *slog.Logger
}

// WithRecentSize sets how many completed tokens are remembered for
// diagnosing late or duplicate completions. Zero disables the cache.
func WithRecentSize(size int) TableOption {
	return func(c *tableConfig) {
		c.recentSize = size
	}
}

// WithTableLogger sets the logger
func WithTableLogger(logger *slog.Logger) TableOption {
	return func(c *tableConfig) {
		c.logger = logger
	}
}

// NewTable creates an empty table
func NewTable[T any](opts ...TableOption) *Table[T] {
	cfg := &tableConfig{
		recentSize: 1024,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	t := &Table[T]{
		pending: make(map[Token]*future.Future[T]),
		logger:  cfg.logger,
	}
	if cfg.recentSize > 0 {
		// lru.New only fails for non-positive sizes
		t.recent, _ = lru.New(cfg.recentSize)
	}
	return t
}

// Next returns a fresh token. Tokens increase monotonically and are never
// reused by this table.
func (t *Table[T]) Next() Token {
	return Token(t.next.Add(1))
}

// Register creates a pending entry for token
func (t *Table[T]) Register(token Token) (*future.Future[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[token]; exists {
		return nil, fmt.Errorf("%w: %s", contracts.ErrDuplicateToken, token)
	}
	f := future.New[T]()
	t.pending[token] = f
	return f, nil
}

// RegisterNext allocates a token and registers it
func (t *Table[T]) RegisterNext() (Token, *future.Future[T]) {
	for {
		token := t.Next()
		if f, err := t.Register(token); err == nil {
			return token, f
		}
	}
}

// Complete removes the entry for token and resolves its future. A nil err
// succeeds the future with value; otherwise it fails with err.
func (t *Table[T]) Complete(token Token, value T, err error) error {
	t.mu.Lock()
	f, exists := t.pending[token]
	if exists {
		delete(t.pending, token)
	}
	t.mu.Unlock()

	if !exists {
		if t.recent != nil && t.recent.Contains(token) {
			return fmt.Errorf("%w: %s already completed", contracts.ErrUnknownToken, token)
		}
		return fmt.Errorf("%w: %s", contracts.ErrUnknownToken, token)
	}
	if t.recent != nil {
		t.recent.Add(token, struct{}{})
	}

	if err != nil {
		return f.Fail(err)
	}
	return f.Succeed(value)
}

// Lookup returns the pending future for token without removing it
func (t *Table[T]) Lookup(token Token) (*future.Future[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.pending[token]
	return f, ok
}

// Len returns the number of pending entries
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// FailAll fails every pending entry with err and empties the table
func (t *Table[T]) FailAll(err error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[Token]*future.Future[T])
	t.mu.Unlock()

	for token, f := range pending {
		if t.recent != nil {
			t.recent.Add(token, struct{}{})
		}
		if ferr := f.Fail(err); ferr != nil {
			t.logger.Error("failed to fail pending future", "token", token, "error", ferr)
		}
	}
	return len(pending)
}
