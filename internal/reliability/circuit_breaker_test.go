package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-oms/contracts"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker(opts...)
	cb.now = clock.Now
	return cb
}

func fail(context.Context) error    { return runtimeErr() }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed and runs functions", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())

		executed := false
		err := cb.Execute(ctx, func(context.Context) error {
			executed = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after failure threshold", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(3), WithName("orders"))

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(ctx, fail))
		}
		assert.Equal(t, StateOpen, cb.State())

		err := cb.Execute(ctx, succeed)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, "orders", cbErr.Name)
		assert.ErrorIs(t, err, contracts.ErrRuntime)
	})

	t.Run("format errors do not count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		err := cb.Execute(ctx, func(context.Context) error {
			return contracts.NewOperationError("send", "id", contracts.ErrMessageFormat, nil)
		})
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("success resets failure count when closed", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open after timeout then closes", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock,
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithTimeout(time.Minute),
		)
		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateOpen, cb.State())

		clock.Advance(time.Minute)
		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())

		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failure in half-open reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithTimeout(time.Second))
		_ = cb.Execute(ctx, fail)
		clock.Advance(time.Second)

		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("half-open limits concurrent probes", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock,
			WithFailureThreshold(1),
			WithHalfOpenRequests(1),
			WithSuccessThreshold(5),
			WithTimeout(time.Second),
		)
		_ = cb.Execute(ctx, fail)
		clock.Advance(time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(ctx, func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := cb.Execute(ctx, succeed)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)

		close(release)
		assert.NoError(t, <-done)
		assert.NoError(t, cb.Execute(ctx, succeed))
	})

	t.Run("cancelled context is not executed", func(t *testing.T) {
		cb := NewCircuitBreaker()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		executed := false
		err := cb.Execute(cctx, func(context.Context) error {
			executed = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, executed)
	})

	t.Run("listeners see transitions", func(t *testing.T) {
		changes := make(chan string, 4)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateChangeListener(func(name string, from, to State, reason string) {
				changes <- from.String() + "->" + to.String()
			}),
		)
		_ = cb.Execute(ctx, fail)

		select {
		case change := <-changes:
			assert.Equal(t, "closed->open", change)
		case <-time.After(time.Second):
			t.Fatal("no state change notification")
		}

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("plain errors are not counted", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, func(context.Context) error { return errors.New("unclassified") })
		assert.Equal(t, StateClosed, cb.State())
	})
}
