package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-oms/bridge"
	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
	"github.com/glimte/mmate-oms/future"
	"github.com/glimte/mmate-oms/interceptors"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingDispatcher keeps every dispatched token for the test to complete
type recordingDispatcher struct {
	mu     sync.Mutex
	tokens []correlation.Token
	msgs   []*contracts.Message
	err    error
}

func (d *recordingDispatcher) Dispatch(token correlation.Token, msg *contracts.Message, props contracts.Properties) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tokens = append(d.tokens, token)
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDispatcher) last() (correlation.Token, *contracts.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens[len(d.tokens)-1], d.msgs[len(d.msgs)-1]
}

func newBridge(t *testing.T, d bridge.Dispatcher, opts ...bridge.BridgeOption) *bridge.Bridge {
	t.Helper()
	opts = append([]bridge.BridgeOption{bridge.WithBridgeLogger(quiet)}, opts...)
	b, err := bridge.New(d, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBridge_InitiateAndComplete(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{}
	b := newBridge(t, d)

	f, err := b.Initiate(ctx, contracts.NewTopicBytesMessage("orders", []byte("a")), contracts.Properties{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Pending())
	assert.False(t, f.IsDone())

	token, msg := d.last()
	assert.NotEmpty(t, msg.ID())
	require.NoError(t, b.OnComplete(token, contracts.NewSendResult(msg.ID(), "orders", nil), nil))

	result, err := f.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.ID(), result.MessageID())
	assert.Equal(t, 0, b.Pending())
}

func TestBridge_ForeignFailure(t *testing.T) {
	d := &recordingDispatcher{}
	b := newBridge(t, d)

	f, err := b.Initiate(context.Background(), contracts.NewTopicBytesMessage("orders", nil), nil)
	require.NoError(t, err)

	token, _ := d.last()
	cause := errors.New("broker down")
	require.NoError(t, b.OnComplete(token, contracts.SendResult{}, cause))

	_, err = f.GetTimeout(time.Second)
	assert.ErrorIs(t, err, contracts.ErrRuntime)
	assert.ErrorIs(t, err, cause)
}

func TestBridge_UnknownToken(t *testing.T) {
	d := &recordingDispatcher{}
	b := newBridge(t, d)

	t.Run("never issued", func(t *testing.T) {
		err := b.OnComplete(correlation.Token(999), contracts.SendResult{}, nil)
		assert.ErrorIs(t, err, contracts.ErrUnknownToken)
	})

	t.Run("completed twice", func(t *testing.T) {
		f, err := b.Initiate(context.Background(), contracts.NewTopicBytesMessage("orders", nil), nil)
		require.NoError(t, err)
		token, _ := d.last()

		require.NoError(t, b.OnComplete(token, contracts.SendResult{}, nil))
		err = b.OnComplete(token, contracts.SendResult{}, errors.New("late"))
		assert.ErrorIs(t, err, contracts.ErrUnknownToken)

		_, err = f.GetTimeout(time.Second)
		assert.NoError(t, err)
	})
}

func TestBridge_DispatchFailure(t *testing.T) {
	cause := errors.New("no route")
	b := newBridge(t, &recordingDispatcher{err: cause})

	f, err := b.Initiate(context.Background(), contracts.NewTopicBytesMessage("orders", nil), nil)
	require.NoError(t, err)
	require.True(t, f.IsDone())

	_, err = f.GetTimeout(time.Second)
	assert.ErrorIs(t, err, contracts.ErrRuntime)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, b.Pending())
}

func TestBridge_LocalErrors(t *testing.T) {
	d := &recordingDispatcher{}
	b := newBridge(t, d)

	_, err := b.Initiate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, contracts.ErrMessageFormat)

	_, err = b.Initiate(context.Background(), &contracts.Message{}, nil)
	assert.ErrorIs(t, err, contracts.ErrMessageFormat)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Initiate(ctx, contracts.NewTopicBytesMessage("orders", nil), nil)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, d.tokens)

	_, err = bridge.New(nil)
	assert.Error(t, err)
}

func TestBridge_MaxPending(t *testing.T) {
	d := &recordingDispatcher{}
	b := newBridge(t, d, bridge.WithMaxPending(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Initiate(ctx, contracts.NewTopicBytesMessage("orders", nil), nil)
		require.NoError(t, err)
	}
	_, err := b.Initiate(ctx, contracts.NewTopicBytesMessage("orders", nil), nil)
	assert.ErrorIs(t, err, bridge.ErrTooManyPending)
	assert.ErrorIs(t, err, contracts.ErrRuntime)

	token, _ := d.last()
	require.NoError(t, b.OnComplete(token, contracts.SendResult{}, nil))
	_, err = b.Initiate(ctx, contracts.NewTopicBytesMessage("orders", nil), nil)
	assert.NoError(t, err)
}

func TestBridge_TokensAreUnique(t *testing.T) {
	d := &recordingDispatcher{}
	b := newBridge(t, d, bridge.WithMaxPending(0))

	for i := 0; i < 100; i++ {
		_, err := b.Initiate(context.Background(), contracts.NewTopicBytesMessage("orders", nil), nil)
		require.NoError(t, err)
	}
	seen := make(map[correlation.Token]bool)
	for i, token := range d.tokens {
		assert.False(t, seen[token])
		seen[token] = true
		if i > 0 {
			assert.Greater(t, uint64(token), uint64(d.tokens[i-1]))
		}
	}
}

func TestBridge_Close(t *testing.T) {
	d := &recordingDispatcher{}
	b := newBridge(t, d)

	f, err := b.Initiate(context.Background(), contracts.NewTopicBytesMessage("orders", nil), nil)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = f.GetTimeout(time.Second)
	assert.ErrorIs(t, err, contracts.ErrRuntime)
	assert.Equal(t, 0, b.Pending())

	_, err = b.Initiate(context.Background(), contracts.NewTopicBytesMessage("orders", nil), nil)
	assert.ErrorIs(t, err, contracts.ErrIllegalState)

	token, _ := d.last()
	assert.ErrorIs(t, b.OnComplete(token, contracts.SendResult{}, nil), contracts.ErrUnknownToken)
}

func newMemoryProducer(t *testing.T, tr *memory.Transport) *messaging.Producer {
	t.Helper()
	p := messaging.NewProducer(tr, messaging.WithProducerLogger(quiet))
	require.NoError(t, p.Startup(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestBridge_RoundTripThroughProducer(t *testing.T) {
	tr := memory.New(memory.WithLogger(quiet))
	p := newMemoryProducer(t, tr)

	var b *bridge.Bridge
	adaptor, err := bridge.NewProducerAdaptor(p, func(opaque int64, f *future.Future[contracts.SendResult]) {
		result, err, _ := f.Result()
		if cerr := b.OnComplete(correlation.Token(opaque), result, err); cerr != nil {
			t.Errorf("completion for %d: %v", opaque, cerr)
		}
	}, bridge.WithAdaptorLogger(quiet))
	require.NoError(t, err)

	b = newBridge(t, bridge.DispatcherFunc(func(token correlation.Token, msg *contracts.Message, props contracts.Properties) error {
		return adaptor.SendAsync(context.Background(), int64(token), msg, props)
	}), bridge.WithMaxPending(2000))

	const n = 1000
	ids := make([]string, n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			f, err := b.Initiate(ctx, contracts.NewTopicBytesMessage("orders", []byte(fmt.Sprint(i))), nil)
			if err != nil {
				return err
			}
			result, err := f.Get(ctx)
			if err != nil {
				return err
			}
			ids[i] = result.MessageID()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, n, tr.Count())
	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestBridge_RoundTripFailure(t *testing.T) {
	cause := errors.New("broker refused")
	tr := memory.New(memory.WithLogger(quiet), memory.WithFault(func(*contracts.Message) error { return cause }))
	p := newMemoryProducer(t, tr)

	var b *bridge.Bridge
	adaptor, err := bridge.NewProducerAdaptor(p, func(opaque int64, f *future.Future[contracts.SendResult]) {
		result, err, _ := f.Result()
		_ = b.OnComplete(correlation.Token(opaque), result, err)
	})
	require.NoError(t, err)
	b = newBridge(t, bridge.DispatcherFunc(func(token correlation.Token, msg *contracts.Message, props contracts.Properties) error {
		return adaptor.SendAsync(context.Background(), int64(token), msg, props)
	}))

	f, err := b.Initiate(context.Background(), contracts.NewQueueBytesMessage("jobs", nil), nil)
	require.NoError(t, err)
	_, err = f.GetTimeout(time.Second)
	assert.ErrorIs(t, err, contracts.ErrRuntime)
	assert.ErrorIs(t, err, cause)
}

func TestProducerAdaptor(t *testing.T) {
	ctx := context.Background()
	tr := memory.New(memory.WithLogger(quiet))
	p := newMemoryProducer(t, tr)

	t.Run("requires a sender and a callback", func(t *testing.T) {
		_, err := bridge.NewProducerAdaptor(nil, func(int64, *future.Future[contracts.SendResult]) {})
		assert.Error(t, err)
		_, err = bridge.NewProducerAdaptor(p, nil)
		assert.Error(t, err)
	})

	t.Run("callback carries the opaque value", func(t *testing.T) {
		got := make(chan int64, 1)
		a, err := bridge.NewProducerAdaptor(p, func(opaque int64, f *future.Future[contracts.SendResult]) {
			got <- opaque
		})
		require.NoError(t, err)

		require.NoError(t, a.SendAsync(ctx, 42, a.CreateTopicBytesMessage("orders", nil), nil))
		select {
		case opaque := <-got:
			assert.Equal(t, int64(42), opaque)
		case <-time.After(time.Second):
			t.Fatal("callback not invoked")
		}
	})

	t.Run("panicking callback is contained", func(t *testing.T) {
		calls := make(chan struct{}, 2)
		a, err := bridge.NewProducerAdaptor(p, func(int64, *future.Future[contracts.SendResult]) {
			calls <- struct{}{}
			panic("foreign side crashed")
		}, bridge.WithAdaptorLogger(quiet))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			require.NoError(t, a.SendAsync(ctx, int64(i), a.CreateQueueBytesMessage("jobs", nil), nil))
			select {
			case <-calls:
			case <-time.After(time.Second):
				t.Fatal("callback not invoked")
			}
		}
	})

	t.Run("local errors are returned and skip the callback", func(t *testing.T) {
		a, err := bridge.NewProducerAdaptor(p, func(int64, *future.Future[contracts.SendResult]) {
			t.Error("callback must not run")
		})
		require.NoError(t, err)
		assert.ErrorIs(t, a.SendAsync(ctx, 1, &contracts.Message{}, nil), contracts.ErrMessageFormat)
	})

	t.Run("forwards sync and oneway sends", func(t *testing.T) {
		a, err := bridge.NewProducerAdaptor(p, func(int64, *future.Future[contracts.SendResult]) {})
		require.NoError(t, err)

		result, err := a.Send(ctx, a.CreateTopicBytesMessage("audit", []byte("s")), nil)
		require.NoError(t, err)
		assert.Equal(t, "audit", result.Destination())
		require.NoError(t, a.SendOneway(ctx, a.CreateTopicBytesMessage("audit", []byte("o")), nil))
		assert.Len(t, tr.Delivered("audit"), 2)
		assert.Equal(t, p.ID(), a.Attributes()[contracts.PropertyProducerID])
	})

	t.Run("forwards the full producer surface", func(t *testing.T) {
		tr := memory.New(memory.WithLogger(quiet))
		p := messaging.NewProducer(tr, messaging.WithProducerLogger(quiet))
		a, err := bridge.NewProducerAdaptor(p, func(int64, *future.Future[contracts.SendResult]) {})
		require.NoError(t, err)

		_, err = a.Send(ctx, a.CreateTopicBytesMessage("orders", nil), nil)
		assert.ErrorIs(t, err, contracts.ErrIllegalState)
		require.NoError(t, a.Startup(ctx))
		assert.Equal(t, "running", a.Attributes()["STATE"])

		var seen []string
		require.NoError(t, a.AddInterceptor(interceptors.NewHandlerFunc("seen", func(inv *interceptors.Invocation) error {
			seen = append(seen, inv.Destination())
			return nil
		}, nil)))

		commit := messaging.BranchExecutorFunc(func(context.Context, *contracts.Message, interface{}) messaging.TransactionStatus {
			return messaging.CommitTransaction
		})
		result, err := a.SendTransactional(ctx, a.CreateQueueBytesMessage("payments", []byte("t")), commit, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "payments", result.Destination())
		assert.Len(t, tr.Delivered("payments"), 1)

		b := a.Batch()
		require.NoError(t, b.Submit(a.CreateTopicBytesMessage("orders", []byte("1")), nil))
		require.NoError(t, b.Submit(a.CreateTopicBytesMessage("orders", []byte("2")), nil))
		batch, err := b.Send(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, batch.Succeeded())
		assert.Equal(t, []string{"payments", "orders", "orders"}, seen)

		require.NoError(t, a.RemoveInterceptor("seen"))
		assert.ErrorIs(t, a.RemoveInterceptor("seen"), interceptors.ErrHandlerNotFound)

		require.NoError(t, a.Shutdown(ctx))
		assert.ErrorIs(t, a.SendOneway(ctx, a.CreateTopicBytesMessage("orders", nil), nil), contracts.ErrIllegalState)
	})
}
