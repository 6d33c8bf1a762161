package interceptors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler appends "pre:name" and "post:name" to a shared log
type recordingHandler struct {
	name    string
	log     *[]string
	mu      *sync.Mutex
	preErr  error
	doPanic bool
}

func newRecordingHandler(name string, log *[]string, mu *sync.Mutex) *recordingHandler {
	return &recordingHandler{name: name, log: log, mu: mu}
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) PreHandle(inv *Invocation) error {
	h.mu.Lock()
	*h.log = append(*h.log, fmt.Sprintf("pre:%s", h.name))
	h.mu.Unlock()
	if h.doPanic {
		panic("boom")
	}
	return h.preErr
}

func (h *recordingHandler) PostHandle(inv *Invocation) {
	h.mu.Lock()
	*h.log = append(*h.log, fmt.Sprintf("post:%s", h.name))
	h.mu.Unlock()
}

func newTestInvocation() *Invocation {
	msg := contracts.NewTopicBytesMessage("orders", []byte("body"))
	msg.Stamp(time.Now())
	return NewInvocation(context.Background(), msg, nil, ModeSync)
}

func TestPipeline_Ordering(t *testing.T) {
	var log []string
	var mu sync.Mutex
	p := NewPipeline(nil)

	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, p.AddLast(name, newRecordingHandler(name, &log, &mu)))
	}

	chain := p.Snapshot()
	inv := newTestInvocation()
	entered, err := chain.PreHandle(inv)
	require.NoError(t, err)
	assert.Equal(t, 3, entered)
	chain.PostHandle(inv, entered)

	assert.Equal(t, []string{"pre:A", "pre:B", "pre:C", "post:C", "post:B", "post:A"}, log)
}

func TestPipeline_PreHandleFailure(t *testing.T) {
	t.Run("post runs only for entered handlers", func(t *testing.T) {
		var log []string
		var mu sync.Mutex
		p := NewPipeline(nil)
		failing := newRecordingHandler("B", &log, &mu)
		failing.preErr = errors.New("rejected")

		require.NoError(t, p.AddLast("A", newRecordingHandler("A", &log, &mu)))
		require.NoError(t, p.AddLast("B", failing))
		require.NoError(t, p.AddLast("C", newRecordingHandler("C", &log, &mu)))

		chain := p.Snapshot()
		inv := newTestInvocation()
		entered, err := chain.PreHandle(inv)
		assert.EqualError(t, err, "rejected")
		assert.Equal(t, 1, entered)

		inv.Err = err
		chain.PostHandle(inv, entered)
		assert.Equal(t, []string{"pre:A", "pre:B", "post:A"}, log)
	})

	t.Run("panic in pre-handle becomes a runtime error", func(t *testing.T) {
		var log []string
		var mu sync.Mutex
		p := NewPipeline(nil)
		panicking := newRecordingHandler("A", &log, &mu)
		panicking.doPanic = true
		require.NoError(t, p.AddLast("A", panicking))

		entered, err := p.Snapshot().PreHandle(newTestInvocation())
		assert.ErrorIs(t, err, contracts.ErrRuntime)
		assert.Equal(t, 0, entered)
	})

	t.Run("panic in post-handle is contained", func(t *testing.T) {
		p := NewPipeline(nil)
		var ran bool
		require.NoError(t, p.AddLast("first", NewHandlerFunc("first", nil, func(*Invocation) { ran = true })))
		require.NoError(t, p.AddLast("second", NewHandlerFunc("second", nil, func(*Invocation) { panic("post") })))

		chain := p.Snapshot()
		inv := newTestInvocation()
		entered, err := chain.PreHandle(inv)
		require.NoError(t, err)
		assert.NotPanics(t, func() { chain.PostHandle(inv, entered) })
		assert.True(t, ran)
	})
}

func TestPipeline_Mutation(t *testing.T) {
	h := NewHandlerFunc("h", nil, nil)

	t.Run("add at index", func(t *testing.T) {
		p := NewPipeline(nil)
		require.NoError(t, p.AddLast("a", h))
		require.NoError(t, p.AddLast("c", h))
		require.NoError(t, p.Add(1, "b", h))
		require.NoError(t, p.Add(0, "first", h))
		require.NoError(t, p.Add(4, "last", h))

		assert.Equal(t, []string{"first", "a", "b", "c", "last"}, p.Names())
	})

	t.Run("index out of range", func(t *testing.T) {
		p := NewPipeline(nil)
		require.NoError(t, p.AddLast("a", h))

		assert.ErrorIs(t, p.Add(-1, "x", h), contracts.ErrIndexOutOfRange)
		assert.ErrorIs(t, p.Add(2, "x", h), contracts.ErrIndexOutOfRange)
		assert.Equal(t, 1, p.Len())
	})

	t.Run("names are unique", func(t *testing.T) {
		p := NewPipeline(nil)
		require.NoError(t, p.AddLast("a", h))

		assert.ErrorIs(t, p.AddLast("a", h), ErrDuplicateName)
		assert.ErrorIs(t, p.Add(0, "a", h), ErrDuplicateName)
	})

	t.Run("invalid handlers are rejected", func(t *testing.T) {
		p := NewPipeline(nil)

		assert.ErrorIs(t, p.AddLast("", h), ErrInvalidHandler)
		assert.ErrorIs(t, p.AddLast("nil", nil), ErrInvalidHandler)
	})

	t.Run("remove", func(t *testing.T) {
		p := NewPipeline(nil)
		require.NoError(t, p.AddLast("a", h))
		require.NoError(t, p.AddLast("b", h))

		require.NoError(t, p.Remove("a"))
		assert.Equal(t, []string{"b"}, p.Names())
		assert.ErrorIs(t, p.Remove("a"), ErrHandlerNotFound)

		got, ok := p.Get("b")
		assert.True(t, ok)
		assert.Same(t, h, got)
	})

	t.Run("snapshot is not affected by later mutation", func(t *testing.T) {
		var log []string
		var mu sync.Mutex
		p := NewPipeline(nil)
		require.NoError(t, p.AddLast("A", newRecordingHandler("A", &log, &mu)))

		chain := p.Snapshot()
		require.NoError(t, p.AddLast("B", newRecordingHandler("B", &log, &mu)))
		require.NoError(t, p.Remove("A"))

		inv := newTestInvocation()
		entered, err := chain.PreHandle(inv)
		require.NoError(t, err)
		chain.PostHandle(inv, entered)

		assert.Equal(t, []string{"pre:A", "post:A"}, log)
		assert.Equal(t, []string{"B"}, p.Names())
	})

	t.Run("concurrent mutation and snapshots", func(t *testing.T) {
		p := NewPipeline(nil)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, p.AddLast(fmt.Sprintf("h%d", i), h))
			}(i)
			go func() {
				defer wg.Done()
				chain := p.Snapshot()
				_, err := chain.PreHandle(newTestInvocation())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, p.Len())
	})
}

func TestInvocation(t *testing.T) {
	inv := newTestInvocation()

	inv.Set("key", "value")
	v, ok := inv.GetString("key")
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	inv.Set("n", 1)
	_, ok = inv.GetString("n")
	assert.False(t, ok)

	inv.Delete("key")
	_, ok = inv.Get("key")
	assert.False(t, ok)

	type ctxKey struct{}
	inv.SetContext(context.WithValue(context.Background(), ctxKey{}, "x"))
	assert.Equal(t, "x", inv.Context().Value(ctxKey{}))
	inv.SetContext(nil)
	assert.Equal(t, "x", inv.Context().Value(ctxKey{}))

	assert.Equal(t, "orders", inv.Destination())
	assert.NotEmpty(t, inv.MessageID())
	assert.Equal(t, "sync", inv.Mode.String())
}
