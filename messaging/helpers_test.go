package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockTransport is a testify mock of the required capability
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	args := m.Called(ctx, msg, props)
	return args.Get(0).(contracts.SendResult), args.Error(1)
}

func (m *mockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

// fakeTransport records delivered messages. fail, when set, decides per
// message whether the broker refuses it.
type fakeTransport struct {
	mu        sync.Mutex
	delivered []*contracts.Message
	closed    bool
	fail      func(msg *contracts.Message) error
	block     bool
}

func (f *fakeTransport) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	if f.block {
		<-ctx.Done()
		return contracts.SendResult{}, ctx.Err()
	}
	if f.fail != nil {
		if err := f.fail(msg); err != nil {
			return contracts.SendResult{}, err
		}
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, msg)
	offset := len(f.delivered) - 1
	f.mu.Unlock()

	md := map[string]string{"offset": strconv.Itoa(offset)}
	if seq, ok := msg.Properties.Get("seq"); ok {
		md["seq"] = seq
	}
	return contracts.NewSendResult(msg.ID(), msg.Destination(), md), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Delivered() []*contracts.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*contracts.Message, len(f.delivered))
	copy(out, f.delivered)
	return out
}

// asyncFake completes every send on its own goroutine. With hold set it
// never completes.
type asyncFake struct {
	*fakeTransport
	dispatchErr error
	hold        bool
}

func (a *asyncFake) SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties,
	token correlation.Token, completer Completer) error {
	if a.dispatchErr != nil {
		return a.dispatchErr
	}
	if a.hold {
		return nil
	}
	go func() {
		result, err := a.Send(ctx, msg, props)
		_ = completer.Complete(token, result, err)
	}()
	return nil
}

// batchFake sends batches message by message
type batchFake struct {
	*fakeTransport
	batches int
}

func (b *batchFake) SendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, []error) {
	b.batches++
	results := make([]contracts.SendResult, len(msgs))
	errs := make([]error, len(msgs))
	for i, m := range msgs {
		results[i], errs[i] = b.Send(ctx, m, props[i])
	}
	return results, errs
}

// atomicFake delivers all messages or none
type atomicFake struct {
	*fakeTransport
	refuse error
}

func (a *atomicFake) SendBatchAtomic(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, error) {
	if a.refuse != nil {
		return nil, a.refuse
	}
	results := make([]contracts.SendResult, len(msgs))
	for i, m := range msgs {
		r, err := a.Send(ctx, m, props[i])
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

// mockHandle is a testify mock of a provisional message
type mockHandle struct {
	mock.Mock
}

func (h *mockHandle) ID() string { return "tx-1" }

func (h *mockHandle) Commit(ctx context.Context) (contracts.SendResult, error) {
	args := h.Called(ctx)
	return args.Get(0).(contracts.SendResult), args.Error(1)
}

func (h *mockHandle) Rollback(ctx context.Context) error {
	return h.Called(ctx).Error(0)
}

func (h *mockHandle) Abandon(ctx context.Context) error {
	return h.Called(ctx).Error(0)
}

// txFake prepares messages through a mock handle
type txFake struct {
	*fakeTransport
	handle     *mockHandle
	prepareErr error
	prepared   int
}

func (t *txFake) Prepare(ctx context.Context, msg *contracts.Message, props contracts.Properties) (TransactionHandle, error) {
	if t.prepareErr != nil {
		return nil, t.prepareErr
	}
	t.prepared++
	return t.handle, nil
}

var errBroker = errors.New("broker unavailable")

func startedProducer(t *testing.T, transport Transport, opts ...ProducerOption) *Producer {
	t.Helper()
	opts = append([]ProducerOption{WithProducerLogger(testLogger)}, opts...)
	p := NewProducer(transport, opts...)
	require.NoError(t, p.Startup(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func topicMessage(body string) *contracts.Message {
	return contracts.NewTopicBytesMessage("orders", []byte(body))
}
