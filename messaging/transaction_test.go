package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-oms/contracts"
)

func newTxProducer(t *testing.T) (*Producer, *txFake) {
	t.Helper()
	tr := &txFake{fakeTransport: &fakeTransport{}, handle: &mockHandle{}}
	return startedProducer(t, tr), tr
}

func statusExecutor(status TransactionStatus, calls *int) LocalTransactionBranchExecutor {
	return BranchExecutorFunc(func(ctx context.Context, msg *contracts.Message, arg interface{}) TransactionStatus {
		*calls++
		return status
	})
}

func TestSendTransactional(t *testing.T) {
	ctx := context.Background()

	t.Run("commit makes the message visible", func(t *testing.T) {
		p, tr := newTxProducer(t)
		tr.handle.On("Commit", mock.Anything).Return(contracts.NewSendResult("", "", map[string]string{"offset": "7"}), nil).Once()

		var calls int
		var seenArg interface{}
		executor := BranchExecutorFunc(func(ctx context.Context, msg *contracts.Message, arg interface{}) TransactionStatus {
			calls++
			seenArg = arg
			assert.NotEmpty(t, msg.ID())
			return CommitTransaction
		})

		result, err := p.SendTransactional(ctx, topicMessage("a"), executor, "order-42", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, "order-42", seenArg)
		assert.NotEmpty(t, result.MessageID())
		offset, _ := result.Metadata("offset")
		assert.Equal(t, "7", offset)
		tr.handle.AssertExpectations(t)
	})

	t.Run("rollback discards the message", func(t *testing.T) {
		p, tr := newTxProducer(t)
		tr.handle.On("Rollback", mock.Anything).Return(nil).Once()

		var calls int
		result, err := p.SendTransactional(ctx, topicMessage("a"), statusExecutor(RollbackTransaction, &calls), nil, nil)
		assert.ErrorIs(t, err, contracts.ErrTransactionRolledBack)
		assert.True(t, result.IsZero())
		assert.Equal(t, 1, calls)
		tr.handle.AssertNotCalled(t, "Commit", mock.Anything)
		tr.handle.AssertExpectations(t)
	})

	t.Run("unknown status leaves the message for check-back", func(t *testing.T) {
		p, tr := newTxProducer(t)
		tr.handle.On("Abandon", mock.Anything).Return(nil).Once()

		var calls int
		_, err := p.SendTransactional(ctx, topicMessage("a"), statusExecutor(Unknown, &calls), nil, nil)
		assert.ErrorIs(t, err, contracts.ErrTransactionInDoubt)
		assert.Contains(t, err.Error(), "tx-1")
		tr.handle.AssertExpectations(t)
	})

	t.Run("panicking executor is in doubt", func(t *testing.T) {
		p, tr := newTxProducer(t)
		tr.handle.On("Abandon", mock.Anything).Return(nil).Once()

		executor := BranchExecutorFunc(func(context.Context, *contracts.Message, interface{}) TransactionStatus {
			panic("db gone")
		})
		_, err := p.SendTransactional(ctx, topicMessage("a"), executor, nil, nil)
		assert.ErrorIs(t, err, contracts.ErrTransactionInDoubt)
	})

	t.Run("prepare failure skips the executor", func(t *testing.T) {
		p, tr := newTxProducer(t)
		tr.prepareErr = errBroker

		var calls int
		_, err := p.SendTransactional(ctx, topicMessage("a"), statusExecutor(CommitTransaction, &calls), nil, nil)
		assert.ErrorIs(t, err, contracts.ErrRuntime)
		assert.Equal(t, 0, calls)
	})

	t.Run("failed commit is classified", func(t *testing.T) {
		p, tr := newTxProducer(t)
		tr.handle.On("Commit", mock.Anything).Return(contracts.SendResult{}, context.DeadlineExceeded).Once()

		var calls int
		_, err := p.SendTransactional(ctx, topicMessage("a"), statusExecutor(CommitTransaction, &calls), nil, nil)
		assert.ErrorIs(t, err, contracts.ErrTimeout)
	})

	t.Run("failed rollback is in doubt", func(t *testing.T) {
		p, tr := newTxProducer(t)
		tr.handle.On("Rollback", mock.Anything).Return(errBroker).Once()

		var calls int
		_, err := p.SendTransactional(ctx, topicMessage("a"), statusExecutor(RollbackTransaction, &calls), nil, nil)
		assert.ErrorIs(t, err, contracts.ErrTransactionInDoubt)
	})

	t.Run("nil executor", func(t *testing.T) {
		p, tr := newTxProducer(t)
		_, err := p.SendTransactional(ctx, topicMessage("a"), nil, nil, nil)
		assert.ErrorIs(t, err, contracts.ErrIllegalState)
		assert.Equal(t, 0, tr.prepared)
	})

	t.Run("non-transactional transport", func(t *testing.T) {
		p := startedProducer(t, &fakeTransport{})
		var calls int
		_, err := p.SendTransactional(ctx, topicMessage("a"), statusExecutor(CommitTransaction, &calls), nil, nil)
		assert.ErrorIs(t, err, contracts.ErrUnsupported)
		assert.Equal(t, 0, calls)

		_, err = p.SendTransactional(ctx, nil, statusExecutor(CommitTransaction, &calls), nil, nil)
		assert.ErrorIs(t, err, contracts.ErrMessageFormat)
		assert.NotErrorIs(t, err, contracts.ErrUnsupported)
	})

	t.Run("invalid message", func(t *testing.T) {
		p, tr := newTxProducer(t)
		var calls int
		_, err := p.SendTransactional(ctx, &contracts.Message{}, statusExecutor(CommitTransaction, &calls), nil, nil)
		assert.ErrorIs(t, err, contracts.ErrMessageFormat)
		assert.Equal(t, 0, tr.prepared)
	})
}

func TestTransactionStatus_String(t *testing.T) {
	assert.Equal(t, "commit", CommitTransaction.String())
	assert.Equal(t, "rollback", RollbackTransaction.String())
	assert.Equal(t, "unknown", Unknown.String())
}

type recordingObserver struct {
	events []TransactionEvent
}

func (o *recordingObserver) ObserveTransaction(_ context.Context, e TransactionEvent) {
	o.events = append(o.events, e)
}

func TestSendTransactional_Observer(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, setup func(tr *txFake), status TransactionStatus) []TransactionEvent {
		t.Helper()
		obs := &recordingObserver{}
		tr := &txFake{fakeTransport: &fakeTransport{}, handle: &mockHandle{}}
		setup(tr)
		p := startedProducer(t, tr, WithTransactionObserver(obs))
		var calls int
		_, _ = p.SendTransactional(ctx, topicMessage("a"), statusExecutor(status, &calls), nil, nil)
		return obs.events
	}
	stepsOf := func(events []TransactionEvent) []TransactionStep {
		out := make([]TransactionStep, len(events))
		for i, e := range events {
			out[i] = e.Step
		}
		return out
	}

	t.Run("commit", func(t *testing.T) {
		events := run(t, func(tr *txFake) {
			tr.handle.On("Commit", mock.Anything).Return(contracts.SendResult{}, nil).Once()
		}, CommitTransaction)
		require.Equal(t, []TransactionStep{StepPrepared, StepCommitted}, stepsOf(events))
		assert.Equal(t, "tx-1", events[0].TransactionID)
		assert.Equal(t, Unknown, events[0].Status)
		assert.Equal(t, CommitTransaction, events[1].Status)
		assert.Equal(t, "orders", events[1].Destination)
	})

	t.Run("unknown", func(t *testing.T) {
		events := run(t, func(tr *txFake) {
			tr.handle.On("Abandon", mock.Anything).Return(nil).Once()
		}, Unknown)
		assert.Equal(t, []TransactionStep{StepPrepared, StepAbandoned}, stepsOf(events))
	})

	t.Run("failed prepare", func(t *testing.T) {
		events := run(t, func(tr *txFake) { tr.prepareErr = errBroker }, CommitTransaction)
		require.Equal(t, []TransactionStep{StepFailed}, stepsOf(events))
		assert.Empty(t, events[0].TransactionID)
		assert.ErrorIs(t, events[0].Err, errBroker)
	})
}
