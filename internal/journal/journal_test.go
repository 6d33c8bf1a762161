package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports/memory"
)

func statusExecutor(status messaging.TransactionStatus) messaging.LocalTransactionBranchExecutor {
	return messaging.BranchExecutorFunc(func(context.Context, *contracts.Message, interface{}) messaging.TransactionStatus {
		return status
	})
}

func steps(entries []Entry) []messaging.TransactionStep {
	out := make([]messaging.TransactionStep, len(entries))
	for i, e := range entries {
		out[i] = e.Step
	}
	return out
}

func TestJournal_ObservesProducer(t *testing.T) {
	ctx := context.Background()
	j := New()
	tr := memory.New()
	p := messaging.NewProducer(tr, messaging.WithTransactionObserver(j))
	require.NoError(t, p.Startup(ctx))
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	send := func(status messaging.TransactionStatus) contracts.SendResult {
		msg := p.CreateTopicBytesMessage("orders", []byte(status.String()))
		result, _ := p.SendTransactional(ctx, msg, statusExecutor(status), nil, nil)
		return result
	}

	committed := send(messaging.CommitTransaction)
	send(messaging.RollbackTransaction)
	send(messaging.Unknown)

	t.Run("steps per transaction", func(t *testing.T) {
		entries := j.ByMessageID(committed.MessageID())
		assert.Equal(t, []messaging.TransactionStep{messaging.StepPrepared, messaging.StepCommitted}, steps(entries))
		assert.Equal(t, "orders", entries[0].Destination)
		assert.Equal(t, "commit", entries[1].Status)
		assert.Equal(t, entries[0].TransactionID, entries[1].TransactionID)
		assert.NotEmpty(t, entries[0].TransactionID)
	})

	t.Run("stats", func(t *testing.T) {
		stats := j.Stats()
		assert.Equal(t, int64(6), stats.TotalEntries)
		assert.Equal(t, int64(3), stats.EntriesByStep[messaging.StepPrepared])
		assert.Equal(t, int64(1), stats.EntriesByStep[messaging.StepCommitted])
		assert.Equal(t, int64(1), stats.EntriesByStep[messaging.StepRolledBack])
		assert.Equal(t, int64(1), stats.EntriesByStep[messaging.StepAbandoned])
		assert.Equal(t, 1, stats.InDoubt)
		assert.False(t, stats.LastEntry.IsZero())
	})

	t.Run("in-doubt transaction resolved out of band", func(t *testing.T) {
		inDoubt := j.InDoubt()
		require.Len(t, inDoubt, 1)
		assert.Equal(t, tr.Provisional(), inDoubt)

		_, err := tr.ResolveTransaction(inDoubt[0], true)
		require.NoError(t, err)
		require.NoError(t, j.MarkResolved(ctx, inDoubt[0], true))

		assert.Empty(t, j.InDoubt())
		assert.Equal(t, messaging.StepCommitted, steps(j.ByTransactionID(inDoubt[0]))[2])
		assert.Len(t, tr.Delivered("orders"), 2)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		assert.Error(t, j.MarkResolved(ctx, "missing", true))
	})
}

func TestJournal_FailedSteps(t *testing.T) {
	ctx := context.Background()
	j := New()

	j.ObserveTransaction(ctx, messaging.TransactionEvent{
		MessageID: "m1", Destination: "orders", Step: messaging.StepFailed, Status: messaging.Unknown, Err: errors.New("prepare refused"),
	})
	j.ObserveTransaction(ctx, messaging.TransactionEvent{
		TransactionID: "tx-2", MessageID: "m2", Step: messaging.StepPrepared, Status: messaging.Unknown,
	})
	j.ObserveTransaction(ctx, messaging.TransactionEvent{
		TransactionID: "tx-2", MessageID: "m2", Step: messaging.StepFailed, Status: messaging.RollbackTransaction, Err: errors.New("broker gone"),
	})
	j.ObserveTransaction(ctx, messaging.TransactionEvent{
		TransactionID: "tx-3", MessageID: "m3", Step: messaging.StepPrepared, Status: messaging.Unknown,
	})
	j.ObserveTransaction(ctx, messaging.TransactionEvent{
		TransactionID: "tx-3", MessageID: "m3", Step: messaging.StepFailed, Status: messaging.CommitTransaction, Err: errors.New("commit failed"),
	})

	entries := j.ByMessageID("m1")
	require.Len(t, entries, 1)
	assert.Equal(t, "prepare refused", entries[0].Error)
	assert.Empty(t, entries[0].TransactionID)
	assert.False(t, entries[0].Timestamp.IsZero())

	assert.Equal(t, []string{"tx-2"}, j.InDoubt())
}

func TestJournal_Rotation(t *testing.T) {
	ctx := context.Background()
	j := New(WithMaxEntries(10), WithRotatePercent(0.5))

	for i := 0; i < 12; i++ {
		require.NoError(t, j.Record(ctx, &Entry{MessageID: fmt.Sprintf("m%d", i), Step: messaging.StepPrepared}))
	}
	// the 11th record drops m0..m4
	assert.Equal(t, int64(7), j.Stats().TotalEntries)
	assert.Empty(t, j.ByMessageID("m4"))
	assert.Len(t, j.ByMessageID("m5"), 1)
	assert.Len(t, j.ByMessageID("m11"), 1)

	assert.Error(t, j.Record(ctx, nil))
}

func TestJournal_Clear(t *testing.T) {
	ctx := context.Background()
	j := New()
	require.NoError(t, j.Record(ctx, &Entry{MessageID: "old", Timestamp: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, j.Record(ctx, &Entry{MessageID: "new"}))

	assert.Equal(t, 1, j.Clear(time.Hour))
	assert.Empty(t, j.ByMessageID("old"))
	assert.Len(t, j.ByMessageID("new"), 1)
	assert.Len(t, j.ByTimeRange(time.Now().Add(-time.Minute), time.Now().Add(time.Minute)), 1)
}
