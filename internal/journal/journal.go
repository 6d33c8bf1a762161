// Package journal keeps a bounded in-memory record of transactional sends
// so that in-doubt transactions can be found and resolved later.
package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-oms/messaging"
)

// Entry is one recorded step of a transactional send
type Entry struct {
	ID            string                    `json:"id"`
	Timestamp     time.Time                 `json:"timestamp"`
	TransactionID string                    `json:"transactionId,omitempty"`
	MessageID     string                    `json:"messageId"`
	Destination   string                    `json:"destination"`
	Step          messaging.TransactionStep `json:"step"`
	Status        string                    `json:"status"`
	Duration      time.Duration             `json:"duration"`
	Error         string                    `json:"error,omitempty"`
}

// Stats summarizes the journal
type Stats struct {
	TotalEntries    int64                               `json:"totalEntries"`
	EntriesByStep   map[messaging.TransactionStep]int64 `json:"entriesByStep"`
	InDoubt         int                                 `json:"inDoubt"`
	AverageDuration time.Duration                       `json:"averageDuration"`
	LastEntry       time.Time                           `json:"lastEntry"`
}

// Journal is an in-memory transaction journal. It implements
// messaging.TransactionObserver.
type Journal struct {
	mu              sync.RWMutex
	entries         []*Entry
	byMessageID     map[string][]*Entry
	byTransactionID map[string][]*Entry
	maxEntries      int
	rotatePercent   float64
}

// Option configures the journal
type Option func(*Journal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) Option {
	return func(j *Journal) {
		j.maxEntries = max
	}
}

// WithRotatePercent sets the share of entries dropped when max is reached
func WithRotatePercent(percent float64) Option {
	return func(j *Journal) {
		j.rotatePercent = percent
	}
}

// New creates an empty journal
func New(opts ...Option) *Journal {
	j := &Journal{
		byMessageID:     make(map[string][]*Entry),
		byTransactionID: make(map[string][]*Entry),
		maxEntries:      10000,
		rotatePercent:   0.2,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ObserveTransaction records event
func (j *Journal) ObserveTransaction(ctx context.Context, event messaging.TransactionEvent) {
	entry := &Entry{
		Timestamp:     event.Timestamp,
		TransactionID: event.TransactionID,
		MessageID:     event.MessageID,
		Destination:   event.Destination,
		Step:          event.Step,
		Status:        event.Status.String(),
		Duration:      event.Duration,
	}
	if event.Err != nil {
		entry.Error = event.Err.Error()
	}
	_ = j.Record(ctx, entry)
}

// Record appends entry, dropping the oldest entries when full
func (j *Journal) Record(_ context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}
	j.entries = append(j.entries, entry)
	j.index(entry)
	return nil
}

// MarkResolved records the outcome of an in-doubt transaction settled out
// of band, for example through a backend's ResolveTransaction
func (j *Journal) MarkResolved(ctx context.Context, transactionID string, commit bool) error {
	j.mu.RLock()
	entries := j.byTransactionID[transactionID]
	j.mu.RUnlock()
	if len(entries) == 0 {
		return fmt.Errorf("unknown transaction %s", transactionID)
	}

	step := messaging.StepRolledBack
	if commit {
		step = messaging.StepCommitted
	}
	first := entries[0]
	return j.Record(ctx, &Entry{
		TransactionID: transactionID,
		MessageID:     first.MessageID,
		Destination:   first.Destination,
		Step:          step,
		Status:        "resolved",
	})
}

// ByMessageID returns copies of the entries for a message, oldest first
func (j *Journal) ByMessageID(messageID string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyEntries(j.byMessageID[messageID])
}

// ByTransactionID returns copies of the entries for a transaction, oldest first
func (j *Journal) ByTransactionID(transactionID string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyEntries(j.byTransactionID[transactionID])
}

// ByTimeRange returns the entries recorded in [start, end)
func (j *Journal) ByTimeRange(start, end time.Time) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Entry
	for _, e := range j.entries {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			out = append(out, *e)
		}
	}
	return out
}

// InDoubt returns the ids of transactions whose latest step left the
// message undecided, sorted
func (j *Journal) InDoubt() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inDoubtLocked()
}

func (j *Journal) inDoubtLocked() []string {
	var ids []string
	for id, entries := range j.byTransactionID {
		last := entries[len(entries)-1]
		switch last.Step {
		case messaging.StepAbandoned:
			ids = append(ids, id)
		case messaging.StepFailed:
			// a failed rollback leaves the provisional message behind
			if last.Status == messaging.RollbackTransaction.String() {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats returns journal statistics
func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := Stats{
		TotalEntries:  int64(len(j.entries)),
		EntriesByStep: make(map[messaging.TransactionStep]int64),
		InDoubt:       len(j.inDoubtLocked()),
	}
	var total time.Duration
	for _, e := range j.entries {
		stats.EntriesByStep[e.Step]++
		total += e.Duration
		if e.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = e.Timestamp
		}
	}
	if len(j.entries) > 0 {
		stats.AverageDuration = total / time.Duration(len(j.entries))
	}
	return stats
}

// Clear removes entries older than olderThan and returns how many were removed
func (j *Journal) Clear(olderThan time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := make([]*Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(j.entries) - len(kept)
	j.entries = kept
	j.rebuildIndexes()
	return removed
}

func (j *Journal) rotate() {
	n := int(float64(j.maxEntries) * j.rotatePercent)
	if n < 1 {
		n = 1
	}
	if n > len(j.entries) {
		n = len(j.entries)
	}
	j.entries = j.entries[n:]
	j.rebuildIndexes()
}

func (j *Journal) index(e *Entry) {
	if e.MessageID != "" {
		j.byMessageID[e.MessageID] = append(j.byMessageID[e.MessageID], e)
	}
	if e.TransactionID != "" {
		j.byTransactionID[e.TransactionID] = append(j.byTransactionID[e.TransactionID], e)
	}
}

func (j *Journal) rebuildIndexes() {
	j.byMessageID = make(map[string][]*Entry)
	j.byTransactionID = make(map[string][]*Entry)
	for _, e := range j.entries {
		j.index(e)
	}
}

func copyEntries(entries []*Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}
