package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/interceptors"
)

// BatchState is the lifecycle state of a BatchSender
type BatchState int

const (
	BatchOpen BatchState = iota
	BatchSent
	BatchDiscarded
)

func (s BatchState) String() string {
	switch s {
	case BatchOpen:
		return "open"
	case BatchSent:
		return "sent"
	case BatchDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// BatchOutcome is the result of one message in a batch: either Result or Err
type BatchOutcome struct {
	Result contracts.SendResult
	Err    error
}

// BatchResult holds one outcome per submitted message, in submission order
type BatchResult struct {
	Outcomes []BatchOutcome
}

// Len returns the number of outcomes
func (r *BatchResult) Len() int {
	return len(r.Outcomes)
}

// Succeeded returns the number of delivered messages
func (r *BatchResult) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of messages that were not delivered
func (r *BatchResult) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// FirstError returns the first per-message error, if any
func (r *BatchResult) FirstError() error {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// BatchSender accumulates messages and sends them together. It is single
// use: after Send or Discard every call fails with ErrIllegalState.
type BatchSender struct {
	producer *Producer

	mu    sync.Mutex
	state BatchState
	msgs  []*contracts.Message
	props []contracts.Properties
}

func newBatchSender(p *Producer) *BatchSender {
	return &BatchSender{producer: p}
}

// Submit adds a copy of msg to the batch. The producer must be running.
func (b *BatchSender) Submit(msg *contracts.Message, props contracts.Properties) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BatchOpen {
		return contracts.NewOperationError("batch submit", "", contracts.ErrIllegalState, fmt.Errorf("batch is %s", b.state))
	}
	if err := b.producer.checkRunning("batch submit"); err != nil {
		return err
	}
	m, props, err := b.producer.stage(msg, props)
	if err != nil {
		return err
	}
	b.msgs = append(b.msgs, m)
	b.props = append(b.props, props)
	return nil
}

// Len returns the number of submitted messages
func (b *BatchSender) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// State returns the sender state
func (b *BatchSender) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Send delivers the submitted messages under the producer's batch policy.
// The result always has one outcome per message. A non-nil error means the
// batch as a whole failed: it was not open, the producer is not running,
// the transport cannot honour the policy, or an atomic batch was refused.
// When the producer is not running the sender stays open with its messages
// so the caller can retry or discard them.
func (b *BatchSender) Send(ctx context.Context) (*BatchResult, error) {
	b.mu.Lock()
	if b.state != BatchOpen {
		state := b.state
		b.mu.Unlock()
		return &BatchResult{}, contracts.NewOperationError("batch send", "", contracts.ErrIllegalState, fmt.Errorf("batch is %s", state))
	}
	if err := b.producer.enter("batch send"); err != nil {
		result := &BatchResult{Outcomes: make([]BatchOutcome, len(b.msgs))}
		for i := range result.Outcomes {
			result.Outcomes[i] = BatchOutcome{Err: err}
		}
		b.mu.Unlock()
		return result, err
	}
	defer b.producer.wg.Done()

	b.state = BatchSent
	msgs, props := b.msgs, b.props
	b.msgs, b.props = nil, nil
	b.mu.Unlock()

	return b.producer.sendBatch(ctx, msgs, props)
}

// Discard drops every submitted message
func (b *BatchSender) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BatchOpen {
		return contracts.NewOperationError("batch discard", "", contracts.ErrIllegalState, fmt.Errorf("batch is %s", b.state))
	}
	b.state = BatchDiscarded
	b.msgs, b.props = nil, nil
	return nil
}

// batchTimeout is the longest per-message timeout among the accepted calls,
// so an OPERATION_TIMEOUT property can extend the batch deadline. Zero means
// no deadline.
func batchTimeout(p *Producer, calls []*call, accepted []int) time.Duration {
	var d time.Duration
	for _, i := range accepted {
		t := p.timeoutFor(calls[i].inv)
		if t <= 0 {
			return 0
		}
		if t > d {
			d = t
		}
	}
	return d
}

func failAll(result *BatchResult, idx []int, err error) {
	for _, i := range idx {
		result.Outcomes[i] = BatchOutcome{Err: err}
	}
}

// sendBatch runs inside an operation registered by enter
func (p *Producer) sendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) (*BatchResult, error) {
	result := &BatchResult{Outcomes: make([]BatchOutcome, len(msgs))}
	if len(msgs) == 0 {
		return result, nil
	}

	atomicTransport, canAtomic := p.transport.(AtomicBatchTransport)
	if p.batchPolicy == BatchAtomic && !canAtomic {
		err := contracts.NewOperationError("batch send", "", contracts.ErrUnsupported,
			fmt.Errorf("transport %T cannot send atomic batches", p.transport))
		for i := range result.Outcomes {
			result.Outcomes[i] = BatchOutcome{Err: err}
		}
		return result, err
	}

	// Run the pre-handlers per message. Rejected messages get their own
	// outcome; an atomic batch is refused as a whole.
	calls := make([]*call, len(msgs))
	var accepted []int
	for i, m := range msgs {
		c, err := p.intercept(ctx, m, props[i], interceptors.ModeBatch)
		if err != nil {
			result.Outcomes[i] = BatchOutcome{Err: err}
			continue
		}
		calls[i] = c
		accepted = append(accepted, i)
	}

	finish := func() {
		for _, i := range accepted {
			calls[i].finish(result.Outcomes[i].Result, result.Outcomes[i].Err)
		}
	}

	if p.batchPolicy == BatchAtomic && len(accepted) < len(msgs) {
		err := contracts.NewOperationError("batch send", "", contracts.ErrMessageFormat,
			fmt.Errorf("%d of %d messages rejected before sending", len(msgs)-len(accepted), len(msgs)))
		for i := range result.Outcomes {
			if result.Outcomes[i].Err == nil {
				result.Outcomes[i] = BatchOutcome{Err: err}
			}
		}
		finish()
		return result, err
	}

	sendMsgs := make([]*contracts.Message, len(accepted))
	sendProps := make([]contracts.Properties, len(accepted))
	for j, i := range accepted {
		sendMsgs[j] = calls[i].inv.Message
		sendProps[j] = calls[i].inv.Properties
	}

	sctx, cancel := withTimeout(ctx, batchTimeout(p, calls, accepted))
	defer cancel()

	var batchErr error
	switch {
	case p.batchPolicy == BatchAtomic:
		results, err := atomicTransport.SendBatchAtomic(sctx, sendMsgs, sendProps)
		if err == nil && len(results) != len(sendMsgs) {
			err = fmt.Errorf("transport returned %d results for %d messages", len(results), len(sendMsgs))
		}
		if err != nil {
			batchErr = contracts.Classify("batch send", "", err)
			failAll(result, accepted, batchErr)
			break
		}
		for j, i := range accepted {
			result.Outcomes[i] = BatchOutcome{Result: receipt(results[j], sendMsgs[j])}
		}

	default:
		p.sendBestEffort(sctx, result, accepted, calls, sendMsgs, sendProps)
	}

	finish()
	p.logger.Debug("batch sent",
		"messages", len(msgs),
		"succeeded", result.Succeeded(),
		"policy", p.batchPolicy.String(),
	)
	return result, batchErr
}

func (p *Producer) sendBestEffort(ctx context.Context, result *BatchResult, accepted []int, calls []*call,
	msgs []*contracts.Message, props []contracts.Properties) {

	if bt, ok := p.transport.(BatchTransport); ok {
		results, errs := bt.SendBatch(ctx, msgs, props)
		for j, i := range accepted {
			var err error
			if j < len(errs) {
				err = errs[j]
			}
			if err == nil && j >= len(results) {
				err = fmt.Errorf("transport returned no result for message %d", j)
			}
			if err != nil {
				result.Outcomes[i] = BatchOutcome{Err: contracts.Classify("batch send", msgs[j].ID(), err)}
				continue
			}
			result.Outcomes[i] = BatchOutcome{Result: receipt(results[j], msgs[j])}
		}
		return
	}

	for _, i := range accepted {
		r, err := p.sendSync(ctx, calls[i].inv)
		result.Outcomes[i] = BatchOutcome{Result: r, Err: err}
	}
}
