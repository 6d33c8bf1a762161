package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/messaging"
)

// send modes
const (
	modeSync          = "sync"
	modeAsync         = "async"
	modeOneway        = "oneway"
	modeTransactional = "transactional"
	modeBatch         = "batch"
	modeAtomic        = "atomic"
)

var modes = []string{modeSync, modeAsync, modeOneway, modeTransactional, modeBatch, modeAtomic}

// sendRequest describes one omsctl send run
type sendRequest struct {
	Topic       string
	Queue       string
	Body        string
	Count       int
	Concurrency int
	Mode        string
	Properties  contracts.Properties
	TxStatus    messaging.TransactionStatus
}

func (r sendRequest) validate() error {
	if (r.Topic == "") == (r.Queue == "") {
		return errors.New("exactly one of --topic and --queue is required")
	}
	if r.Count < 1 {
		return fmt.Errorf("count must be positive, got %d", r.Count)
	}
	for _, m := range modes {
		if r.Mode == m {
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", r.Mode)
}

// message builds the i-th message; "{i}" in the body is replaced by i
func (r sendRequest) message(p *messaging.Producer, i int) *contracts.Message {
	body := []byte(strings.ReplaceAll(r.Body, "{i}", strconv.Itoa(i)))
	var msg *contracts.Message
	if r.Topic != "" {
		msg = p.CreateTopicBytesMessage(r.Topic, body)
	} else {
		msg = p.CreateQueueBytesMessage(r.Queue, body)
	}
	msg.Properties = r.Properties.Clone()
	return msg
}

type summary struct {
	Sent    int64
	Failed  int64
	Elapsed time.Duration
}

func (s summary) String() string {
	rate := 0.0
	if s.Elapsed > 0 {
		rate = float64(s.Sent) / s.Elapsed.Seconds()
	}
	return fmt.Sprintf("sent=%d failed=%d elapsed=%s rate=%.1f/s", s.Sent, s.Failed, s.Elapsed.Round(time.Millisecond), rate)
}

// runSend sends req.Count messages through p. Failures of single messages
// are counted and logged; only setup errors are returned.
func runSend(ctx context.Context, p *messaging.Producer, req sendRequest, log *zap.SugaredLogger) (summary, error) {
	if err := req.validate(); err != nil {
		return summary{}, err
	}
	start := time.Now()
	var sent, failed atomic.Int64

	record := func(i int, err error) {
		if err != nil {
			failed.Add(1)
			log.Warnw("send failed", "index", i, "error", err)
			return
		}
		sent.Add(1)
	}

	if req.Mode == modeBatch || req.Mode == modeAtomic {
		b := p.Batch()
		for i := 0; i < req.Count; i++ {
			if err := b.Submit(req.message(p, i), nil); err != nil {
				return summary{}, fmt.Errorf("failed to submit message %d: %w", i, err)
			}
		}
		result, err := b.Send(ctx)
		if errors.Is(err, contracts.ErrIllegalState) {
			return summary{}, err
		}
		for i, o := range result.Outcomes {
			record(i, o.Err)
		}
		return summary{Sent: sent.Load(), Failed: failed.Load(), Elapsed: time.Since(start)}, nil
	}

	executor := messaging.BranchExecutorFunc(func(ctx context.Context, msg *contracts.Message, arg interface{}) messaging.TransactionStatus {
		log.Debugw("local transaction", "messageId", msg.ID(), "index", arg, "status", req.TxStatus)
		return req.TxStatus
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(req.Concurrency, 1))
	for i := 0; i < req.Count; i++ {
		i := i
		g.Go(func() error {
			msg := req.message(p, i)
			switch req.Mode {
			case modeSync:
				_, err := p.Send(gctx, msg, nil)
				record(i, err)
			case modeAsync:
				f, err := p.SendAsync(gctx, msg, nil)
				if err == nil {
					_, err = f.Get(gctx)
				}
				record(i, err)
			case modeOneway:
				record(i, p.SendOneway(gctx, msg, nil))
			case modeTransactional:
				_, err := p.SendTransactional(gctx, msg, executor, i, nil)
				record(i, err)
			}
			return gctx.Err()
		})
	}
	err := g.Wait()
	return summary{Sent: sent.Load(), Failed: failed.Load(), Elapsed: time.Since(start)}, err
}
