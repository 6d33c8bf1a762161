// Package nats is the NATS JetStream backend. Every destination, topic or
// queue, is a subject; a send is acknowledged once a stream has stored it.
// The message id is used as the JetStream deduplication id, so a retried
// send is stored once.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports"
)

func init() {
	transports.Register("nats", func(cfg transports.Config) (messaging.Transport, error) {
		maxPending, err := cfg.IntOption("maxAsyncPending", 4000)
		if err != nil {
			return nil, err
		}
		autoStreams, err := cfg.BoolOption("autoStreams", false)
		if err != nil {
			return nil, err
		}
		maxAge, err := cfg.DurationOption("maxAge", 0)
		if err != nil {
			return nil, err
		}
		opts := []Option{WithMaxAsyncPending(maxPending), WithMaxAge(maxAge)}
		if autoStreams {
			opts = append(opts, WithAutoStreams())
		}
		return New(cfg.URL, opts...), nil
	})
}

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("nats: transport closed")

var (
	_ messaging.Transport       = (*Transport)(nil)
	_ messaging.Starter         = (*Transport)(nil)
	_ messaging.AsyncTransport  = (*Transport)(nil)
	_ messaging.OnewayTransport = (*Transport)(nil)
	_ messaging.BatchTransport  = (*Transport)(nil)
)

// streamPublisher is the part of jetstream.JetStream the transport uses
type streamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	PublishMsgAsync(msg *nats.Msg, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// coreConn is the part of *nats.Conn the transport uses
type coreConn interface {
	PublishMsg(m *nats.Msg) error
	Close()
}

// Transport publishes to NATS JetStream. Oneway sends use core NATS and are
// not acknowledged by any stream.
type Transport struct {
	url  string
	opts options

	mu      sync.RWMutex
	conn    coreConn
	js      streamPublisher
	closed  bool
	streams sync.Map

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a transport for url. It connects on Start.
func New(url string, fns ...Option) *Transport {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Transport{url: url, opts: opts, done: make(chan struct{})}
}

// Start connects to the server and initializes JetStream
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return nil
	}

	nc, err := nats.Connect(t.url,
		nats.Name("mmate-oms"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.opts.logger.Warn("disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.opts.logger.Info("reconnected to nats", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats: connect to %q: %w", t.url, err)
	}
	js, err := jetstream.New(nc, jetstream.WithPublishAsyncMaxPending(t.opts.maxAsyncPending))
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats: init jetstream: %w", err)
	}
	t.conn, t.js = nc, js
	t.opts.logger.Info("connected to nats", "url", nc.ConnectedUrlRedacted())
	return nil
}

func (t *Transport) session() (streamPublisher, coreConn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, nil, ErrClosed
	}
	if t.js == nil {
		return nil, nil, fmt.Errorf("nats: transport not started")
	}
	return t.js, t.conn, nil
}

// ensureStream creates the stream for subject once when auto streams are on
func (t *Transport) ensureStream(ctx context.Context, js streamPublisher, subject string) error {
	if !t.opts.autoStreams {
		return nil
	}
	if _, ok := t.streams.Load(subject); ok {
		return nil
	}
	cfg := t.opts.streamConfig(subject)
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("nats: create stream %q: %w", cfg.Name, err)
	}
	t.streams.Store(subject, struct{}{})
	return nil
}

// toNatsMsg maps a message onto a NATS message. Properties are carried as
// headers; system headers win on conflict.
func toNatsMsg(msg *contracts.Message, props contracts.Properties) *nats.Msg {
	h := nats.Header{}
	for k, v := range msg.Properties.Merge(props) {
		h.Set(k, v)
	}
	for k, v := range msg.Headers {
		h.Set(k, v)
	}
	return &nats.Msg{
		Subject: msg.Destination(),
		Data:    msg.Body,
		Header:  h,
	}
}

func toResult(msg *contracts.Message, ack *jetstream.PubAck) contracts.SendResult {
	md := map[string]string{
		"stream":    ack.Stream,
		"sequence":  strconv.FormatUint(ack.Sequence, 10),
		"duplicate": strconv.FormatBool(ack.Duplicate),
	}
	if ack.Domain != "" {
		md["domain"] = ack.Domain
	}
	return contracts.NewSendResult(msg.ID(), msg.Destination(), md)
}

// Send publishes msg and waits for the stream acknowledgement
func (t *Transport) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	js, _, err := t.session()
	if err != nil {
		return contracts.SendResult{}, err
	}
	if err := t.ensureStream(ctx, js, msg.Destination()); err != nil {
		return contracts.SendResult{}, err
	}
	ack, err := js.PublishMsg(ctx, toNatsMsg(msg, props), jetstream.WithMsgID(msg.ID()))
	if err != nil {
		return contracts.SendResult{}, fmt.Errorf("nats: publish to %q: %w", msg.Destination(), err)
	}
	return toResult(msg, ack), nil
}

// awaitAck waits for fut, the context or transport shutdown
func (t *Transport) awaitAck(ctx context.Context, msg *contracts.Message, fut jetstream.PubAckFuture) (contracts.SendResult, error) {
	select {
	case ack := <-fut.Ok():
		return toResult(msg, ack), nil
	case err := <-fut.Err():
		return contracts.SendResult{}, fmt.Errorf("nats: publish to %q: %w", msg.Destination(), err)
	case <-ctx.Done():
		return contracts.SendResult{}, ctx.Err()
	case <-t.done:
		return contracts.SendResult{}, ErrClosed
	}
}

// SendAsync publishes msg without waiting; the acknowledgement completes
// token
func (t *Transport) SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties,
	token correlation.Token, completer messaging.Completer) error {

	js, _, err := t.session()
	if err != nil {
		return err
	}
	if err := t.ensureStream(ctx, js, msg.Destination()); err != nil {
		return err
	}
	fut, err := js.PublishMsgAsync(toNatsMsg(msg, props), jetstream.WithMsgID(msg.ID()))
	if err != nil {
		return fmt.Errorf("nats: publish to %q: %w", msg.Destination(), err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		result, err := t.awaitAck(context.WithoutCancel(ctx), msg, fut)
		if cerr := completer.Complete(token, result, err); cerr != nil {
			t.opts.logger.Warn("acknowledgement for settled token", "token", token, "error", cerr)
		}
	}()
	return nil
}

// SendOneway publishes msg over core NATS
func (t *Transport) SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error {
	_, conn, err := t.session()
	if err != nil {
		return err
	}
	if err := conn.PublishMsg(toNatsMsg(msg, props)); err != nil {
		return fmt.Errorf("nats: publish to %q: %w", msg.Destination(), err)
	}
	return nil
}

// SendBatch publishes every message asynchronously, then collects the
// acknowledgements in order
func (t *Transport) SendBatch(ctx context.Context, msgs []*contracts.Message, props []contracts.Properties) ([]contracts.SendResult, []error) {
	results := make([]contracts.SendResult, len(msgs))
	errs := make([]error, len(msgs))

	js, _, err := t.session()
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return results, errs
	}

	futures := make([]jetstream.PubAckFuture, len(msgs))
	for i, msg := range msgs {
		if errs[i] = t.ensureStream(ctx, js, msg.Destination()); errs[i] != nil {
			continue
		}
		futures[i], errs[i] = js.PublishMsgAsync(toNatsMsg(msg, props[i]), jetstream.WithMsgID(msg.ID()))
		if errs[i] != nil {
			errs[i] = fmt.Errorf("nats: publish to %q: %w", msg.Destination(), errs[i])
		}
	}
	for i, fut := range futures {
		if fut == nil {
			continue
		}
		results[i], errs[i] = t.awaitAck(ctx, msgs[i], fut)
	}
	return results, errs
}

// closeWait bounds how long Close waits for outstanding acknowledgements
const closeWait = 5 * time.Second

// Close waits for outstanding acknowledgements, then closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(closeWait):
		t.opts.logger.Warn("acknowledgements still outstanding at close")
	}
	close(t.done)
	t.wg.Wait()

	if conn != nil {
		conn.Close()
	}
	return nil
}
