package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/correlation"
	"github.com/glimte/mmate-oms/future"
	"github.com/glimte/mmate-oms/interceptors"
	"github.com/glimte/mmate-oms/internal/reliability"
)

// BatchPolicy selects how a batch reacts to individual failures
type BatchPolicy int

const (
	// BatchBestEffort attempts every message and reports per-message outcomes
	BatchBestEffort BatchPolicy = iota
	// BatchAtomic delivers all messages or none
	BatchAtomic
)

func (b BatchPolicy) String() string {
	if b == BatchAtomic {
		return "atomic"
	}
	return "best-effort"
}

type lifecycleState int

const (
	stateCreated lifecycleState = iota
	stateRunning
	stateShutdown
)

func (s lifecycleState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	default:
		return "shutdown"
	}
}

// Producer is the single entry point for sending messages. It owns the
// correlation table for asynchronous sends and runs the interceptor
// pipeline around every send variant.
type Producer struct {
	id          string
	hostname    string
	transport   Transport
	pipeline    *interceptors.Pipeline
	table       *correlation.Table[contracts.SendResult]
	coordinator *TransactionCoordinator
	txObserver  TransactionObserver
	retryPolicy reliability.RetryPolicy
	breaker     *reliability.CircuitBreaker
	sendTimeout time.Duration
	batchPolicy BatchPolicy
	maxInFlight int64
	inFlight    *semaphore.Weighted
	recentSize  int
	logger      *slog.Logger

	mu    sync.RWMutex
	state lifecycleState
	wg    sync.WaitGroup
}

// ProducerOption configures the Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithProducerID sets the producer id stamped on outgoing messages
func WithProducerID(id string) ProducerOption {
	return func(p *Producer) {
		p.id = id
	}
}

// WithRetryPolicy retries failed synchronous sends
func WithRetryPolicy(policy reliability.RetryPolicy) ProducerOption {
	return func(p *Producer) {
		p.retryPolicy = policy
	}
}

// WithCircuitBreaker guards synchronous sends with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) ProducerOption {
	return func(p *Producer) {
		p.breaker = cb
	}
}

// WithSendTimeout sets the default per-send timeout. The OPERATION_TIMEOUT
// property overrides it per message. Zero means no timeout.
func WithSendTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		p.sendTimeout = timeout
	}
}

// WithMaxInFlight bounds the number of unresolved asynchronous sends.
// SendAsync blocks while the bound is reached.
func WithMaxInFlight(n int64) ProducerOption {
	return func(p *Producer) {
		p.maxInFlight = n
	}
}

// WithBatchPolicy sets the policy used by batch senders
func WithBatchPolicy(policy BatchPolicy) ProducerOption {
	return func(p *Producer) {
		p.batchPolicy = policy
	}
}

// WithRecentTokens sets how many completed tokens are remembered for
// diagnosing late completions
func WithRecentTokens(size int) ProducerOption {
	return func(p *Producer) {
		p.recentSize = size
	}
}

// WithTransactionObserver reports every step of transactional sends to o
func WithTransactionObserver(o TransactionObserver) ProducerOption {
	return func(p *Producer) {
		p.txObserver = o
	}
}

// NewProducer creates a producer over transport. It must be started before use.
func NewProducer(transport Transport, options ...ProducerOption) *Producer {
	p := &Producer{
		id:          uuid.New().String(),
		transport:   transport,
		sendTimeout: 30 * time.Second,
		batchPolicy: BatchBestEffort,
		recentSize:  1024,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}

	p.hostname, _ = os.Hostname()
	p.logger = p.logger.With("producerId", p.id)
	p.pipeline = interceptors.NewPipeline(p.logger)
	p.table = correlation.NewTable[contracts.SendResult](
		correlation.WithRecentSize(p.recentSize),
		correlation.WithTableLogger(p.logger),
	)
	if p.maxInFlight > 0 {
		p.inFlight = semaphore.NewWeighted(p.maxInFlight)
	}
	if tx, ok := transport.(TransactionalTransport); ok {
		p.coordinator = NewTransactionCoordinator(tx, p.logger)
		p.coordinator.observer = p.txObserver
	}
	return p
}

// ID returns the producer id
func (p *Producer) ID() string {
	return p.id
}

// Startup connects the transport. Calling it on a running producer is a
// no-op; a producer that was shut down cannot be started again.
func (p *Producer) Startup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateRunning:
		return nil
	case stateShutdown:
		return contracts.NewOperationError("startup", "", contracts.ErrIllegalState, fmt.Errorf("producer was shut down"))
	}

	if s, ok := p.transport.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return contracts.Classify("startup", "", err)
		}
	}
	p.state = stateRunning
	p.logger.Info("producer started", "transport", fmt.Sprintf("%T", p.transport))
	return nil
}

// Shutdown stops accepting sends, waits for in-flight sends until ctx is
// done, fails whatever is still pending and closes the transport.
func (p *Producer) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == stateShutdown {
		p.mu.Unlock()
		return nil
	}
	p.state = stateShutdown
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		p.logger.Warn("shutdown deadline reached with sends in flight", "pending", p.table.Len())
	}

	if n := p.table.FailAll(contracts.NewOperationError("shutdown", "", contracts.ErrRuntime, fmt.Errorf("producer shut down"))); n > 0 {
		p.logger.Warn("failed pending sends at shutdown", "count", n)
	}

	if err := p.transport.Close(); err != nil {
		p.logger.Error("failed to close transport", "error", err)
		return fmt.Errorf("failed to close transport: %w", err)
	}
	p.logger.Info("producer shut down")
	return waitErr
}

// enter registers a send with the lifecycle. Every successful enter must be
// paired with p.wg.Done.
func (p *Producer) enter(op string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkRunningLocked(op); err != nil {
		return err
	}
	p.wg.Add(1)
	return nil
}

// checkRunning fails with ErrIllegalState unless the producer is running.
// Unlike enter it does not register an in-flight operation.
func (p *Producer) checkRunning(op string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkRunningLocked(op)
}

func (p *Producer) checkRunningLocked(op string) error {
	if p.state != stateRunning {
		return contracts.NewOperationError(op, "", contracts.ErrIllegalState, fmt.Errorf("producer is %s", p.state))
	}
	return nil
}

// stage clones, stamps and validates the caller's message
func (p *Producer) stage(msg *contracts.Message, props contracts.Properties) (*contracts.Message, contracts.Properties, error) {
	if msg == nil {
		return nil, nil, contracts.NewOperationError("send", "", contracts.ErrMessageFormat, fmt.Errorf("message cannot be nil"))
	}
	m := msg.Clone()
	m.Stamp(time.Now())
	if _, ok := m.Headers.Get(contracts.HeaderBornHost); !ok && p.hostname != "" {
		m.Headers[contracts.HeaderBornHost] = p.hostname
	}
	if err := m.Validate(); err != nil {
		return nil, nil, contracts.Classify("validate", m.ID(), err)
	}
	if _, ok := m.Properties.Get(contracts.PropertyProducerID); !ok {
		m.Properties = m.Properties.Put(contracts.PropertyProducerID, p.id)
	}
	return m, props.Clone(), nil
}

// call is one send passing through the interceptor chain
type call struct {
	inv     *interceptors.Invocation
	chain   interceptors.Chain
	entered int
}

func (c *call) finish(result contracts.SendResult, err error) {
	c.inv.Result = result
	c.inv.Err = err
	c.chain.PostHandle(c.inv, c.entered)
}

// intercept runs the pre-handlers and revalidates whatever message they
// left behind. On failure the entered handlers have already seen
// PostHandle and the error is returned classified.
func (p *Producer) intercept(ctx context.Context, msg *contracts.Message, props contracts.Properties, mode interceptors.Mode) (*call, error) {
	c := &call{
		inv:   interceptors.NewInvocation(ctx, msg, props, mode),
		chain: p.pipeline.Snapshot(),
	}
	entered, err := c.chain.PreHandle(c.inv)
	c.entered = entered
	if err == nil {
		if verr := c.inv.Message.Validate(); verr != nil {
			err = contracts.NewOperationError("pre-handle", msg.ID(), contracts.ErrMessageFormat, verr)
		}
	}
	if err != nil {
		if contracts.KindOf(err) == nil {
			err = contracts.NewOperationError("pre-handle", msg.ID(), contracts.ErrMessageFormat, err)
		}
		c.finish(contracts.SendResult{}, err)
		return nil, err
	}
	return c, nil
}

func (p *Producer) timeoutFor(inv *interceptors.Invocation) time.Duration {
	if d := inv.Properties.GetDuration(contracts.PropertyOperationTimeout, 0); d > 0 {
		return d
	}
	if d := inv.Message.Properties.GetDuration(contracts.PropertyOperationTimeout, 0); d > 0 {
		return d
	}
	return p.sendTimeout
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// receipt fills in the message id and destination when the transport left them out
func receipt(r contracts.SendResult, msg *contracts.Message) contracts.SendResult {
	if r.MessageID() != "" && r.Destination() != "" {
		return r
	}
	id, dest := r.MessageID(), r.Destination()
	if id == "" {
		id = msg.ID()
	}
	if dest == "" {
		dest = msg.Destination()
	}
	keys := r.MetadataKeys()
	md := make(map[string]string, len(keys))
	for _, k := range keys {
		md[k], _ = r.Metadata(k)
	}
	return contracts.NewSendResult(id, dest, md)
}

// Send delivers msg and waits for the broker's receipt
func (p *Producer) Send(ctx context.Context, msg *contracts.Message, props contracts.Properties) (contracts.SendResult, error) {
	if err := p.enter("send"); err != nil {
		return contracts.SendResult{}, err
	}
	defer p.wg.Done()

	m, props, err := p.stage(msg, props)
	if err != nil {
		return contracts.SendResult{}, err
	}
	c, err := p.intercept(ctx, m, props, interceptors.ModeSync)
	if err != nil {
		return contracts.SendResult{}, err
	}

	result, err := p.sendSync(c.inv.Context(), c.inv)
	c.finish(result, err)
	return result, err
}

// sendSync performs the transport send with timeout, circuit breaker and retry
func (p *Producer) sendSync(ctx context.Context, inv *interceptors.Invocation) (contracts.SendResult, error) {
	msg := inv.Message
	timeout := p.timeoutFor(inv)

	var result contracts.SendResult
	send := func(ctx context.Context) error {
		sctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		r, err := p.transport.Send(sctx, msg, inv.Properties)
		if err != nil {
			return contracts.Classify("send", msg.ID(), err)
		}
		result = r
		return nil
	}

	err := reliability.Retry(ctx, p.retryPolicy, func(attempt int) error {
		if attempt > 0 {
			p.logger.Debug("retrying send", "messageId", msg.ID(), "attempt", attempt)
		}
		if p.breaker != nil {
			return p.breaker.Execute(ctx, send)
		}
		return send(ctx)
	})
	if err != nil {
		return contracts.SendResult{}, contracts.Classify("send", msg.ID(), err)
	}
	return receipt(result, msg), nil
}

// SendAsync starts a send and returns a future for its outcome. Only local
// validation and lifecycle errors are returned directly; every other
// failure, including a rejecting interceptor, fails the future.
func (p *Producer) SendAsync(ctx context.Context, msg *contracts.Message, props contracts.Properties) (*future.Future[contracts.SendResult], error) {
	if err := p.enter("send async"); err != nil {
		return nil, err
	}

	m, props, err := p.stage(msg, props)
	if err != nil {
		p.wg.Done()
		return nil, err
	}
	c, err := p.intercept(ctx, m, props, interceptors.ModeAsync)
	if err != nil {
		p.wg.Done()
		return future.NewFailed[contracts.SendResult](err), nil
	}
	m = c.inv.Message

	if p.inFlight != nil {
		if err := p.inFlight.Acquire(ctx, 1); err != nil {
			err = contracts.Classify("send async", m.ID(), err)
			c.finish(contracts.SendResult{}, err)
			p.wg.Done()
			return future.NewFailed[contracts.SendResult](err), nil
		}
	}

	// The send outlives the caller's context; only the send timeout bounds it.
	sctx, cancel := withTimeout(context.WithoutCancel(c.inv.Context()), p.timeoutFor(c.inv))

	token, f := p.table.RegisterNext()
	f.AddListener(func(f *future.Future[contracts.SendResult]) {
		cancel()
		result, err, _ := f.Result()
		c.finish(result, err)
		if p.inFlight != nil {
			p.inFlight.Release(1)
		}
		p.wg.Done()
	})

	completer := CompleterFunc(func(token correlation.Token, result contracts.SendResult, err error) error {
		if err != nil {
			return p.table.Complete(token, contracts.SendResult{}, contracts.Classify("send async", m.ID(), err))
		}
		return p.table.Complete(token, receipt(result, m), nil)
	})

	if at, ok := p.transport.(AsyncTransport); ok {
		if err := at.SendAsync(sctx, m, c.inv.Properties, token, completer); err != nil {
			_ = completer.Complete(token, contracts.SendResult{}, err)
		}
		return f, nil
	}

	go func() {
		result, err := p.sendSync(sctx, c.inv)
		if cerr := completer.Complete(token, result, err); cerr != nil {
			p.logger.Warn("late completion", "token", token, "messageId", m.ID(), "error", cerr)
		}
	}()
	return f, nil
}

// SendOneway hands msg to the transport without waiting for a receipt.
// Only local validation and lifecycle errors are reported.
func (p *Producer) SendOneway(ctx context.Context, msg *contracts.Message, props contracts.Properties) error {
	if err := p.enter("send oneway"); err != nil {
		return err
	}

	m, props, err := p.stage(msg, props)
	if err != nil {
		p.wg.Done()
		return err
	}
	c, err := p.intercept(ctx, m, props, interceptors.ModeOneway)
	if err != nil {
		p.wg.Done()
		return err
	}
	m = c.inv.Message

	if ot, ok := p.transport.(OnewayTransport); ok {
		defer p.wg.Done()
		err := ot.SendOneway(c.inv.Context(), m, c.inv.Properties)
		if err != nil {
			err = contracts.Classify("send oneway", m.ID(), err)
			p.logger.Warn("oneway hand-off failed", "messageId", m.ID(), "destination", m.Destination(), "error", err)
		}
		c.finish(contracts.SendResult{}, err)
		return nil
	}

	sctx, cancel := withTimeout(context.WithoutCancel(c.inv.Context()), p.timeoutFor(c.inv))
	go func() {
		defer p.wg.Done()
		defer cancel()
		_, err := p.sendSync(sctx, c.inv)
		if err != nil {
			p.logger.Warn("oneway send failed", "messageId", m.ID(), "destination", m.Destination(), "error", err)
		}
		c.finish(contracts.SendResult{}, err)
	}()
	return nil
}

// SendTransactional stores msg provisionally, runs executor and commits or
// rolls back the message according to its status
func (p *Producer) SendTransactional(ctx context.Context, msg *contracts.Message, executor LocalTransactionBranchExecutor,
	arg interface{}, props contracts.Properties) (contracts.SendResult, error) {

	if err := p.enter("send transactional"); err != nil {
		return contracts.SendResult{}, err
	}
	defer p.wg.Done()

	m, props, err := p.stage(msg, props)
	if err != nil {
		return contracts.SendResult{}, err
	}
	if p.coordinator == nil {
		return contracts.SendResult{}, contracts.NewOperationError("send transactional", m.ID(), contracts.ErrUnsupported,
			fmt.Errorf("transport %T is not transactional", p.transport))
	}
	c, err := p.intercept(ctx, m, props, interceptors.ModeTransactional)
	if err != nil {
		return contracts.SendResult{}, err
	}

	sctx, cancel := withTimeout(c.inv.Context(), p.timeoutFor(c.inv))
	defer cancel()

	result, err := p.coordinator.ExecuteBranch(sctx, c.inv.Message, executor, arg, c.inv.Properties)
	if err == nil {
		result = receipt(result, c.inv.Message)
	}
	c.finish(result, err)
	return result, err
}

// Batch returns a new batch sender bound to this producer
func (p *Producer) Batch() *BatchSender {
	return newBatchSender(p)
}

// AddInterceptor appends h to the pipeline under h.Name()
func (p *Producer) AddInterceptor(h interceptors.Handler) error {
	if h == nil {
		return interceptors.ErrInvalidHandler
	}
	return p.pipeline.AddLast(h.Name(), h)
}

// RemoveInterceptor removes the handler registered under name
func (p *Producer) RemoveInterceptor(name string) error {
	return p.pipeline.Remove(name)
}

// Pipeline returns the producer's interceptor pipeline
func (p *Producer) Pipeline() *interceptors.Pipeline {
	return p.pipeline
}

// Transport returns the transport the producer sends through
func (p *Producer) Transport() Transport {
	return p.transport
}

// Pending returns the number of asynchronous sends awaiting completion
func (p *Producer) Pending() int {
	return p.table.Len()
}

// CreateTopicBytesMessage creates a message addressed to topic
func (p *Producer) CreateTopicBytesMessage(topic string, body []byte) *contracts.Message {
	return contracts.NewTopicBytesMessage(topic, body)
}

// CreateQueueBytesMessage creates a message addressed to queue
func (p *Producer) CreateQueueBytesMessage(queue string, body []byte) *contracts.Message {
	return contracts.NewQueueBytesMessage(queue, body)
}

// Attributes describes the producer configuration and the transport's capabilities
func (p *Producer) Attributes() contracts.Properties {
	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()

	_, async := p.transport.(AsyncTransport)
	_, oneway := p.transport.(OnewayTransport)
	_, batch := p.transport.(BatchTransport)
	_, atomic := p.transport.(AtomicBatchTransport)

	return contracts.Properties{
		contracts.PropertyProducerID:       p.id,
		contracts.PropertyOperationTimeout: p.sendTimeout.String(),
		"STATE":                            state.String(),
		"TRANSPORT":                        fmt.Sprintf("%T", p.transport),
		"BATCH_POLICY":                     p.batchPolicy.String(),
		"MAX_IN_FLIGHT":                    strconv.FormatInt(p.maxInFlight, 10),
		"ASYNC":                            strconv.FormatBool(async),
		"ONEWAY":                           strconv.FormatBool(oneway),
		"TRANSACTIONAL":                    strconv.FormatBool(p.coordinator != nil),
		"BATCH":                            strconv.FormatBool(batch),
		"ATOMIC_BATCH":                     strconv.FormatBool(atomic),
	}
}
