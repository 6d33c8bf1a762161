package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-oms/contracts"
)

// ProducerSource is the producer surface ProducerChecker inspects.
// *messaging.Producer implements it.
type ProducerSource interface {
	Attributes() contracts.Properties
	Pending() int
}

// ProducerChecker reports the producer lifecycle and its pending
// asynchronous sends
type ProducerChecker struct {
	producer   ProducerSource
	maxPending int
}

// NewProducerChecker creates a checker that degrades once more than
// maxPending asynchronous sends are awaiting completion. Zero disables the
// threshold.
func NewProducerChecker(producer ProducerSource, maxPending int) *ProducerChecker {
	return &ProducerChecker{producer: producer, maxPending: maxPending}
}

func (c *ProducerChecker) Name() string {
	return "producer"
}

func (c *ProducerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	attrs := c.producer.Attributes()
	pending := c.producer.Pending()
	state := attrs.GetString("STATE", "")

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":     state,
			"pending":   pending,
			"transport": attrs.GetString("TRANSPORT", ""),
		},
	}

	switch {
	case state == "shutdown":
		result.Status = StatusUnhealthy
		result.Message = "producer is shut down"
	case state != "running":
		result.Status = StatusDegraded
		result.Message = "producer not started"
	case c.maxPending > 0 && pending > c.maxPending:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d sends awaiting completion", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "producer is running"
	}
	result.Duration = time.Since(start)
	return result
}

// RegisterProducer registers the checks of one producer: its lifecycle
// and pending sends, plus the broker behind transport when the transport
// reports on its connection (IsConnected) or answers a round trip (Ping).
// The broker check is bounded by brokerTimeout when it is positive.
func (r *Registry) RegisterProducer(producer ProducerSource, maxPending int, backend string, transport interface{}, brokerTimeout time.Duration) {
	r.Register(NewProducerChecker(producer, maxPending))

	var opts []RegisterOption
	if brokerTimeout > 0 {
		opts = append(opts, WithCheckTimeout(brokerTimeout))
	}
	switch tr := transport.(type) {
	case ConnectionProbe:
		r.Register(NewConnectionChecker(backend, tr), opts...)
	case Pinger:
		r.Register(NewPingChecker(backend, tr.Ping), opts...)
	}
}

// ConnectionProbe reports whether a broker connection is up.
// The RabbitMQ transport implements it.
type ConnectionProbe interface{ IsConnected() bool }

// Pinger answers a round trip against a backend
type Pinger interface {
	Ping(ctx context.Context) error
}

// PendingSource reports live operations, such as a bridge
type PendingSource interface {
	Pending() int
}

// PendingChecker degrades when a component approaches its pending limit
type PendingChecker struct {
	name   string
	source PendingSource
	limit  int
}

// NewPendingChecker creates a checker that degrades at 90% of limit and is
// unhealthy at limit
func NewPendingChecker(name string, source PendingSource, limit int) *PendingChecker {
	return &PendingChecker{name: name, source: source, limit: limit}
}

func (c *PendingChecker) Name() string {
	return c.name
}

func (c *PendingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.source.Pending()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Details:   map[string]interface{}{"pending": pending, "limit": c.limit},
	}
	if c.limit > 0 {
		switch {
		case pending >= c.limit:
			result.Status = StatusUnhealthy
			result.Message = "pending limit reached"
		case pending*10 >= c.limit*9:
			result.Status = StatusDegraded
			result.Message = "close to the pending limit"
		}
	}
	result.Duration = time.Since(start)
	return result
}

// ConnectionChecker reports whether a broker connection is up
type ConnectionChecker struct {
	name  string
	probe ConnectionProbe
}

func NewConnectionChecker(name string, probe ConnectionProbe) *ConnectionChecker {
	return &ConnectionChecker{name: name, probe: probe}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Status: StatusHealthy, Message: "connected"}
	if !c.probe.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// PingChecker runs a round trip against a backend
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Status: StatusHealthy, Message: "reachable"}
	if err := c.ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"response_time_ms": result.Duration.Milliseconds()}
	return result
}

// RuntimeChecker watches the goroutine count, which grows with sends that
// never complete
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a checker degraded above warning goroutines and
// unhealthy above critical
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}
	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}
	result.Duration = time.Since(start)
	return result
}
