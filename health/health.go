// Package health runs the checks of a producer process and serves the
// combined report. Checks are critical unless registered Optional: a
// failing critical check makes the process unready, a failing optional
// check only degrades the report.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check. The registry fills
// in Name, Critical, Timestamp and Duration when a checker leaves them out.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Critical  bool                   `json:"critical"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report is the outcome of one pass over every registered check
type Report struct {
	Status   Status                 `json:"status"`
	Ready    bool                   `json:"ready"`
	Failing  []string               `json:"failing,omitempty"`
	Checked  time.Time              `json:"checked"`
	Took     time.Duration          `json:"took"`
	Checks   map[string]CheckResult `json:"checks"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

type registration struct {
	checker  Checker
	critical bool
	timeout  time.Duration
}

// RegisterOption configures one registered check
type RegisterOption func(*registration)

// Optional marks a check whose failure degrades the report without making
// the process unready
func Optional() RegisterOption {
	return func(r *registration) {
		r.critical = false
	}
}

// WithCheckTimeout bounds a single check. The report deadline still applies.
func WithCheckTimeout(d time.Duration) RegisterOption {
	return func(r *registration) {
		r.timeout = d
	}
}

// Registry holds the checks of one process
type Registry struct {
	mu       sync.RWMutex
	checks   map[string]registration
	metadata map[string]interface{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checks:   make(map[string]registration),
		metadata: make(map[string]interface{}),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker, opts ...RegisterOption) {
	reg := registration{checker: checker, critical: true}
	for _, opt := range opts {
		opt(&reg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[checker.Name()] = reg
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, name)
}

// Names returns the registered checker names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetMetadata sets a value reported with every check, such as the
// producer id or the backend name
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every checker concurrently. A check still running when its
// deadline passes is reported unhealthy, as is one that panics.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	regs := make([]registration, 0, len(r.checks))
	for _, reg := range r.checks {
		regs = append(regs, reg)
	}
	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	results := make([]CheckResult, len(regs))
	var g errgroup.Group
	for i, reg := range regs {
		i, reg := i, reg
		g.Go(func() error {
			results[i] = run(ctx, reg)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:   StatusHealthy,
		Ready:    true,
		Checks:   make(map[string]CheckResult, len(results)),
		Metadata: metadata,
	}
	for _, res := range results {
		report.Checks[res.Name] = res
		status := res.Status
		if status == StatusUnhealthy && !res.Critical {
			status = StatusDegraded
		}
		report.Status = worst(report.Status, status)
		if res.Status != StatusHealthy {
			report.Failing = append(report.Failing, res.Name)
		}
		if res.Status == StatusUnhealthy && res.Critical {
			report.Ready = false
		}
	}
	sort.Strings(report.Failing)
	report.Checked = time.Now()
	report.Took = time.Since(start)
	return report
}

func run(ctx context.Context, reg registration) CheckResult {
	start := time.Now()
	if reg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reg.timeout)
		defer cancel()
	}

	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(p)}
			}
		}()
		done <- reg.checker.Check(ctx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}

	result.Name = reg.checker.Name()
	result.Critical = reg.critical
	if result.Status == "" {
		result.Status = StatusUnhealthy
		result.Message = "check reported no status"
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = start
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	return result
}

func worst(a, b Status) Status {
	switch {
	case a == StatusUnhealthy || b == StatusUnhealthy:
		return StatusUnhealthy
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Handler serves the report as JSON, or a single check with ?check=name.
// The status code is 503 when the process is not ready.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a handler bounding each report by timeout
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.Check(ctx)

	var body interface{} = report
	statusCode := http.StatusOK
	if !report.Ready {
		statusCode = http.StatusServiceUnavailable
	}
	if name := r.URL.Query().Get("check"); name != "" {
		res, ok := report.Checks[name]
		if !ok {
			http.Error(w, fmt.Sprintf("no check named %q", name), http.StatusNotFound)
			return
		}
		body = res
		statusCode = http.StatusOK
		if res.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(body)
}

// ReadinessHandler answers "ready" unless a critical check is unhealthy,
// in which case the failing checks are named
func ReadinessHandler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report := registry.Check(ctx)
		if !report.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "not ready: %s", joinNames(report))
			return
		}
		_, _ = w.Write([]byte("ready"))
	}
}

func joinNames(report Report) string {
	var names []string
	for _, name := range report.Failing {
		if res := report.Checks[name]; res.Status == StatusUnhealthy && res.Critical {
			names = append(names, name)
		}
	}
	return strings.Join(names, ", ")
}
