package interceptors

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-oms/contracts"
)

const (
	metricsNamespace = "oms"
	metricsSubsystem = "producer"

	StatusSuccess = "success"
	StatusError   = "error"
)

// MetricsHandler records Prometheus metrics for every send
type MetricsHandler struct {
	sent     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewMetricsHandler creates the collectors and registers them with reg
func NewMetricsHandler(reg prometheus.Registerer) (*MetricsHandler, error) {
	h := &MetricsHandler{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_total",
			Help:      "Messages sent, by mode, status and error kind",
		}, []string{"mode", "status", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "send_duration_seconds",
			Help:      "Time from send start to known outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "in_flight",
			Help:      "Sends started whose outcome is not yet known",
		}, []string{"mode"}),
	}

	for _, c := range []prometheus.Collector{h.sent, h.duration, h.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register producer metrics: %w", err)
		}
	}
	return h, nil
}

// Name implements Handler
func (h *MetricsHandler) Name() string {
	return "MetricsHandler"
}

// PreHandle implements Handler
func (h *MetricsHandler) PreHandle(inv *Invocation) error {
	h.inFlight.WithLabelValues(inv.Mode.String()).Inc()
	return nil
}

// PostHandle implements Handler
func (h *MetricsHandler) PostHandle(inv *Invocation) {
	mode := inv.Mode.String()
	h.inFlight.WithLabelValues(mode).Dec()
	h.duration.WithLabelValues(mode).Observe(inv.Elapsed().Seconds())

	if inv.Err != nil {
		h.sent.WithLabelValues(mode, StatusError, kindLabel(inv.Err)).Inc()
		return
	}
	h.sent.WithLabelValues(mode, StatusSuccess, "").Inc()
}

func kindLabel(err error) string {
	switch contracts.KindOf(err) {
	case contracts.ErrMessageFormat:
		return "message_format"
	case contracts.ErrTimeout:
		return "timeout"
	case contracts.ErrTransactionRolledBack:
		return "rolled_back"
	case contracts.ErrTransactionInDoubt:
		return "in_doubt"
	case contracts.ErrIllegalState:
		return "illegal_state"
	case contracts.ErrUnsupported:
		return "unsupported"
	default:
		return "runtime"
	}
}
