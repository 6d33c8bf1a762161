package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oms"

// PendingSource reports live operations awaiting completion
type PendingSource interface {
	Pending() int
}

// RegisterPending exposes source.Pending() as the gauge
// oms_<subsystem>_pending, labelled with name
func RegisterPending(reg prometheus.Registerer, subsystem, name string, source PendingSource) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "pending",
		Help:        "Operations awaiting completion",
		ConstLabels: prometheus.Labels{"name": name},
	}, func() float64 {
		return float64(source.Pending())
	})
	if err := reg.Register(gauge); err != nil {
		return fmt.Errorf("failed to register %s pending gauge: %w", subsystem, err)
	}
	return nil
}
