package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorMetrics counts enhanced errors as they are built.
type ErrorMetrics struct {
	total *prometheus.CounterVec
}

// NewErrorMetrics creates and registers aed_errors_total.
func NewErrorMetrics(registry prometheus.Registerer) (*ErrorMetrics, error) {
	m := &ErrorMetrics{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aed_errors_total",
			Help: "Errors by category and component",
		}, []string{"category", "component"}),
	}
	if err := registry.Register(m.total); err != nil {
		return nil, err
	}
	return m, nil
}

// Record counts one error.
func (m *ErrorMetrics) Record(category, component string) {
	if m != nil {
		m.total.WithLabelValues(category, component).Inc()
	}
}
