package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PublisherMetrics tracks result fan-out. A nil *PublisherMetrics records
// nothing.
type PublisherMetrics struct {
	ResultsPublished   prometheus.Counter
	ResultsLate        prometheus.Counter
	Subscribers        prometheus.Gauge
	SubscribersEvicted prometheus.Counter
}

// NewPublisherMetrics creates and registers the publisher collectors.
func NewPublisherMetrics(registry prometheus.Registerer) (*PublisherMetrics, error) {
	m := &PublisherMetrics{
		ResultsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aed_results_published_total",
			Help: "Inference results delivered to subscribers",
		}),
		ResultsLate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aed_results_late_total",
			Help: "Results discarded because a later frame was already published",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aed_subscribers",
			Help: "Connected result subscribers",
		}),
		SubscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aed_subscribers_evicted_total",
			Help: "Subscribers removed because their buffer was full",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordPublished counts one emitted result.
func (m *PublisherMetrics) RecordPublished() {
	if m != nil {
		m.ResultsPublished.Inc()
	}
}

// RecordLate counts one discarded out-of-order result.
func (m *PublisherMetrics) RecordLate() {
	if m != nil {
		m.ResultsLate.Inc()
	}
}

// SetSubscribers updates the subscriber gauge.
func (m *PublisherMetrics) SetSubscribers(n int) {
	if m != nil {
		m.Subscribers.Set(float64(n))
	}
}

// RecordEvicted counts one broken subscriber.
func (m *PublisherMetrics) RecordEvicted() {
	if m != nil {
		m.SubscribersEvicted.Inc()
	}
}

// Describe implements the prometheus.Collector interface.
func (m *PublisherMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ResultsPublished.Desc()
	ch <- m.ResultsLate.Desc()
	ch <- m.Subscribers.Desc()
	ch <- m.SubscribersEvicted.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *PublisherMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ResultsPublished
	ch <- m.ResultsLate
	ch <- m.Subscribers
	ch <- m.SubscribersEvicted
}
