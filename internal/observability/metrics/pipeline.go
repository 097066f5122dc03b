// Package metrics provides the Prometheus collectors of the AED pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers capture, queueing, feature extraction and
// inference. A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	FramesEmitted     prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	SamplesClipped    prometheus.Counter
	FeatureDuration   prometheus.Histogram
	InferenceDuration *prometheus.HistogramVec
	InferenceErrors   *prometheus.CounterVec
	CPUPercent        prometheus.Gauge
}

// NewPipelineMetrics creates and registers the pipeline collectors.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.FramesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aed_frames_emitted_total",
		Help: "Frames produced by the window buffer",
	})
	m.FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aed_frames_dropped_total",
		Help: "Frames discarded by the full frame queue",
	}, []string{"policy"})
	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aed_queue_depth",
		Help: "Frames waiting in the queue",
	})
	m.SamplesClipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aed_samples_clipped_total",
		Help: "Non-finite or out of range samples clipped on input",
	})
	m.FeatureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aed_feature_duration_seconds",
		Help:    "Time to extract one feature matrix",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	})
	m.InferenceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aed_inference_duration_seconds",
		Help:    "Model invoke latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"threads"})
	m.InferenceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aed_inference_errors_total",
		Help: "Frames skipped because extraction or prediction failed",
	}, []string{"reason"})
	m.CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aed_cpu_percent",
		Help: "Process CPU utilisation in percent of one core",
	})
}

// RecordFrames adds emitted frames.
func (m *PipelineMetrics) RecordFrames(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesEmitted.Add(float64(n))
}

// RecordDrop counts one overflow drop.
func (m *PipelineMetrics) RecordDrop(policy string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(policy).Inc()
}

// SetQueueDepth updates the queue gauge.
func (m *PipelineMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordClipped adds clipped samples.
func (m *PipelineMetrics) RecordClipped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.SamplesClipped.Add(float64(n))
}

// ObserveFeature records one extraction.
func (m *PipelineMetrics) ObserveFeature(d time.Duration) {
	if m == nil {
		return
	}
	m.FeatureDuration.Observe(d.Seconds())
}

// ObserveInference records one model call.
func (m *PipelineMetrics) ObserveInference(threads int, d time.Duration) {
	if m == nil {
		return
	}
	m.InferenceDuration.WithLabelValues(strconv.Itoa(threads)).Observe(d.Seconds())
}

// RecordInferenceError counts a skipped frame by reason, e.g. "timeout".
func (m *PipelineMetrics) RecordInferenceError(reason string) {
	if m == nil {
		return
	}
	m.InferenceErrors.WithLabelValues(reason).Inc()
}

// SetCPUPercent updates the CPU gauge.
func (m *PipelineMetrics) SetCPUPercent(p float64) {
	if m == nil {
		return
	}
	m.CPUPercent.Set(p)
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesEmitted.Describe(ch)
	m.FramesDropped.Describe(ch)
	m.QueueDepth.Describe(ch)
	m.SamplesClipped.Describe(ch)
	m.FeatureDuration.Describe(ch)
	m.InferenceDuration.Describe(ch)
	m.InferenceErrors.Describe(ch)
	m.CPUPercent.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesEmitted.Collect(ch)
	m.FramesDropped.Collect(ch)
	m.QueueDepth.Collect(ch)
	m.SamplesClipped.Collect(ch)
	m.FeatureDuration.Collect(ch)
	m.InferenceDuration.Collect(ch)
	m.InferenceErrors.Collect(ch)
	m.CPUPercent.Collect(ch)
}
