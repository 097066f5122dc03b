// Package benchmark measures inference latency, throughput and CPU load for
// a range of interpreter thread counts.
package benchmark

import (
	"context"
	"fmt"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
)

const componentBenchmark = "benchmark"

// Predictor is the part of an inference engine the harness drives.
type Predictor interface {
	Predict(fm features.FeatureMatrix) ([]float32, time.Duration, error)
	Close() error
}

// EngineFactory builds a fresh predictor bound to threads.
type EngineFactory func(threads int) (Predictor, error)

// ProgressFunc is called after every timed iteration.
type ProgressFunc func(threads, done, total int)

// Option customizes a Harness.
type Option func(*Harness)

// WithCPUSampler sets the CPU source sampled before each timed predict.
func WithCPUSampler(s monitor.CPUSampler) Option {
	return func(h *Harness) { h.cpu = s }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(h *Harness) { h.progress = fn }
}

// Harness runs the same input through engines built for each thread count.
type Harness struct {
	factory  EngineFactory
	input    features.FeatureMatrix
	cpu      monitor.CPUSampler
	progress ProgressFunc
	log      logger.Logger
}

// New creates a harness. Without WithCPUSampler, CPU figures are zero.
func New(factory EngineFactory, input features.FeatureMatrix, opts ...Option) (*Harness, error) {
	if factory == nil {
		return nil, errors.Newf("engine factory is required").
			Component(componentBenchmark).
			Category(errors.CategoryValidation).
			Build()
	}
	if len(input.Data) == 0 || len(input.Data) != input.Bands*input.Steps {
		return nil, errors.Newf("benchmark input has %d values for %dx%d", len(input.Data), input.Bands, input.Steps).
			Component(componentBenchmark).
			Category(errors.CategoryValidation).
			Build()
	}
	h := &Harness{
		factory: factory,
		input:   input,
		cpu:     monitor.StaticSampler(0),
		log:     logger.Global().Module(componentBenchmark),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run benchmarks each thread count in turn. Every count gets a new engine,
// warmup untimed predicts and then iterations timed ones; the engine is
// closed before the next count starts.
func (h *Harness) Run(ctx context.Context, threadCounts []int, iterations, warmup int) (Report, error) {
	if err := validateRun(threadCounts, iterations, warmup); err != nil {
		return nil, err
	}

	report := make(Report, len(threadCounts))
	for _, threads := range threadCounts {
		stats, err := h.runOne(ctx, threads, iterations, warmup)
		if err != nil {
			return report, err
		}
		report[threads] = stats
		h.log.Info("benchmark finished for thread count",
			logger.Int("threads", threads),
			logger.Float64("mean_latency_ms", stats.MeanLatency),
			logger.Float64("p95_latency_ms", stats.P95Latency),
			logger.Float64("qps", stats.QPS),
			logger.Float64("mean_cpu", stats.MeanCPU))
	}
	return report, nil
}

func validateRun(threadCounts []int, iterations, warmup int) error {
	var problem string
	switch {
	case len(threadCounts) == 0:
		problem = "at least one thread count is required"
	case slices.Min(threadCounts) < 1:
		problem = "thread counts must be at least 1"
	case len(slices.Compact(slices.Sorted(slices.Values(threadCounts)))) != len(threadCounts):
		problem = "thread counts must not repeat"
	case iterations < 1:
		problem = "iterations must be at least 1"
	case warmup < 0:
		problem = "warmup must not be negative"
	default:
		return nil
	}
	return errors.Newf("%s", problem).
		Component(componentBenchmark).
		Category(errors.CategoryValidation).
		Context("iterations", iterations).
		Context("warmup", warmup).
		Build()
}

func (h *Harness) runOne(ctx context.Context, threads, iterations, warmup int) (stats ThreadStats, err error) {
	pred, err := h.factory(threads)
	if err != nil {
		return stats, errors.New(err).
			Component(componentBenchmark).
			Category(errors.CategoryModelInit).
			Context("threads", threads).
			Build()
	}
	defer func() {
		if cerr := pred.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	h.log.Debug("warming up", logger.Int("threads", threads), logger.Int("warmup", warmup))
	for range warmup {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, _, err := pred.Predict(h.input); err != nil {
			return stats, h.predictError(err, threads, "warmup")
		}
	}

	latencies := make([]float64, 0, iterations)
	cpu := make([]float64, 0, iterations)
	start := time.Now()
	for i := range iterations {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		usage, serr := h.cpu.Sample()
		if serr != nil {
			h.log.Debug("cpu sample failed", logger.Error(serr))
		}
		_, latency, err := pred.Predict(h.input)
		if err != nil {
			return stats, h.predictError(err, threads, "timed")
		}
		latencies = append(latencies, float64(latency)/float64(time.Millisecond))
		cpu = append(cpu, usage)
		if h.progress != nil {
			h.progress(threads, i+1, iterations)
		}
	}
	return summarize(latencies, cpu, time.Since(start)), nil
}

func (h *Harness) predictError(err error, threads int, phase string) error {
	return errors.New(err).
		Component(componentBenchmark).
		Category(errors.CategoryInference).
		Context("threads", threads).
		Context("phase", phase).
		Build()
}

// summarize computes statistics over latencies in milliseconds.
func summarize(latencies, cpu []float64, elapsed time.Duration) ThreadStats {
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	s := ThreadStats{
		MeanLatency: stat.Mean(latencies, nil),
		P95Latency:  stat.Quantile(0.95, stat.LinInterp, sorted, nil),
		P99Latency:  stat.Quantile(0.99, stat.LinInterp, sorted, nil),
		MinLatency:  floats.Min(latencies),
		MaxLatency:  floats.Max(latencies),
		MeanCPU:     stat.Mean(cpu, nil),
		MaxCPU:      floats.Max(cpu),
	}
	if elapsed > 0 {
		s.QPS = float64(len(latencies)) / elapsed.Seconds()
	}
	return s
}

// String formats the per-count detail lines.
func (s ThreadStats) String() string {
	return fmt.Sprintf("mean=%.2fms p95=%.2fms p99=%.2fms min=%.2fms max=%.2fms qps=%.2f cpu=%.1f%%/%.1f%%",
		s.MeanLatency, s.P95Latency, s.P99Latency, s.MinLatency, s.MaxLatency, s.QPS, s.MeanCPU, s.MaxCPU)
}
