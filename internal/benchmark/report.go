package benchmark

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
)

// ThreadStats holds the results for one thread count. Latencies are in
// milliseconds, CPU in percent.
type ThreadStats struct {
	MeanLatency float64 `json:"mean_latency"`
	P95Latency  float64 `json:"p95_latency"`
	P99Latency  float64 `json:"p99_latency"`
	MinLatency  float64 `json:"min_latency"`
	MaxLatency  float64 `json:"max_latency"`
	QPS         float64 `json:"qps"`
	MeanCPU     float64 `json:"mean_cpu"`
	MaxCPU      float64 `json:"max_cpu"`
}

// Report maps thread count to its statistics. It encodes as a JSON object
// keyed by the decimal thread count.
type Report map[int]ThreadStats

// Threads returns the measured thread counts in ascending order.
func (r Report) Threads() []int {
	return slices.Sorted(maps.Keys(r))
}

// WriteSummary prints a comparison table.
func (r Report) WriteSummary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Threads\tMean (ms)\tP95 (ms)\tP99 (ms)\tQPS\tCPU %\t")
	for _, threads := range r.Threads() {
		s := r[threads]
		fmt.Fprintf(tw, "%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n",
			threads, s.MeanLatency, s.P95Latency, s.P99Latency, s.QPS, s.MeanCPU)
	}
	return tw.Flush()
}

// WriteJSON writes the report to path through a temporary file.
func (r Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.New(err).
			Component(componentBenchmark).
			Category(errors.CategoryGeneric).
			Build()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".benchmark-*.json")
	if err != nil {
		return errors.New(err).
			Component(componentBenchmark).
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return errors.New(err).
			Component(componentBenchmark).
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	if err := tmp.Close(); err != nil {
		return errors.New(err).
			Component(componentBenchmark).
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.New(err).
			Component(componentBenchmark).
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	return nil
}

// SyntheticInput returns a bands x steps matrix of standard normal values.
// The same seed always yields the same matrix.
func SyntheticInput(bands, steps int, seed uint64) features.FeatureMatrix {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]float32, bands*steps)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return features.FeatureMatrix{Bands: bands, Steps: steps, Data: data}
}
