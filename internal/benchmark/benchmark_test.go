package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
)

type fakePredictor struct {
	threads int
	delay   time.Duration
	calls   *atomic.Int64
	closed  *atomic.Int64
	failAt  int64
}

func (f *fakePredictor) Predict(features.FeatureMatrix) ([]float32, time.Duration, error) {
	n := f.calls.Add(1)
	if f.failAt > 0 && n == f.failAt {
		return nil, 0, stderrors.New("invoke failed")
	}
	d := f.delay / time.Duration(f.threads)
	time.Sleep(d)
	return []float32{1}, d, nil
}

func (f *fakePredictor) Close() error {
	f.closed.Add(1)
	return nil
}

type counters struct {
	calls, closed atomic.Int64
	perThread     map[int]int64
}

func factory(c *counters, delay time.Duration) EngineFactory {
	c.perThread = map[int]int64{}
	return func(threads int) (Predictor, error) {
		// the previous engine must be closed before the next is built
		c.perThread[threads] = c.closed.Load()
		return &fakePredictor{threads: threads, delay: delay, calls: &c.calls, closed: &c.closed}, nil
	}
}

func TestRunCallCountsAndStats(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var c counters
		h, err := New(factory(&c, 40*time.Millisecond), SyntheticInput(64, 100, 1),
			WithCPUSampler(monitor.StaticSampler(25)))
		require.NoError(t, err)

		report, err := h.Run(t.Context(), []int{1, 2, 4}, 20, 5)
		require.NoError(t, err)

		assert.Equal(t, int64(3*(20+5)), c.calls.Load())
		assert.Equal(t, int64(3), c.closed.Load())
		assert.Equal(t, map[int]int64{1: 0, 2: 1, 4: 2}, c.perThread)
		assert.Equal(t, []int{1, 2, 4}, report.Threads())

		one := report[1]
		assert.InDelta(t, 40, one.MeanLatency, 1e-9)
		assert.InDelta(t, 40, one.P95Latency, 1e-9)
		assert.InDelta(t, 40, one.MinLatency, 1e-9)
		assert.InDelta(t, 25, one.QPS, 1e-9, "20 predicts over 0.8 s")
		assert.InDelta(t, 25, one.MeanCPU, 1e-9)
		assert.InDelta(t, 25, one.MaxCPU, 1e-9)

		four := report[4]
		assert.InDelta(t, 10, four.MeanLatency, 1e-9)
		assert.InDelta(t, 100, four.QPS, 1e-9)
	})
}

func TestRunReportsOverTimedIterationsOnly(t *testing.T) {
	t.Parallel()

	var calls, closed atomic.Int64
	n := 0
	f := func(int) (Predictor, error) {
		return predictorFunc(func() time.Duration {
			n++
			calls.Add(1)
			if n <= 3 {
				return time.Second // warmup outliers
			}
			return time.Duration(n-3) * time.Millisecond
		}, &closed), nil
	}
	h, err := New(f, SyntheticInput(4, 4, 1))
	require.NoError(t, err)

	report, err := h.Run(t.Context(), []int{1}, 100, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(103), calls.Load())

	s := report[1]
	assert.InDelta(t, 1, s.MinLatency, 1e-9)
	assert.InDelta(t, 100, s.MaxLatency, 1e-9)
	assert.InDelta(t, 50.5, s.MeanLatency, 1e-9)
	assert.GreaterOrEqual(t, s.P95Latency, 94.0)
	assert.LessOrEqual(t, s.P95Latency, 96.0)
	assert.GreaterOrEqual(t, s.P99Latency, s.P95Latency)
	assert.Zero(t, s.MeanCPU)
}

type stubPredictor struct {
	next   func() time.Duration
	closed *atomic.Int64
}

func predictorFunc(next func() time.Duration, closed *atomic.Int64) Predictor {
	return &stubPredictor{next: next, closed: closed}
}

func (s *stubPredictor) Predict(features.FeatureMatrix) ([]float32, time.Duration, error) {
	return []float32{1}, s.next(), nil
}

func (s *stubPredictor) Close() error {
	s.closed.Add(1)
	return nil
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	var c counters
	h, err := New(factory(&c, 0), SyntheticInput(2, 2, 1))
	require.NoError(t, err)

	for _, tc := range []struct {
		threads            []int
		iterations, warmup int
	}{
		{nil, 1, 0},
		{[]int{0}, 1, 0},
		{[]int{2, 1, 2}, 1, 0},
		{[]int{1}, 0, 0},
		{[]int{1}, 1, -1},
	} {
		_, err := h.Run(t.Context(), tc.threads, tc.iterations, tc.warmup)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	}
	assert.Zero(t, c.calls.Load())

	_, err = New(nil, SyntheticInput(2, 2, 1))
	require.Error(t, err)
	_, err = New(factory(&c, 0), features.FeatureMatrix{Bands: 2, Steps: 2, Data: make([]float32, 3)})
	require.Error(t, err)
}

func TestRunPropagatesFailures(t *testing.T) {
	t.Parallel()

	_, err := mustHarness(t, func(int) (Predictor, error) {
		return nil, stderrors.New("no model")
	}).Run(t.Context(), []int{1}, 1, 0)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelInit))

	var calls, closed atomic.Int64
	report, err := mustHarness(t, func(threads int) (Predictor, error) {
		return &fakePredictor{threads: threads, calls: &calls, closed: &closed, failAt: 4}, nil
	}).Run(t.Context(), []int{1, 2}, 5, 2)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryInference))
	assert.Equal(t, int64(1), closed.Load(), "failed engine is still closed")
	assert.Empty(t, report)
}

func TestRunHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var calls, closed atomic.Int64
	h := mustHarness(t, func(threads int) (Predictor, error) {
		return &fakePredictor{threads: threads, calls: &calls, closed: &closed}, nil
	}, WithProgress(func(_, done, _ int) {
		if done == 3 {
			cancel()
		}
	}))

	_, err := h.Run(ctx, []int{1}, 10, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(1), closed.Load())
}

func mustHarness(t *testing.T, f EngineFactory, opts ...Option) *Harness {
	t.Helper()
	h, err := New(f, SyntheticInput(2, 2, 1), opts...)
	require.NoError(t, err)
	return h
}

func TestReportJSONAndSummary(t *testing.T) {
	t.Parallel()

	report := Report{
		4: {MeanLatency: 10, P95Latency: 12, QPS: 100, MeanCPU: 380},
		1: {MeanLatency: 40, P95Latency: 45, QPS: 25, MeanCPU: 99},
	}
	path := filepath.Join(t.TempDir(), "benchmark_results.json")
	require.NoError(t, report.WriteJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]map[string]float64
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Contains(t, decoded, "1")
	require.Contains(t, decoded, "4")
	for _, key := range []string{"mean_latency", "p95_latency", "p99_latency", "min_latency", "max_latency", "qps", "mean_cpu", "max_cpu"} {
		assert.Contains(t, decoded["4"], key)
	}
	assert.InDelta(t, 100, decoded["4"]["qps"], 1e-9)

	var buf bytes.Buffer
	require.NoError(t, report.WriteSummary(&buf))
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "Threads")
	assert.Contains(t, string(lines[1]), "40.00")
	assert.Contains(t, string(lines[2]), "100.00")

	err = report.WriteJSON(filepath.Join(t.TempDir(), "missing", "out.json"))
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestSyntheticInputIsDeterministic(t *testing.T) {
	t.Parallel()

	a := SyntheticInput(64, 100, 42)
	b := SyntheticInput(64, 100, 42)
	c := SyntheticInput(64, 100, 43)
	assert.Equal(t, 64, a.Bands)
	assert.Equal(t, 100, a.Steps)
	assert.Len(t, a.Data, 6400)
	assert.Equal(t, a.Data, b.Data)
	assert.NotEqual(t, a.Data, c.Data)
}

func TestFileInputs(t *testing.T) {
	t.Parallel()

	const rate, window = 16000, 15360
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	data := make([]int, window*5/2)
	for i := range data {
		data[i] = int(8000 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	stats, err := features.NewNormalizationStats(0, 1)
	require.NoError(t, err)
	ex, err := features.NewExtractor(features.DefaultConfig(), stats)
	require.NoError(t, err)

	inputs, err := FileInputs(t.Context(), path, ex, window)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, 64, inputs[0].Bands)
	assert.Equal(t, 97, inputs[0].Steps)

	_, err = FileInputs(t.Context(), path, ex, window*3)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}
