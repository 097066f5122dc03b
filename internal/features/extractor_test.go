package features

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

func tone(freq float64, n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func newTestExtractor(t *testing.T, mean, std float64) *Extractor {
	t.Helper()
	stats, err := NewNormalizationStats(mean, std)
	require.NoError(t, err)
	e, err := NewExtractor(DefaultConfig(), stats)
	require.NoError(t, err)
	return e
}

func TestExtractShape(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, 0, 1)
	fm, err := e.Extract(tone(1000, 15360, 16000))
	require.NoError(t, err)

	assert.Equal(t, 64, fm.Bands)
	assert.Equal(t, 97, fm.Steps)
	assert.Len(t, fm.Data, 64*97)
	for _, v := range fm.Data {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestExtractInputTooShort(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, 0, 1)
	_, err := e.Extract(make([]float32, 2047))
	require.ErrorIs(t, err, ErrInputTooShort)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = e.Extract(make([]float32, 2048))
	require.NoError(t, err)
}

func TestExtractDeterministic(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, -20, 15)
	in := tone(440, 15360, 16000)
	want, err := e.Extract(in)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]FeatureMatrix, 8)
	for i := range results {
		wg.Go(func() {
			fm, err := e.Extract(in)
			assert.NoError(t, err)
			results[i] = fm
		})
	}
	wg.Wait()

	for _, got := range results {
		// bit-identical, not approximately equal
		assert.Equal(t, want.Data, got.Data)
	}
}

func TestExtractDynamicRange(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, 0, 1)
	fm, err := e.Extract(tone(1000, 15360, 16000))
	require.NoError(t, err)

	hi, lo := float32(math.Inf(-1)), float32(math.Inf(1))
	for _, v := range fm.Data {
		hi = max(hi, v)
		lo = min(lo, v)
	}
	assert.InDelta(t, 0, hi, 1e-4, "frame maximum is the 0 dB reference")
	assert.GreaterOrEqual(t, lo, float32(-80.0))
}

func TestExtractTonePeaksInMatchingBand(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, 0, 1)
	fm, err := e.Extract(tone(1000, 15360, 16000))
	require.NoError(t, err)

	mid := fm.Steps / 2
	best := 0
	for b := range fm.Bands {
		if fm.At(b, mid) > fm.At(best, mid) {
			best = b
		}
	}

	lo, hi := hzToMel(125), hzToMel(7500)
	edge := func(i int) float64 { return melToHz(lo + (hi-lo)*float64(i)/65) }
	assert.LessOrEqual(t, edge(best), 1000.0)
	assert.GreaterOrEqual(t, edge(best+2), 1000.0)
}

func TestExtractUsesCurrentStats(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, 0, 1)
	in := tone(2000, 4096, 16000)
	base, err := e.Extract(in)
	require.NoError(t, err)

	require.NoError(t, e.Stats().Set(-10, 4))
	shifted, err := e.Extract(in)
	require.NoError(t, err)

	for i := range base.Data {
		db := float64(base.Data[i]) * (1 + stdEpsilon)
		want := (db + 10) / (4 + stdEpsilon)
		assert.InDelta(t, want, shifted.Data[i], 1e-3)
	}
	// the first matrix is a snapshot
	again, err := NewNormalizationStats(0, 1)
	require.NoError(t, err)
	e2, err := NewExtractor(DefaultConfig(), again)
	require.NoError(t, err)
	fresh, err := e2.Extract(in)
	require.NoError(t, err)
	assert.Equal(t, fresh.Data, base.Data)
}

func TestNormalizationStatsSet(t *testing.T) {
	t.Parallel()

	ns, err := NewNormalizationStats(1.5, 2)
	require.NoError(t, err)
	assert.Equal(t, Stats{Mean: 1.5, Std: 2}, ns.Load())

	for _, tc := range []struct{ mean, std float64 }{
		{math.NaN(), 1}, {0, math.Inf(1)}, {0, -0.1},
	} {
		require.ErrorIs(t, ns.Set(tc.mean, tc.std), ErrInvalidStats)
	}
	assert.Equal(t, Stats{Mean: 1.5, Std: 2}, ns.Load(), "rejected update leaves stats untouched")

	require.NoError(t, ns.Set(0, 0))
	_, err = NewNormalizationStats(0, -1)
	require.ErrorIs(t, err, ErrInvalidStats)

	var zero NormalizationStats
	assert.Equal(t, Stats{Std: 1}, zero.Load())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.NFFT = 1000
	cfg.FMax = 9000
	cfg.HopLength = 0
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewExtractor(cfg, &NormalizationStats{})
	require.Error(t, err)
	_, err = NewExtractor(DefaultConfig(), nil)
	require.Error(t, err)
}

func TestExtractBatchPreservesOrder(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, 0, 1)
	frames := [][]float32{
		tone(300, 4096, 16000),
		tone(1200, 4096, 16000),
		tone(3000, 4096, 16000),
		tone(6000, 4096, 16000),
		tone(500, 4096, 16000),
	}

	got, err := e.ExtractBatch(context.Background(), frames)
	require.NoError(t, err)
	require.Len(t, got, len(frames))
	for i, f := range frames {
		want, err := e.Extract(f)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got[i].Data, "frame %d", i)
	}
}

func TestExtractBatchFailsOnShortFrame(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, 0, 1)
	_, err := e.ExtractBatch(context.Background(), [][]float32{
		tone(300, 4096, 16000),
		make([]float32, 10),
	})
	require.ErrorIs(t, err, ErrInputTooShort)
}

func TestExtractBatchCancelled(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ExtractBatch(ctx, [][]float32{tone(300, 4096, 16000)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReflectIndex(t *testing.T) {
	t.Parallel()

	n := 5
	for in, want := range map[int]int{-1: 1, -2: 2, -4: 4, 0: 0, 4: 4, 5: 3, 6: 2, 8: 0} {
		assert.Equal(t, want, reflectIndex(in, n), "index %d", in)
	}
	assert.Equal(t, 0, reflectIndex(-3, 1))
}

func TestMelFilterBankCoversRange(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	bank := melFilterBank(cfg.NMels, cfg.NFFT, cfg.SampleRate, cfg.FMin, cfg.FMax)
	require.Len(t, bank, cfg.NMels)

	binHz := float64(cfg.SampleRate) / float64(cfg.NFFT)
	prev := -1
	for m, f := range bank {
		require.NotEmpty(t, f.weights, "filter %d", m)
		assert.GreaterOrEqual(t, f.start, prev, "filters move up in frequency")
		assert.GreaterOrEqual(t, float64(f.start)*binHz, cfg.FMin-binHz)
		assert.LessOrEqual(t, float64(f.start+len(f.weights)-1)*binHz, cfg.FMax)
		prev = f.start
	}
	assert.InDelta(t, 1000.0, melToHz(hzToMel(1000)), 1e-9)
	assert.InDelta(t, 15.0, hzToMel(1000), 1e-9)
}
