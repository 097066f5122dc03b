package features

import (
	"context"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

const (
	powerFloor = 1e-10
	stdEpsilon = 1e-6
)

// FeatureMatrix is a log-mel spectrogram stored row-major as [Bands][Steps].
// It is not modified after Extract returns it.
type FeatureMatrix struct {
	Bands int
	Steps int
	Data  []float32
}

// At returns the value for band b at time step s.
func (fm FeatureMatrix) At(b, s int) float32 {
	return fm.Data[b*fm.Steps+s]
}

// Extractor computes feature matrices. Extract is safe for concurrent use.
type Extractor struct {
	cfg    Config
	stats  *NormalizationStats
	window []float64
	bank   []melFilter
	plans  sync.Pool
}

// stftPlan holds the FFT work state of one goroutine.
type stftPlan struct {
	fft    *fourier.FFT
	frame  []float64
	coeffs []complex128
	power  []float64
}

// NewExtractor validates cfg and precomputes the window and filterbank.
func NewExtractor(cfg Config, stats *NormalizationStats) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, errors.Newf("normalization stats are required").
			Component(componentFeatures).
			Category(errors.CategoryConfiguration).
			Build()
	}

	e := &Extractor{
		cfg:    cfg,
		stats:  stats,
		window: periodicHann(cfg.NFFT),
		bank:   melFilterBank(cfg.NMels, cfg.NFFT, cfg.SampleRate, cfg.FMin, cfg.FMax),
	}
	e.plans.New = func() any {
		return &stftPlan{
			fft:    fourier.NewFFT(cfg.NFFT),
			frame:  make([]float64, cfg.NFFT),
			coeffs: make([]complex128, cfg.NFFT/2+1),
			power:  make([]float64, cfg.NFFT/2+1),
		}
	}

	GetLogger().Debug("feature extractor ready",
		logger.Int("n_fft", cfg.NFFT),
		logger.Int("hop_length", cfg.HopLength),
		logger.Int("n_mels", cfg.NMels),
		logger.Float64("fmin", cfg.FMin),
		logger.Float64("fmax", cfg.FMax))
	return e, nil
}

// Config returns the extractor configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Stats returns the injected normalization holder.
func (e *Extractor) Stats() *NormalizationStats { return e.stats }

// Steps returns the number of time steps produced for n input samples.
func (e *Extractor) Steps(n int) int {
	return 1 + n/e.cfg.HopLength
}

// Extract computes the normalized log-mel matrix of samples using the
// normalization snapshot current at the call.
func (e *Extractor) Extract(samples []float32) (FeatureMatrix, error) {
	if len(samples) < e.cfg.NFFT {
		return FeatureMatrix{}, errors.New(ErrInputTooShort).
			Context("samples", len(samples)).
			Context("n_fft", e.cfg.NFFT).
			Build()
	}
	stats := e.stats.Load()

	steps := e.Steps(len(samples))
	bands := e.cfg.NMels
	mel := make([]float64, bands*steps)

	plan := e.plans.Get().(*stftPlan)
	defer e.plans.Put(plan)

	pad := e.cfg.NFFT / 2
	for s := range steps {
		start := s*e.cfg.HopLength - pad
		for i := range plan.frame {
			plan.frame[i] = float64(samples[reflectIndex(start+i, len(samples))]) * e.window[i]
		}
		plan.fft.Coefficients(plan.coeffs, plan.frame)
		for k, c := range plan.coeffs {
			re, im := real(c), imag(c)
			plan.power[k] = re*re + im*im
		}
		for b, f := range e.bank {
			end := min(f.start+len(f.weights), len(plan.power))
			mel[b*steps+s] = floats.Dot(f.weights[:end-f.start], plan.power[f.start:end])
		}
	}

	powerToDB(mel, e.cfg.TopDB)

	scale := 1 / (stats.Std + stdEpsilon)
	out := make([]float32, len(mel))
	for i, v := range mel {
		out[i] = float32((v - stats.Mean) * scale)
	}
	return FeatureMatrix{Bands: bands, Steps: steps, Data: out}, nil
}

// powerToDB converts in place to decibels relative to the maximum, then
// clamps to topDB below it.
func powerToDB(power []float64, topDB float64) {
	ref := math.Max(floats.Max(power), powerFloor)
	refDB := 10 * math.Log10(ref)
	for i, p := range power {
		power[i] = 10*math.Log10(math.Max(p, powerFloor)) - refDB
	}
	if topDB > 0 {
		// the maximum is 0 dB after referencing
		for i, v := range power {
			power[i] = math.Max(v, -topDB)
		}
	}
}

// reflectIndex mirrors i into [0, n) without repeating the edge sample.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// ExtractBatch extracts frames on a bounded worker pool. The output order
// matches the input order. The first failure cancels the remaining work.
func (e *Extractor) ExtractBatch(ctx context.Context, frames [][]float32) ([]FeatureMatrix, error) {
	out := make([]FeatureMatrix, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Workers, 1))

	for i, frame := range frames {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fm, err := e.Extract(frame)
			if err != nil {
				return errors.New(err).
					Component(componentFeatures).
					Context("frame_index", i).
					Build()
			}
			out[i] = fm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLogger returns the features logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("features")
}
