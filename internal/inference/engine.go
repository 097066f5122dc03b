package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// EngineOptions configures an Engine. Threads is informational for models
// that are built elsewhere; it is reported with each result.
type EngineOptions struct {
	Threads int
	Labels  *Labels
	ModelID string
}

// Result is the outcome of one prediction.
type Result struct {
	FrameID       uint64
	Timestamp     time.Time
	Probabilities []float32
	Latency       time.Duration
	Threads       int
}

// Engine adapts feature matrices to a Model and runs it. An Engine serves
// one caller at a time; overlapping calls fail with ErrConcurrentPredict.
type Engine struct {
	model   Model
	threads int
	labels  *Labels
	modelID string

	steps, bands int
	classes      int
	input        []float32

	busy atomic.Bool
	// call is a one-slot semaphore held for the whole model call so Close
	// cannot release the model under a call abandoned by PredictWithDeadline.
	call      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewEngine wraps model. The thread count is fixed for the engine's life.
func NewEngine(model Model, opts EngineOptions) (*Engine, error) {
	if model == nil {
		return nil, errors.Newf("model is required").
			Component(componentInference).
			Category(errors.CategoryModelInit).
			Build()
	}
	steps, bands := model.InputShape()
	classes := model.NumClasses()
	if steps <= 0 || bands <= 0 || classes <= 0 {
		return nil, errors.Newf("model reports invalid shape %dx%d -> %d", steps, bands, classes).
			Component(componentInference).
			Category(errors.CategoryModelInit).
			Build()
	}

	labels := opts.Labels
	if labels == nil {
		labels = DefaultLabels(classes)
	} else if labels.Len() != classes {
		GetLogger().Warn("label count differs from model classes",
			logger.Int("labels", labels.Len()),
			logger.Int("classes", classes))
	}

	return &Engine{
		model:   model,
		threads: max(opts.Threads, 1),
		labels:  labels,
		modelID: opts.ModelID,
		steps:   steps,
		bands:   bands,
		classes: classes,
		input:   make([]float32, steps*bands),
		call:    make(chan struct{}, 1),
	}, nil
}

// Threads returns the configured thread count.
func (e *Engine) Threads() int { return e.threads }

// ModelID returns the model identifier.
func (e *Engine) ModelID() string { return e.modelID }

// Labels returns the class names.
func (e *Engine) Labels() *Labels { return e.labels }

// NumClasses returns the model class count.
func (e *Engine) NumClasses() int { return e.classes }

// Predict runs the model on fm. Latency covers the model call only.
func (e *Engine) Predict(fm features.FeatureMatrix) ([]float32, time.Duration, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, 0, ErrConcurrentPredict
	}
	defer e.busy.Store(false)
	return e.predict(fm)
}

// PredictWithDeadline runs Predict but gives up after timeout or when ctx is
// done. An abandoned call keeps the engine busy until the model returns.
func (e *Engine) PredictWithDeadline(ctx context.Context, fm features.FeatureMatrix, timeout time.Duration) ([]float32, time.Duration, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, 0, ErrConcurrentPredict
	}

	type outcome struct {
		probs   []float32
		latency time.Duration
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer e.busy.Store(false)
		probs, latency, err := e.predict(fm)
		done <- outcome{probs, latency, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.probs, o.latency, o.err
	case <-timer.C:
		return nil, 0, errors.New(ErrPredictTimeout).
			Context("timeout_ms", timeout.Milliseconds()).
			Build()
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Busy reports whether a prediction is in flight.
func (e *Engine) Busy() bool { return e.busy.Load() }

func (e *Engine) predict(fm features.FeatureMatrix) ([]float32, time.Duration, error) {
	e.call <- struct{}{}
	defer func() { <-e.call }()
	if e.closed.Load() {
		return nil, 0, ErrEngineClosed
	}
	if err := e.adapt(fm); err != nil {
		return nil, 0, err
	}

	start := time.Now()
	probs, err := e.model.Invoke(e.input)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, errors.New(err).
			Component(componentInference).
			Category(errors.CategoryInference).
			Context("model_id", e.modelID).
			Timing("invoke", latency).
			Build()
	}
	if len(probs) != e.classes {
		return nil, latency, errors.New(ErrClassCountMismatch).
			Context("got", len(probs)).
			Context("want", e.classes).
			Build()
	}
	return probs, latency, nil
}

// adapt writes fm into the model input as [steps][bands], cropping or
// zero-padding the time axis.
func (e *Engine) adapt(fm features.FeatureMatrix) error {
	if fm.Bands != e.bands {
		return errors.New(ErrShapeMismatch).
			Context("bands", fm.Bands).
			Context("model_bands", e.bands).
			Build()
	}
	clear(e.input)
	steps := min(fm.Steps, e.steps)
	for s := range steps {
		row := e.input[s*e.bands : (s+1)*e.bands]
		for b := range row {
			row[b] = fm.Data[b*fm.Steps+s]
		}
	}
	return nil
}

// TopK ranks probs and attaches labels.
func (e *Engine) TopK(probs []float32, k int) []RankedEntry {
	idx := TopK(probs, k)
	out := make([]RankedEntry, len(idx))
	for i, j := range idx {
		out[i] = RankedEntry{Index: j, Label: e.labels.Name(j), Probability: probs[j]}
	}
	return out
}

// Close releases the model. A call still running in the model, including
// one abandoned by PredictWithDeadline, finishes first. It is idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.call <- struct{}{}
		defer func() { <-e.call }()
		err = e.model.Close()
	})
	return err
}
