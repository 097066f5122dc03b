// Package pipeline wires capture, windowing, feature extraction, inference
// and publication into the live processing path.
//
// Two goroutines do all the work. The capture goroutine reads blocks from
// the source, cuts them into frames and puts them on the queue. The
// processing goroutine takes frames off the queue, extracts features, runs
// the model and publishes the ranked result. The queue is the only hand-off
// between them.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore"
	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore/sources"
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/inference"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
	"github.com/Hugo0713/Kunpeng-AED/internal/observability/metrics"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

const (
	defaultGetTimeout  = time.Second
	defaultLogInterval = 50
	defaultTopK        = 5
)

// Options holds the stages and tuning of a Pipeline. Source, Window, Queue,
// Extractor, Engine and Publisher are required.
type Options struct {
	Source    sources.Source
	Window    *audiocore.WindowBuffer
	Queue     *audiocore.FrameQueue
	Extractor *features.Extractor
	Engine    *inference.Engine
	Publisher *publisher.Publisher

	// BlockSize is the number of samples per source read; defaults to the
	// window hop.
	BlockSize int
	TopK      int
	// GetTimeout bounds each queue wait so the loop notices shutdown.
	GetTimeout time.Duration
	// PredictTimeout is the model deadline; zero disables it.
	PredictTimeout time.Duration
	// LogInterval is the number of frames between progress logs.
	LogInterval int

	CPU     monitor.CPUSampler
	Metrics *metrics.PipelineMetrics
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Status         string `json:"status"`
	FramesEmitted  uint64 `json:"frames_emitted"`
	FramesDropped  uint64 `json:"frames_dropped"`
	FramesSkipped  uint64 `json:"frames_skipped"`
	Processed      uint64 `json:"processed"`
	SamplesClipped uint64 `json:"samples_clipped"`
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
}

// Pipeline runs the live path. Create it with New, then Start, Stop and Wait.
type Pipeline struct {
	opts Options
	log  logger.Logger

	// mu guards the lifecycle flags. The processing goroutine publishes
	// while holding it so nothing is published once Stop has returned.
	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	running   atomic.Int32
	done      chan struct{}
	inputDone chan struct{}

	processed atomic.Uint64
	skipped   atomic.Uint64
}

// New validates opts and returns a stopped pipeline.
func New(opts Options) (*Pipeline, error) {
	var missing []string
	if opts.Source == nil {
		missing = append(missing, "source")
	}
	if opts.Window == nil {
		missing = append(missing, "window buffer")
	}
	if opts.Queue == nil {
		missing = append(missing, "frame queue")
	}
	if opts.Extractor == nil {
		missing = append(missing, "feature extractor")
	}
	if opts.Engine == nil {
		missing = append(missing, "inference engine")
	}
	if opts.Publisher == nil {
		missing = append(missing, "publisher")
	}
	if len(missing) > 0 {
		return nil, errors.Newf("pipeline is missing %v", missing).
			Component(componentPipeline).
			Category(errors.CategoryConfiguration).
			Build()
	}

	if opts.BlockSize <= 0 {
		opts.BlockSize = opts.Window.Hop()
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.GetTimeout <= 0 {
		opts.GetTimeout = defaultGetTimeout
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = defaultLogInterval
	}
	if opts.CPU == nil {
		opts.CPU = monitor.StaticSampler(0)
	}

	return &Pipeline{
		opts:      opts,
		log:       GetLogger(),
		done:      make(chan struct{}),
		inputDone: make(chan struct{}),
	}, nil
}

// Start launches the capture and processing goroutines. They run until
// Stop, until ctx is done or until a file source is exhausted and every
// queued frame has been processed.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	if p.stopped {
		return errors.Newf("pipeline was stopped before start").
			Component(componentPipeline).
			Category(errors.CategoryState).
			Build()
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.running.Store(2)
	go p.run("capture", func() { p.capture(ctx) })
	go p.run("processing", func() { p.process(ctx) })

	// a cancelled parent stops the pipeline like Stop does
	context.AfterFunc(ctx, p.Stop)

	p.log.Info("pipeline started",
		logger.String("source", p.opts.Source.Name()),
		logger.Int("sample_rate", p.opts.Source.SampleRate()),
		logger.Int("window", p.opts.Window.Window()),
		logger.Int("hop", p.opts.Window.Hop()),
		logger.Int("queue_capacity", p.opts.Queue.Cap()),
		logger.String("drop_policy", p.opts.Queue.Policy().String()),
		logger.Int("threads", p.opts.Engine.Threads()))
	return nil
}

// run executes fn with panic recovery; the last goroutine out closes done.
func (p *Pipeline) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline goroutine panicked",
				logger.String("goroutine", name),
				logger.Any("panic", r))
			p.Stop()
		}
		if p.running.Add(-1) == 0 {
			close(p.done)
		}
	}()
	fn()
}

// Stop cancels both goroutines, closes the queue and the source, and
// announces the stopped status. It does not wait; use Wait or Done. Stop is
// idempotent and safe to call from any goroutine.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.opts.Queue.Close()
	if err := p.opts.Source.Close(); err != nil {
		p.log.Warn("closing audio source failed", logger.Error(err))
	}
	if !started {
		close(p.done)
	}

	p.opts.Publisher.BroadcastStatus(p.Status())
	p.log.Info("pipeline stopping",
		logger.Uint64("processed", p.processed.Load()),
		logger.Uint64("dropped", p.opts.Queue.Dropped()))
}

// Wait blocks until both goroutines have exited or timeout elapses.
func (p *Pipeline) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return errors.New(ErrShutdownTimeout).
			Context("timeout_ms", timeout.Milliseconds()).
			Build()
	}
}

// Done is closed once both goroutines have exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// SetNormalization replaces the feature normalization used for subsequent
// frames.
func (p *Pipeline) SetNormalization(mean, std float64) error {
	if err := p.opts.Extractor.Stats().Set(mean, std); err != nil {
		return err
	}
	p.log.Info("normalization updated", logger.Float64("mean", mean), logger.Float64("std", std))
	return nil
}

// Normalization returns the current normalization.
func (p *Pipeline) Normalization() features.Stats {
	return p.opts.Extractor.Stats().Load()
}

// Status describes the pipeline for system_status events.
func (p *Pipeline) Status() publisher.SystemStatus {
	p.mu.Lock()
	running := p.started && !p.stopped
	p.mu.Unlock()

	status := publisher.StatusStopped
	if running {
		status = publisher.StatusRunning
	}
	return publisher.SystemStatus{
		Status:  status,
		Model:   p.opts.Engine.ModelID(),
		Threads: p.opts.Engine.Threads(),
	}
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Status:         p.Status().Status,
		FramesEmitted:  p.opts.Window.Emitted(),
		FramesDropped:  p.opts.Queue.Dropped(),
		FramesSkipped:  p.skipped.Load(),
		Processed:      p.processed.Load(),
		SamplesClipped: p.opts.Window.Clipped(),
		QueueDepth:     p.opts.Queue.Len(),
		QueueCapacity:  p.opts.Queue.Cap(),
	}
}
