package pipeline

import (
	"context"
	"time"

	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore"
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/inference"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

// progress accumulates figures between periodic log lines.
type progress struct {
	frames  int
	latency time.Duration
	cpu     float64
}

// process turns queued frames into published results. When the input has
// ended it drains the queue, flushes the publisher and stops the pipeline.
func (p *Pipeline) process(ctx context.Context) {
	var window progress
	for {
		frame, ok := p.opts.Queue.Get(ctx, p.opts.GetTimeout)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			if p.inputFinished() {
				p.finish()
				return
			}
			continue
		}
		p.opts.Metrics.SetQueueDepth(p.opts.Queue.Len())

		ev, ok := p.handle(ctx, frame)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if !p.publish(ev) {
			return
		}
		n := p.processed.Add(1)

		window.frames++
		window.latency += time.Duration(ev.LatencyMS * float64(time.Millisecond))
		window.cpu += ev.CPUPercent
		if n%uint64(p.opts.LogInterval) == 0 {
			p.logProgress(n, window)
			window = progress{}
		}
	}
}

// handle extracts, predicts and ranks one frame. ok is false when the frame
// was skipped.
func (p *Pipeline) handle(ctx context.Context, frame audiocore.AudioFrame) (publisher.InferenceEvent, bool) {
	start := time.Now()
	fm, err := p.opts.Extractor.Extract(frame.Samples)
	p.opts.Metrics.ObserveFeature(time.Since(start))
	if err != nil {
		p.skip(frame, "feature", err)
		return publisher.InferenceEvent{}, false
	}

	var (
		probs   []float32
		latency time.Duration
	)
	if p.opts.PredictTimeout > 0 {
		probs, latency, err = p.opts.Engine.PredictWithDeadline(ctx, fm, p.opts.PredictTimeout)
	} else {
		probs, latency, err = p.opts.Engine.Predict(fm)
	}
	if err != nil {
		if ctx.Err() != nil {
			return publisher.InferenceEvent{}, false
		}
		reason := "predict"
		if errors.Is(err, inference.ErrPredictTimeout) {
			reason = "timeout"
		}
		p.skip(frame, reason, err)
		return publisher.InferenceEvent{}, false
	}
	threads := p.opts.Engine.Threads()
	p.opts.Metrics.ObserveInference(threads, latency)

	cpu, err := p.opts.CPU.Sample()
	if err != nil {
		p.log.Debug("cpu sample failed", logger.Error(err))
	}
	p.opts.Metrics.SetCPUPercent(cpu)

	ranked := p.opts.Engine.TopK(probs, p.opts.TopK)
	topK := make([]publisher.ClassProb, len(ranked))
	for i, r := range ranked {
		topK[i] = publisher.ClassProb{Class: r.Label, Prob: float64(r.Probability)}
	}
	ev := publisher.InferenceEvent{
		Timestamp:  publisher.UnixSeconds(frame.Timestamp),
		FrameID:    frame.ID,
		TopK:       topK,
		LatencyMS:  float64(latency) / float64(time.Millisecond),
		CPUPercent: cpu,
		Threads:    threads,
	}
	if len(topK) > 0 {
		ev.TopClass = topK[0].Class
		ev.Confidence = topK[0].Prob
	}

	p.log.Trace("frame classified",
		logger.Uint64("frame_id", frame.ID),
		logger.String("top_class", ev.TopClass),
		logger.Float64("confidence", ev.Confidence),
		logger.Duration("latency", latency))
	return ev, true
}

func (p *Pipeline) skip(frame audiocore.AudioFrame, reason string, err error) {
	p.skipped.Add(1)
	p.skipID(frame.ID)
	p.opts.Metrics.RecordInferenceError(reason)
	if errors.Is(err, features.ErrInputTooShort) {
		p.log.Warn("frame too short for feature extraction, skipping",
			logger.Uint64("frame_id", frame.ID),
			logger.Int("samples", len(frame.Samples)))
		return
	}
	p.log.Error("frame skipped",
		logger.Uint64("frame_id", frame.ID),
		logger.String("reason", reason),
		logger.Error(err))
}

// publish hands ev to the publisher unless the pipeline has been stopped.
func (p *Pipeline) publish(ev publisher.InferenceEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.opts.Publisher.Publish(ev)
	return true
}

// skipID tells the publisher that frame id will never produce a result, so
// later results are not held back waiting for it.
func (p *Pipeline) skipID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.opts.Publisher.Skip(id)
	}
}

func (p *Pipeline) inputFinished() bool {
	select {
	case <-p.inputDone:
		return p.opts.Queue.Len() == 0
	default:
		return false
	}
}

// finish flushes held results and stops the pipeline after the input ran
// out.
func (p *Pipeline) finish() {
	p.mu.Lock()
	if !p.stopped {
		p.opts.Publisher.Flush()
	}
	p.mu.Unlock()

	p.log.Info("input exhausted, all frames processed",
		logger.Uint64("processed", p.processed.Load()),
		logger.Uint64("skipped", p.skipped.Load()))
	p.Stop()
}

func (p *Pipeline) logProgress(total uint64, w progress) {
	if w.frames == 0 {
		return
	}
	p.log.Info("processing progress",
		logger.Uint64("frames", total),
		logger.Duration("mean_latency", w.latency/time.Duration(w.frames)),
		logger.Float64("mean_cpu", w.cpu/float64(w.frames)),
		logger.Uint64("dropped", p.opts.Queue.Dropped()),
		logger.Int("queue_depth", p.opts.Queue.Len()))
}
