package datastore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

const endRunTimeout = 5 * time.Second

// Recorder writes results at or above a confidence threshold to a store,
// all under one run.
type Recorder struct {
	store     Interface
	threshold float64
	run       Run
	log       logger.Logger
	saved     uint64
}

// NewRecorder creates a recorder for a new run described by source, model
// and threads.
func NewRecorder(store Interface, threshold float64, source, model string, threads int) *Recorder {
	return &Recorder{
		store:     store,
		threshold: threshold,
		run: Run{
			ID:      uuid.NewString(),
			Source:  source,
			Model:   model,
			Threads: threads,
		},
		log: GetLogger(),
	}
}

// RunID returns the ID detections are recorded under.
func (r *Recorder) RunID() string { return r.run.ID }

// Run records events from sub until ctx is done or sub is closed, then
// closes the run. Write failures are logged and do not stop recording. If a
// slow store gets the subscriber evicted, Run subscribes again and carries
// on under the same run.
func (r *Recorder) Run(ctx context.Context, sub *publisher.Subscriber) error {
	r.run.StartedAt = time.Now()
	if err := r.store.StartRun(ctx, &r.run); err != nil {
		return err
	}
	r.log.Info("recording detections",
		logger.String("run_id", r.run.ID),
		logger.Float64("threshold", r.threshold))

	defer func() {
		// ctx may already be cancelled here
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endRunTimeout)
		defer cancel()
		if err := r.store.EndRun(endCtx, r.run.ID, time.Now()); err != nil {
			r.log.Warn("failed to close run", logger.String("run_id", r.run.ID), logger.Error(err))
		}
		r.log.Info("detection recording stopped",
			logger.String("run_id", r.run.ID),
			logger.Uint64("saved", r.saved))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				if !sub.Evicted() || ctx.Err() != nil {
					return nil
				}
				r.log.Warn("recorder fell behind and was evicted, resubscribing",
					logger.String("run_id", r.run.ID),
					logger.String("subscriber_id", sub.ID.String()))
				sub = sub.Resubscribe()
				continue
			}
			if ev.Type == publisher.EventInferenceResult {
				r.record(ctx, ev.Result)
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, res *publisher.InferenceEvent) {
	if res.Confidence < r.threshold {
		return
	}
	d := &Detection{
		RunID:      r.run.ID,
		FrameID:    res.FrameID,
		Timestamp:  res.Time(),
		Label:      res.TopClass,
		Confidence: res.Confidence,
		LatencyMS:  res.LatencyMS,
		CPUPercent: res.CPUPercent,
		Threads:    res.Threads,
	}
	if err := r.store.SaveDetection(ctx, d); err != nil {
		r.log.Error("failed to save detection",
			logger.Uint64("frame_id", res.FrameID),
			logger.Error(err))
		return
	}
	r.saved++
}
