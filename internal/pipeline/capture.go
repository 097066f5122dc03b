package pipeline

import (
	"context"
	"time"

	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore/sources"
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// capture moves samples from the source into the queue until the source
// ends, fails or the context is cancelled.
func (p *Pipeline) capture(ctx context.Context) {
	defer close(p.inputDone)

	src := p.opts.Source
	policy := p.opts.Queue.Policy().String()
	clipped := p.opts.Window.Clipped()

	for {
		block, err := src.ReadBlock(ctx, p.opts.BlockSize)
		if len(block) > 0 {
			frames := p.opts.Window.Write(block, time.Now())
			for _, frame := range frames {
				if discarded, dropped := p.opts.Queue.Put(frame); dropped {
					p.opts.Metrics.RecordDrop(policy)
					p.skipID(discarded.ID)
				}
			}
			p.opts.Metrics.RecordFrames(len(frames))
			p.opts.Metrics.SetQueueDepth(p.opts.Queue.Len())

			if now := p.opts.Window.Clipped(); now > clipped {
				p.opts.Metrics.RecordClipped(now - clipped)
				clipped = now
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, sources.ErrEndOfStream):
			p.log.Info("audio source reached end of stream",
				logger.String("source", src.Name()),
				logger.Uint64("frames", p.opts.Window.Emitted()))
			return
		case ctx.Err() != nil, errors.Is(err, sources.ErrSourceClosed):
			return
		default:
			p.log.Error("audio source read failed, stopping pipeline",
				logger.String("source", src.Name()),
				logger.Error(err))
			p.Stop()
			return
		}
	}
}
