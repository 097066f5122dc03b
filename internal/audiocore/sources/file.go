package sources

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// FileSource replays a decoded WAV or FLAC file. The file is decoded and
// resampled once at open; reads are then served from memory, optionally paced
// at playback rate.
type FileSource struct {
	path       string
	sampleRate int
	limiter    *rate.Limiter // nil when not pacing

	mu      sync.Mutex
	samples []float32
	pos     int
	eof     bool
	closed  bool
}

// OpenFile decodes path and prepares it for replay at sampleRate.
func OpenFile(path string, sampleRate int, realtime bool) (*FileSource, error) {
	d, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	samples := d.samples
	if d.sampleRate != sampleRate {
		samples = resample(samples, d.sampleRate, sampleRate)
	}

	GetLogger().Info("opened audio file",
		logger.String("path", path),
		logger.Int("file_rate", d.sampleRate),
		logger.Int("channels", d.channels),
		logger.Int("bit_depth", d.bitDepth),
		logger.Int("samples", len(samples)),
		logger.Bool("realtime", realtime))

	fs := &FileSource{
		path:       path,
		sampleRate: sampleRate,
		samples:    samples,
	}
	if realtime {
		// one second of burst, drained so replay starts at playback speed
		fs.limiter = rate.NewLimiter(rate.Limit(sampleRate), sampleRate)
		fs.limiter.AllowN(time.Now(), sampleRate)
	}
	return fs, nil
}

// ReadBlock returns the next n samples. The remainder of the file is returned
// as a short block; the following call returns ErrEndOfStream.
func (fs *FileSource) ReadBlock(ctx context.Context, n int) ([]float32, error) {
	if n <= 0 {
		return nil, errors.Newf("invalid block size %d", n).
			Component(componentSources).
			Category(errors.CategoryValidation).
			Build()
	}

	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil, ErrSourceClosed
	}
	if fs.eof || fs.pos >= len(fs.samples) {
		fs.eof = true
		fs.mu.Unlock()
		return nil, ErrEndOfStream
	}
	end := min(fs.pos+n, len(fs.samples))
	block := make([]float32, end-fs.pos)
	copy(block, fs.samples[fs.pos:end])
	fs.pos = end
	fs.mu.Unlock()

	if fs.limiter != nil {
		if err := fs.pace(ctx, len(block)); err != nil {
			return nil, err
		}
	}
	return block, nil
}

// pace waits for n samples worth of tokens, in burst-sized steps.
func (fs *FileSource) pace(ctx context.Context, n int) error {
	for n > 0 {
		step := min(n, fs.limiter.Burst())
		if err := fs.limiter.WaitN(ctx, step); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errors.New(err).
				Component(componentSources).
				Category(errors.CategoryAudioSource).
				Context("operation", "pace").
				Build()
		}
		n -= step
	}
	return nil
}

// SampleRate returns the output rate.
func (fs *FileSource) SampleRate() int { return fs.sampleRate }

// Name returns the file base name.
func (fs *FileSource) Name() string { return "file:" + filepath.Base(fs.path) }

// Remaining returns the number of samples not yet read.
func (fs *FileSource) Remaining() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.samples) - fs.pos
}

// Close releases the decoded samples. It is idempotent.
func (fs *FileSource) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	fs.samples = nil
	return nil
}
