package audiocore

import (
	"sync"
	"time"
)

// WindowBuffer slices a sample stream into overlapping frames. It keeps the
// most recent window samples in a ring; the first frame is emitted once the
// ring has filled and then one frame per hop new samples.
type WindowBuffer struct {
	mu      sync.Mutex
	ring    []float32
	window  int
	hop     int
	pos     int  // next write index, also the oldest sample once filled
	filled  int  // samples in the ring, saturates at window
	primed  bool // first frame emitted
	pending int  // samples since the last emitted frame
	nextID  uint64
	clipped uint64
}

// NewWindowBuffer creates a buffer emitting frames of windowSamples every
// hopSamples.
func NewWindowBuffer(windowSamples, hopSamples int) (*WindowBuffer, error) {
	if windowSamples <= 0 || hopSamples <= 0 || hopSamples > windowSamples {
		return nil, ErrInvalidWindow
	}
	return &WindowBuffer{
		ring:   make([]float32, windowSamples),
		window: windowSamples,
		hop:    hopSamples,
	}, nil
}

// Window returns the frame length in samples.
func (wb *WindowBuffer) Window() int { return wb.window }

// Hop returns the stride in samples.
func (wb *WindowBuffer) Hop() int { return wb.hop }

// Write sanitizes and appends samples, returning any frames completed by
// them. Every frame is stamped with now.
func (wb *WindowBuffer) Write(samples []float32, now time.Time) []AudioFrame {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	wb.clipped += uint64(Sanitize(samples))

	var frames []AudioFrame
	for len(samples) > 0 {
		need := wb.window - wb.filled
		if wb.primed {
			need = wb.hop - wb.pending
		}
		n := min(need, len(samples))
		wb.append(samples[:n])
		samples = samples[n:]

		if !wb.primed {
			if wb.filled == wb.window {
				wb.primed = true
				wb.pending = 0
				frames = append(frames, wb.emit(now))
			}
			continue
		}
		wb.pending += n
		if wb.pending == wb.hop {
			wb.pending = 0
			frames = append(frames, wb.emit(now))
		}
	}
	return frames
}

func (wb *WindowBuffer) append(samples []float32) {
	for len(samples) > 0 {
		n := copy(wb.ring[wb.pos:], samples)
		samples = samples[n:]
		wb.pos = (wb.pos + n) % wb.window
		wb.filled = min(wb.filled+n, wb.window)
	}
}

// emit copies the ring oldest-first into a new frame.
func (wb *WindowBuffer) emit(now time.Time) AudioFrame {
	out := make([]float32, wb.window)
	n := copy(out, wb.ring[wb.pos:])
	copy(out[n:], wb.ring[:wb.pos])

	frame := AudioFrame{ID: wb.nextID, Timestamp: now, Samples: out}
	wb.nextID++
	return frame
}

// Reset discards buffered samples, including a partial trailing window. Frame
// IDs keep increasing across resets.
func (wb *WindowBuffer) Reset() {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	clear(wb.ring)
	wb.pos, wb.filled, wb.pending = 0, 0, 0
	wb.primed = false
}

// Emitted returns the number of frames produced so far.
func (wb *WindowBuffer) Emitted() uint64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.nextID
}

// Clipped returns the number of samples Sanitize has modified.
func (wb *WindowBuffer) Clipped() uint64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.clipped
}
