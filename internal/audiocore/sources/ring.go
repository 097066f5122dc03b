package sources

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"

	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore"
)

const bytesPerSample = 2 // S16LE mono

// pcmRing carries PCM bytes from the driver callback to the capture
// goroutine. The callback side never blocks: a block that does not fit is
// dropped whole and counted.
type pcmRing struct {
	rb       *ringbuffer.RingBuffer
	notify   chan struct{} // capacity 1, signalled after each write
	done     chan struct{}
	doneOnce sync.Once
	overflow atomic.Uint64 // dropped bytes
}

func newPCMRing(capacityBytes int) *pcmRing {
	// keep sample alignment
	capacityBytes = max(capacityBytes&^1, bytesPerSample)
	return &pcmRing{
		rb:     ringbuffer.New(capacityBytes),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// write is called from the driver callback.
func (r *pcmRing) write(pcm []byte) {
	pcm = pcm[:len(pcm)&^1]
	if len(pcm) == 0 {
		return
	}
	if r.rb.Free() < len(pcm) {
		r.overflow.Add(uint64(len(pcm)))
		return
	}
	if n, err := r.rb.Write(pcm); err != nil {
		r.overflow.Add(uint64(len(pcm) - n))
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// read blocks until n samples are buffered, then returns them as float32.
func (r *pcmRing) read(ctx context.Context, n int) ([]float32, error) {
	want := n * bytesPerSample
	if want > r.rb.Capacity() {
		want = r.rb.Capacity()
	}
	for r.rb.Length() < want {
		select {
		case <-r.notify:
		case <-r.done:
			return nil, ErrSourceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	buf := make([]byte, want)
	got, err := r.rb.Read(buf)
	if err != nil && got == 0 {
		return nil, err
	}
	return audiocore.PCM16ToFloat32(nil, buf[:got&^1]), nil
}

func (r *pcmRing) close() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *pcmRing) overflowSamples() uint64 {
	return r.overflow.Load() / bytesPerSample
}
