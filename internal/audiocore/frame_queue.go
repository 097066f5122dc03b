package audiocore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

// DropPolicy selects which frame a full FrameQueue discards.
type DropPolicy int

const (
	// DropOldest evicts the head to admit the new frame.
	DropOldest DropPolicy = iota
	// DropNewest rejects the incoming frame.
	DropNewest
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "oldest"
	case DropNewest:
		return "newest"
	default:
		return "unknown"
	}
}

// ParseDropPolicy accepts "oldest" or "newest"; empty means DropOldest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "oldest":
		return DropOldest, nil
	case "newest":
		return DropNewest, nil
	default:
		return DropOldest, errors.New(ErrUnknownDropPolicy).
			Component(ComponentAudioCore).
			Context("policy", s).
			Build()
	}
}

// FrameQueue is a bounded FIFO of frames. Put never blocks; Get blocks up to
// a timeout without polling.
type FrameQueue struct {
	mu      sync.Mutex
	buf     []AudioFrame // ring storage
	head    int
	size    int
	policy  DropPolicy
	closed  bool
	dropped uint64
	// ready is closed and replaced on every Put so all waiters wake
	ready chan struct{}
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int, policy DropPolicy) (*FrameQueue, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &FrameQueue{
		buf:    make([]AudioFrame, capacity),
		policy: policy,
		ready:  make(chan struct{}),
	}, nil
}

// Put enqueues frame. When a frame has to be discarded to keep the call
// non-blocking it is returned with dropped set: the evicted head under
// DropOldest, frame itself under DropNewest or after Close.
func (q *FrameQueue) Put(frame AudioFrame) (discarded AudioFrame, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return frame, true
	}

	if q.size == len(q.buf) {
		q.dropped++
		if q.policy == DropNewest {
			return frame, true
		}
		discarded = q.buf[q.head]
		q.buf[q.head] = AudioFrame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		dropped = true
	}

	q.buf[(q.head+q.size)%len(q.buf)] = frame
	q.size++

	close(q.ready)
	q.ready = make(chan struct{})
	return discarded, dropped
}

// Get dequeues the oldest frame, waiting up to timeout. It returns false on
// timeout, when ctx is done, or once the queue is closed. Frames still held
// at Close are discarded.
func (q *FrameQueue) Get(ctx context.Context, timeout time.Duration) (AudioFrame, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return AudioFrame{}, false
		}
		if q.size > 0 {
			frame := q.buf[q.head]
			q.buf[q.head] = AudioFrame{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return frame, true
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-timer.C:
			return AudioFrame{}, false
		case <-ctx.Done():
			return AudioFrame{}, false
		}
	}
}

// Close wakes all waiters and rejects further frames. It is idempotent.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	clear(q.buf)
	q.size = 0
	close(q.ready)
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many frames overflow has discarded.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Policy returns the configured drop policy.
func (q *FrameQueue) Policy() DropPolicy {
	return q.policy
}
