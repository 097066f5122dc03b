package publisher

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/observability/metrics"
)

const (
	defaultBufferSize    = 32
	defaultReorderWindow = 8
)

// Options configures a Publisher.
type Options struct {
	// Status supplies the system_status event sent on subscribe.
	Status func() SystemStatus
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int
	// ReorderWindow is how many results may wait for a missing frame ID
	// before the gap is skipped. Negative disables holding back.
	ReorderWindow int
	Metrics       *metrics.PublisherMetrics
}

// Subscriber receives events on C until it is unsubscribed, evicted or the
// publisher closes, at which point C is closed.
type Subscriber struct {
	ID      uuid.UUID
	ch      chan Event
	pub     *Publisher
	evicted atomic.Bool
}

// C returns the delivery channel.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Evicted reports whether C was closed because the subscriber fell behind,
// as opposed to Unsubscribe or Close.
func (s *Subscriber) Evicted() bool { return s.evicted.Load() }

// Resubscribe registers a fresh subscriber on the same publisher. Events
// published in between are not replayed.
func (s *Subscriber) Resubscribe() *Subscriber { return s.pub.Subscribe() }

// Stats is a snapshot of publisher counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Late        uint64 `json:"late"`
	Evicted     uint64 `json:"evicted"`
	Pending     int    `json:"pending"`
}

// Publisher delivers events to subscribers without ever blocking the caller.
// A subscriber whose buffer is full is considered broken and removed.
//
// Results pass through a reorder stage so subscribers see non-decreasing
// frame IDs: a result is held until its predecessor arrives or is skipped,
// the window overflows or Flush is called. A result older than the last one
// emitted is counted as late and dropped.
type Publisher struct {
	status  func() SystemStatus
	bufSize int
	window  int
	metrics *metrics.PublisherMetrics

	mu          sync.Mutex
	subs        map[uuid.UUID]*Subscriber
	closed      bool
	pending     []InferenceEvent // sorted by FrameID
	skipped     map[uint64]struct{}
	emitted     bool
	lastEmitted uint64
	published   uint64
	late        uint64
	evicted     uint64
}

// New creates a Publisher.
func New(opts Options) *Publisher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.ReorderWindow == 0 {
		opts.ReorderWindow = defaultReorderWindow
	}
	if opts.Status == nil {
		opts.Status = func() SystemStatus { return SystemStatus{Status: StatusRunning} }
	}
	return &Publisher{
		status:  opts.Status,
		bufSize: opts.BufferSize,
		window:  max(opts.ReorderWindow, 0),
		metrics: opts.Metrics,
		subs:    make(map[uuid.UUID]*Subscriber),
		skipped: make(map[uint64]struct{}),
	}
}

// Subscribe registers a subscriber. Its first event is the current system
// status. Subscribing to a closed publisher returns an already closed
// subscriber.
func (p *Publisher) Subscribe() *Subscriber {
	sub := &Subscriber{ID: uuid.New(), ch: make(chan Event, p.bufSize), pub: p}
	status := p.status()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(sub.ch)
		return sub
	}
	sub.ch <- Event{Type: EventSystemStatus, Status: &status}
	p.subs[sub.ID] = sub
	p.metrics.SetSubscribers(len(p.subs))

	GetLogger().Debug("subscriber added",
		logger.String("subscriber_id", sub.ID.String()),
		logger.Int("subscribers", len(p.subs)))
	return sub
}

// Unsubscribe removes id and closes its channel. Unknown IDs are ignored.
func (p *Publisher) Unsubscribe(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[id]; ok {
		p.removeLocked(sub)
		GetLogger().Debug("subscriber removed", logger.String("subscriber_id", id.String()))
	}
}

// Publish hands a result to the reorder stage and delivers whatever becomes
// releasable. It is a no-op after Close.
func (p *Publisher) Publish(ev InferenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if p.emitted && ev.FrameID < p.lastEmitted {
		p.late++
		p.metrics.RecordLate()
		GetLogger().Debug("late result dropped",
			logger.Uint64("frame_id", ev.FrameID),
			logger.Uint64("last_emitted", p.lastEmitted))
		return
	}

	i, _ := slices.BinarySearchFunc(p.pending, ev.FrameID, func(e InferenceEvent, id uint64) int {
		switch {
		case e.FrameID < id:
			return -1
		case e.FrameID > id:
			return 1
		}
		return 0
	})
	// equal IDs keep arrival order
	for i < len(p.pending) && p.pending[i].FrameID == ev.FrameID {
		i++
	}
	p.pending = slices.Insert(p.pending, i, ev)

	p.releaseLocked(false)
}

// Flush emits every held result in order.
func (p *Publisher) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.releaseLocked(true)
}

// Skip records that no result will be published for frame id, so results
// waiting on it are released at once.
func (p *Publisher) Skip(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.emitted && id <= p.lastEmitted {
		return
	}
	p.skipped[id] = struct{}{}
	p.releaseLocked(false)
}

// BroadcastStatus sends a system_status event to every subscriber.
func (p *Publisher) BroadcastStatus(status SystemStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.broadcastLocked(Event{Type: EventSystemStatus, Status: &status})
}

func (p *Publisher) releaseLocked(all bool) {
	for {
		p.passSkippedLocked()
		if len(p.pending) == 0 {
			break
		}
		head := p.pending[0]
		contiguous := p.emitted && head.FrameID <= p.lastEmitted+1 || !p.emitted && head.FrameID == 0
		if !all && !contiguous && len(p.pending) <= p.window {
			return
		}
		p.pending = p.pending[1:]
		if !contiguous {
			maps.DeleteFunc(p.skipped, func(id uint64, _ struct{}) bool { return id < head.FrameID })
		}
		p.emitted = true
		p.lastEmitted = head.FrameID
		p.published++
		p.metrics.RecordPublished()
		p.broadcastLocked(Event{Type: EventInferenceResult, Result: &head})
	}
	p.pending = nil
}

// passSkippedLocked advances past skipped IDs that directly follow the last
// emitted one.
func (p *Publisher) passSkippedLocked() {
	for len(p.skipped) > 0 {
		var next uint64
		if p.emitted {
			next = p.lastEmitted + 1
		}
		if _, ok := p.skipped[next]; !ok {
			return
		}
		delete(p.skipped, next)
		p.emitted = true
		p.lastEmitted = next
	}
}

// broadcastLocked sends without blocking and evicts full subscribers.
func (p *Publisher) broadcastLocked(ev Event) {
	for _, sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			p.evicted++
			p.metrics.RecordEvicted()
			GetLogger().Warn("subscriber buffer full, removing",
				logger.String("subscriber_id", sub.ID.String()),
				logger.Int("buffer", p.bufSize))
			sub.evicted.Store(true)
			p.removeLocked(sub)
		}
	}
}

func (p *Publisher) removeLocked(sub *Subscriber) {
	delete(p.subs, sub.ID)
	close(sub.ch)
	p.metrics.SetSubscribers(len(p.subs))
}

// Close closes every subscriber. Held results are discarded. Close is
// idempotent.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, sub := range p.subs {
		p.removeLocked(sub)
	}
	p.pending = nil
	clear(p.skipped)
}

// Stats returns current counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Subscribers: len(p.subs),
		Published:   p.published,
		Late:        p.late,
		Evicted:     p.evicted,
		Pending:     len(p.pending),
	}
}
