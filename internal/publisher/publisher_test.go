package publisher

import (
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func result(id uint64) InferenceEvent {
	return InferenceEvent{FrameID: id, TopClass: "Speech", Confidence: 0.9}
}

// drain reads everything currently buffered without blocking.
func drain(sub *Subscriber) (events []Event, closed bool) {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return events, true
			}
			events = append(events, ev)
		default:
			return events, false
		}
	}
}

func frameIDs(events []Event) []uint64 {
	var ids []uint64
	for _, ev := range events {
		if ev.Type == EventInferenceResult {
			ids = append(ids, ev.Result.FrameID)
		}
	}
	return ids
}

func TestSubscribeSendsStatusFirst(t *testing.T) {
	t.Parallel()

	p := New(Options{Status: func() SystemStatus {
		return SystemStatus{Status: StatusRunning, Model: "yamnet", Threads: 4}
	}})
	defer p.Close()

	sub := p.Subscribe()
	p.Publish(result(0))

	events, closed := drain(sub)
	require.False(t, closed)
	require.Len(t, events, 2)
	assert.Equal(t, EventSystemStatus, events[0].Type)
	assert.Equal(t, "yamnet", events[0].Status.Model)
	assert.Equal(t, 4, events[0].Status.Threads)
	assert.Equal(t, EventInferenceResult, events[1].Type)
}

func TestPublishReordersByFrameID(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	defer p.Close()
	sub := p.Subscribe()

	p.Publish(result(2))
	events, _ := drain(sub)
	assert.Empty(t, frameIDs(events), "frame 2 waits for 0 and 1")

	p.Publish(result(0))
	p.Publish(result(1))
	events, _ = drain(sub)
	assert.Equal(t, []uint64{0, 1, 2}, frameIDs(events))
	assert.Zero(t, p.Stats().Pending)
}

func TestPublishSkipsGapWhenWindowOverflows(t *testing.T) {
	t.Parallel()

	p := New(Options{ReorderWindow: 2})
	defer p.Close()
	sub := p.Subscribe()

	// frame 0 went missing without a Skip
	p.Publish(result(1))
	p.Publish(result(2))
	events, _ := drain(sub)
	assert.Empty(t, frameIDs(events))

	p.Publish(result(3))
	events, _ = drain(sub)
	assert.Equal(t, []uint64{1, 2, 3}, frameIDs(events))

	// gaps later in the stream behave the same way
	p.Publish(result(5))
	p.Flush()
	events, _ = drain(sub)
	assert.Equal(t, []uint64{5}, frameIDs(events))
}

func TestSkipReleasesHeldResults(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	defer p.Close()
	sub := p.Subscribe()

	p.Publish(result(0))
	for id := range uint64(8) {
		p.Publish(result(id + 2))
	}
	events, _ := drain(sub)
	assert.Equal(t, []uint64{0}, frameIDs(events))
	assert.Equal(t, 8, p.Stats().Pending)

	p.Skip(1)
	events, _ = drain(sub)
	assert.Equal(t, []uint64{2, 3, 4, 5, 6, 7, 8, 9}, frameIDs(events))
	assert.Zero(t, p.Stats().Pending)
}

func TestSkipBeforeResultArrives(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	defer p.Close()
	sub := p.Subscribe()

	// skips may be reported ahead of the emitted position and out of order
	p.Skip(3)
	p.Skip(0)
	p.Publish(result(1))
	events, _ := drain(sub)
	assert.Equal(t, []uint64{1}, frameIDs(events))

	p.Publish(result(4))
	events, _ = drain(sub)
	assert.Empty(t, frameIDs(events), "frame 4 still waits for 2")

	p.Publish(result(2))
	events, _ = drain(sub)
	assert.Equal(t, []uint64{2, 4}, frameIDs(events))

	// skipping an already emitted ID changes nothing
	p.Skip(1)
	p.Publish(result(5))
	events, _ = drain(sub)
	assert.Equal(t, []uint64{5}, frameIDs(events))
	assert.Zero(t, p.Stats().Late)
}

func TestPublishWithoutReorderWindow(t *testing.T) {
	t.Parallel()

	p := New(Options{ReorderWindow: -1})
	defer p.Close()
	sub := p.Subscribe()

	p.Publish(result(4))
	p.Publish(result(9))
	events, _ := drain(sub)
	assert.Equal(t, []uint64{4, 9}, frameIDs(events))
}

func TestLateResultIsDiscarded(t *testing.T) {
	t.Parallel()

	p := New(Options{ReorderWindow: -1})
	defer p.Close()
	sub := p.Subscribe()

	p.Publish(result(5))
	p.Publish(result(3))
	p.Publish(result(6))

	events, _ := drain(sub)
	assert.Equal(t, []uint64{5, 6}, frameIDs(events))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Late)
	assert.Equal(t, uint64(2), stats.Published)
}

func TestFullSubscriberIsEvicted(t *testing.T) {
	t.Parallel()

	p := New(Options{BufferSize: 2, ReorderWindow: -1})
	defer p.Close()

	slow := p.Subscribe()
	fast := p.Subscribe()

	p.Publish(result(0)) // fills both buffers
	_, _ = drain(fast)
	p.Publish(result(1)) // slow overflows

	events, closed := drain(slow)
	assert.True(t, closed)
	assert.Equal(t, []uint64{0}, frameIDs(events))

	events, closed = drain(fast)
	assert.False(t, closed)
	assert.Equal(t, []uint64{1}, frameIDs(events))

	assert.True(t, slow.Evicted())
	assert.False(t, fast.Evicted())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, uint64(1), stats.Evicted)

	again := slow.Resubscribe()
	p.Publish(result(2))
	events, closed = drain(again)
	assert.False(t, closed)
	assert.Equal(t, EventSystemStatus, events[0].Type)
	assert.Equal(t, []uint64{2}, frameIDs(events))
	assert.Equal(t, 2, p.Stats().Subscribers)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	defer p.Close()

	sub := p.Subscribe()
	p.Unsubscribe(sub.ID)
	p.Unsubscribe(sub.ID)

	_, closed := drain(sub)
	assert.True(t, closed)
	assert.False(t, sub.Evicted())
	assert.Zero(t, p.Stats().Subscribers)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	sub := p.Subscribe()
	p.Publish(result(3)) // held in the reorder stage

	p.Close()
	p.Close()
	p.Publish(result(0))
	p.BroadcastStatus(SystemStatus{Status: StatusStopped})

	events, closed := drain(sub)
	assert.True(t, closed)
	assert.Empty(t, frameIDs(events))

	late := p.Subscribe()
	_, closed = drain(late)
	assert.True(t, closed)
	assert.Zero(t, p.Stats().Pending)
}

func TestBroadcastStatus(t *testing.T) {
	t.Parallel()

	p := New(Options{})
	defer p.Close()
	sub := p.Subscribe()

	p.BroadcastStatus(SystemStatus{Status: StatusStopped, Model: "m"})
	events, _ := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, StatusStopped, events[1].Status.Status)
}

func TestParallelCompletionKeepsOrder(t *testing.T) {
	t.Parallel()

	const n = 64
	p := New(Options{BufferSize: n + 1, ReorderWindow: n})
	defer p.Close()
	sub := p.Subscribe()

	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = uint64(i)
	}
	rand.Shuffle(n, func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Go(func() { p.Publish(result(id)) })
	}
	wg.Wait()
	p.Flush()

	events, _ := drain(sub)
	got := frameIDs(events)
	require.Len(t, got, n)
	for i := range got {
		assert.Equal(t, uint64(i), got[i])
	}
	assert.Zero(t, p.Stats().Late)
}

func TestEventJSON(t *testing.T) {
	t.Parallel()

	ev := Event{Type: EventInferenceResult, Result: &InferenceEvent{
		Timestamp:  1700000000.5,
		FrameID:    7,
		TopClass:   "Dog",
		Confidence: 0.75,
		TopK:       []ClassProb{{Class: "Dog", Prob: 0.75}, {Class: "Bark", Prob: 0.2}},
		LatencyMS:  12.5,
		CPUPercent: 40,
		Threads:    2,
	}}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event": "inference_result",
		"data": {
			"timestamp": 1700000000.5,
			"frame_id": 7,
			"top_class": "Dog",
			"confidence": 0.75,
			"top_k": [{"class": "Dog", "prob": 0.75}, {"class": "Bark", "prob": 0.2}],
			"latency_ms": 12.5,
			"cpu_percent": 40,
			"threads": 2
		}
	}`, string(data))

	status, err := json.Marshal(Event{Type: EventSystemStatus, Status: &SystemStatus{Status: "running", Model: "yamnet", Threads: 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"system_status","data":{"status":"running","model":"yamnet","threads":1}}`, string(status))

	assert.Equal(t, int64(1700000000), ev.Result.Time().Unix())
}
