package pipeline

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore"
	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore/sources"
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/inference"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testRate   = 16000
	testWindow = 1600
	testHop    = 800
	testBands  = 16
)

// scriptedSource yields tone blocks, optionally paced, then ends with end.
type scriptedSource struct {
	mu        sync.Mutex
	blocks    int
	live      bool
	interval  time.Duration
	end       error
	closed    chan struct{}
	closeOnce sync.Once
	phase     int
}

func newScriptedSource(blocks int) *scriptedSource {
	return &scriptedSource{blocks: blocks, end: sources.ErrEndOfStream, closed: make(chan struct{})}
}

func (s *scriptedSource) ReadBlock(ctx context.Context, n int) ([]float32, error) {
	if s.interval > 0 {
		select {
		case <-time.After(s.interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, sources.ErrSourceClosed
		}
	}
	select {
	case <-s.closed:
		return nil, sources.ErrSourceClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		if s.blocks == 0 {
			return nil, s.end
		}
		s.blocks--
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*1000*float64(s.phase+i)/testRate))
	}
	s.phase += n
	return out, nil
}

func (s *scriptedSource) SampleRate() int { return testRate }
func (s *scriptedSource) Name() string    { return "scripted" }

func (s *scriptedSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeModel struct {
	steps int
	delay time.Duration
	gate  chan struct{}
	calls atomic.Int64
}

func (m *fakeModel) Invoke(input []float32) ([]float32, error) {
	m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return []float32{0.1, 0.7, 0.2}, nil
}

func (m *fakeModel) InputShape() (int, int) { return m.steps, testBands }
func (m *fakeModel) NumClasses() int        { return 3 }
func (m *fakeModel) Close() error           { return nil }

type rig struct {
	p     *Pipeline
	pub   *publisher.Publisher
	sub   *publisher.Subscriber
	model *fakeModel
	queue *audiocore.FrameQueue
}

type rigOptions struct {
	capacity       int
	policy         audiocore.DropPolicy
	predictTimeout time.Duration
	model          *fakeModel
}

func newRig(t *testing.T, src sources.Source, ro rigOptions) *rig {
	t.Helper()

	stats, err := features.NewNormalizationStats(0, 1)
	require.NoError(t, err)
	ex, err := features.NewExtractor(features.Config{
		SampleRate: testRate, NFFT: 512, HopLength: 160, NMels: testBands,
		FMin: 125, FMax: 7500, TopDB: 80, Workers: 1,
	}, stats)
	require.NoError(t, err)

	model := ro.model
	if model == nil {
		model = &fakeModel{}
	}
	model.steps = ex.Steps(testWindow)
	engine, err := inference.NewEngine(model, inference.EngineOptions{
		Threads: 2, Labels: inference.DefaultLabels(3), ModelID: "fake",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	wb, err := audiocore.NewWindowBuffer(testWindow, testHop)
	require.NoError(t, err)
	if ro.capacity == 0 {
		ro.capacity = 16
	}
	q, err := audiocore.NewFrameQueue(ro.capacity, ro.policy)
	require.NoError(t, err)

	r := &rig{model: model, queue: q}
	r.pub = publisher.New(publisher.Options{
		BufferSize: 1024,
		Status:     func() publisher.SystemStatus { return r.p.Status() },
	})
	t.Cleanup(r.pub.Close)

	r.p, err = New(Options{
		Source:         src,
		Window:         wb,
		Queue:          q,
		Extractor:      ex,
		Engine:         engine,
		Publisher:      r.pub,
		TopK:           2,
		PredictTimeout: ro.predictTimeout,
		CPU:            monitor.StaticSampler(12.5),
	})
	require.NoError(t, err)
	r.sub = r.pub.Subscribe()
	return r
}

func (r *rig) events() []publisher.Event {
	var out []publisher.Event
	for {
		select {
		case ev, ok := <-r.sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func results(events []publisher.Event) []*publisher.InferenceEvent {
	var out []*publisher.InferenceEvent
	for _, ev := range events {
		if ev.Type == publisher.EventInferenceResult {
			out = append(out, ev.Result)
		}
	}
	return out
}

func TestFileRunProcessesEveryFrameThenStops(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRig(t, newScriptedSource(10), rigOptions{})
		require.NoError(t, r.p.Start(t.Context()))

		<-r.p.Done()
		require.NoError(t, r.p.Wait(time.Second))

		events := r.events()
		got := results(events)
		// 8000 samples: one frame at 1600, then one per 800
		require.Len(t, got, 9)
		for i, ev := range got {
			assert.Equal(t, uint64(i), ev.FrameID)
			assert.Equal(t, "class_1", ev.TopClass)
			assert.InDelta(t, 0.7, ev.Confidence, 1e-6)
			require.Len(t, ev.TopK, 2)
			assert.Equal(t, "class_2", ev.TopK[1].Class)
			assert.Equal(t, 2, ev.Threads)
			assert.InDelta(t, 12.5, ev.CPUPercent, 1e-9)
		}

		last := events[len(events)-1]
		require.Equal(t, publisher.EventSystemStatus, last.Type)
		assert.Equal(t, publisher.StatusStopped, last.Status.Status)

		stats := r.p.Stats()
		assert.Equal(t, uint64(9), stats.FramesEmitted)
		assert.Equal(t, uint64(9), stats.Processed)
		assert.Zero(t, stats.FramesDropped)
		assert.Equal(t, publisher.StatusStopped, stats.Status)
	})
}

func TestStopMidCaptureJoinsAndPublishesNothingAfter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		src := newScriptedSource(0)
		src.live = true
		src.interval = 50 * time.Millisecond
		r := newRig(t, src, rigOptions{})
		require.NoError(t, r.p.Start(t.Context()))
		assert.Equal(t, publisher.StatusRunning, r.p.Status().Status)

		time.Sleep(time.Second)
		r.p.Stop()
		r.p.Stop()
		require.NoError(t, r.p.Wait(5*time.Second))

		time.Sleep(time.Second)
		synctest.Wait()

		events := r.events()
		require.NotEmpty(t, results(events), "frames were classified while running")
		last := events[len(events)-1]
		require.Equal(t, publisher.EventSystemStatus, last.Type, "stopped status is the final event")
		assert.Equal(t, publisher.StatusStopped, last.Status.Status)
		assert.Equal(t, uint64(len(results(events))), r.p.Stats().Processed+uint64(r.pub.Stats().Pending))
	})
}

func TestOverloadDropsFramesButKeepsOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRig(t, newScriptedSource(40), rigOptions{
			capacity:       2,
			policy:         audiocore.DropOldest,
			predictTimeout: 2 * time.Second,
			model:          &fakeModel{delay: 200 * time.Millisecond},
		})
		require.NoError(t, r.p.Start(t.Context()))
		require.NoError(t, r.p.Wait(time.Minute))

		got := results(r.events())
		require.NotEmpty(t, got)
		for i := 1; i < len(got); i++ {
			assert.Greater(t, got[i].FrameID, got[i-1].FrameID)
		}

		stats := r.p.Stats()
		assert.Positive(t, stats.FramesDropped)
		assert.Equal(t, stats.FramesEmitted, stats.Processed+stats.FramesDropped+stats.FramesSkipped)
		assert.Equal(t, uint64(len(got)), stats.Processed)
	})
}

func TestDroppedFramesDoNotHoldBackResults(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		src := newScriptedSource(0)
		src.live = true
		src.interval = 50 * time.Millisecond
		r := newRig(t, src, rigOptions{
			capacity: 2,
			policy:   audiocore.DropOldest,
			model:    &fakeModel{delay: 200 * time.Millisecond},
		})
		require.NoError(t, r.p.Start(t.Context()))

		time.Sleep(3 * time.Second)
		synctest.Wait()

		got := results(r.events())
		stats := r.p.Stats()
		require.Positive(t, stats.FramesDropped)
		assert.Equal(t, uint64(len(got)), stats.Processed, "every classified frame is delivered while running")
		assert.Zero(t, r.pub.Stats().Pending)

		r.p.Stop()
		require.NoError(t, r.p.Wait(5*time.Second))
	})
}

func TestPredictTimeoutSkipsFrames(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRig(t, newScriptedSource(4), rigOptions{
			predictTimeout: 100 * time.Millisecond,
			model:          &fakeModel{delay: time.Second},
		})
		require.NoError(t, r.p.Start(t.Context()))
		require.NoError(t, r.p.Wait(time.Minute))

		assert.Empty(t, results(r.events()))
		stats := r.p.Stats()
		assert.Zero(t, stats.Processed)
		assert.Equal(t, stats.FramesEmitted, stats.FramesSkipped)
	})
}

func TestWaitTimesOutWhileModelIsStuck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		model := &fakeModel{gate: make(chan struct{})}
		r := newRig(t, newScriptedSource(4), rigOptions{model: model})
		require.NoError(t, r.p.Start(t.Context()))
		synctest.Wait()
		require.Equal(t, int64(1), model.calls.Load())

		r.p.Stop()
		err := r.p.Wait(100 * time.Millisecond)
		require.ErrorIs(t, err, ErrShutdownTimeout)
		assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))

		close(model.gate)
		require.NoError(t, r.p.Wait(time.Second))
		assert.Empty(t, results(r.events()), "result finished after Stop is not published")
	})
}

func TestSourceFailureStopsPipeline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		src := newScriptedSource(3)
		src.end = stderrors.New("device unplugged")
		r := newRig(t, src, rigOptions{})
		require.NoError(t, r.p.Start(t.Context()))
		require.NoError(t, r.p.Wait(5*time.Second))
		assert.Equal(t, publisher.StatusStopped, r.p.Status().Status)
	})
}

func TestParentContextCancelStops(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		src := newScriptedSource(0)
		src.live = true
		src.interval = 10 * time.Millisecond
		r := newRig(t, src, rigOptions{})

		ctx, cancel := context.WithCancel(t.Context())
		require.NoError(t, r.p.Start(ctx))
		time.Sleep(200 * time.Millisecond)
		cancel()
		require.NoError(t, r.p.Wait(5*time.Second))
		synctest.Wait()
		assert.Equal(t, publisher.StatusStopped, r.p.Status().Status)
	})
}

func TestLifecycleErrors(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRig(t, newScriptedSource(0), rigOptions{})
		require.NoError(t, r.p.Start(t.Context()))
		require.ErrorIs(t, r.p.Start(t.Context()), ErrAlreadyStarted)
		require.NoError(t, r.p.Wait(5*time.Second))
	})

	synctest.Test(t, func(t *testing.T) {
		r := newRig(t, newScriptedSource(0), rigOptions{})
		r.p.Stop()
		select {
		case <-r.p.Done():
		default:
			t.Fatal("Done not closed after stop without start")
		}
		assert.Error(t, r.p.Start(t.Context()))
	})

	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestSetNormalization(t *testing.T) {
	t.Parallel()

	r := newRig(t, newScriptedSource(0), rigOptions{})
	require.NoError(t, r.p.SetNormalization(-40, 12))
	assert.Equal(t, features.Stats{Mean: -40, Std: 12}, r.p.Normalization())

	require.Error(t, r.p.SetNormalization(0, math.NaN()))
	assert.Equal(t, features.Stats{Mean: -40, Std: 12}, r.p.Normalization())
	r.p.Stop()
}
