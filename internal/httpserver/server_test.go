package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
	"github.com/Hugo0713/Kunpeng-AED/internal/pipeline"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

type fakeController struct {
	mu    sync.Mutex
	stats features.Stats
}

func (f *fakeController) Status() publisher.SystemStatus {
	return publisher.SystemStatus{Status: publisher.StatusRunning, Model: "yamnet_int8", Threads: 4}
}

func (f *fakeController) Stats() pipeline.Stats {
	return pipeline.Stats{Status: publisher.StatusRunning, FramesEmitted: 12, Processed: 10, FramesDropped: 2, QueueCapacity: 10}
}

func (f *fakeController) Normalization() features.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeController) SetNormalization(mean, std float64) error {
	if std <= 0 {
		return errors.Newf("std must be positive").Category(errors.CategoryValidation).Build()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = features.Stats{Mean: mean, Std: std}
	return nil
}

func newTestServer(t *testing.T) (*Server, *publisher.Publisher, *fakeController) {
	t.Helper()

	ctrl := &fakeController{stats: features.Stats{Std: 1}}
	pub := publisher.New(publisher.Options{Status: ctrl.Status, ReorderWindow: -1})
	t.Cleanup(pub.Close)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "aed_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s, err := New(Options{
		Publisher:  pub,
		Controller: ctrl,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Host:       func() monitor.HostSnapshot { return monitor.HostSnapshot{Arch: "arm64", LogicalCores: 8} },
	})
	require.NoError(t, err)
	return s, pub, ctrl
}

func serve(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestIndexPage(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	rec := serve(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "/api/v1/events")
}

func TestStatus(t *testing.T) {
	t.Parallel()

	s, pub, _ := newTestServer(t)
	pub.Subscribe()

	rec := serve(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "yamnet_int8", body["model"])
	assert.InDelta(t, 4, body["threads"], 0)

	pipe := body["pipeline"].(map[string]any)
	assert.InDelta(t, 10, pipe["processed"], 0)
	assert.InDelta(t, 2, pipe["frames_dropped"], 0)
	assert.InDelta(t, 1, body["publisher"].(map[string]any)["subscribers"], 0)
	assert.InDelta(t, 1, body["normalization"].(map[string]any)["std"], 0)
	assert.Equal(t, "arm64", body["host"].(map[string]any)["arch"])
}

func TestPutNormalization(t *testing.T) {
	t.Parallel()

	s, _, ctrl := newTestServer(t)

	rec := serve(t, s, http.MethodPut, "/api/v1/normalization", `{"mean": -42.5, "std": 11}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mean": -42.5, "std": 11}`, rec.Body.String())
	assert.Equal(t, features.Stats{Mean: -42.5, Std: 11}, ctrl.Normalization())

	for _, body := range []string{`{"mean": 1, "std": 0}`, `{"mean": 1}`, `not json`} {
		rec = serve(t, s, http.MethodPut, "/api/v1/normalization", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Equal(t, features.Stats{Mean: -42.5, Std: 11}, ctrl.Normalization())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	rec := serve(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aed_test_total 1")
}

// readSSE returns the next event name and data, skipping comments.
func readSSE(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServerSentEvents(t *testing.T) {
	t.Parallel()

	s, pub, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	event, data := readSSE(t, r)
	assert.Equal(t, "system_status", event)
	assert.JSONEq(t, `{"status":"running","model":"yamnet_int8","threads":4}`, data)

	pub.Publish(publisher.InferenceEvent{FrameID: 3, TopClass: "Speech", Confidence: 0.8, TopK: []publisher.ClassProb{{Class: "Speech", Prob: 0.8}}})
	event, data = readSSE(t, r)
	assert.Equal(t, "inference_result", event)
	var got publisher.InferenceEvent
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, uint64(3), got.FrameID)
	assert.Equal(t, "Speech", got.TopClass)

	cancel()
	assert.Eventually(t, func() bool { return pub.Stats().Subscribers == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketStream(t *testing.T) {
	t.Parallel()

	s, pub, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))

	type envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}

	var env envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "system_status", env.Event)

	pub.Publish(publisher.InferenceEvent{FrameID: 9, TopClass: "Dog", Confidence: 0.6})
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "inference_result", env.Event)
	var got publisher.InferenceEvent
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, uint64(9), got.FrameID)

	// shutdown sends a close frame to connected clients
	shutdownCtx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	go func() { _ = s.Shutdown(shutdownCtx) }()

	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
