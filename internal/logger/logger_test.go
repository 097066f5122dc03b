package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newBufferLogger(t *testing.T, cfg *LoggingConfig) (*CentralLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cl, err := newCentralLogger(cfg, buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl, buf
}

func TestModuleLoggerLevels(t *testing.T) {
	cl, buf := newBufferLogger(t, &LoggingConfig{
		DefaultLevel: "info",
		Console:      &ConsoleOutput{Enabled: true, Level: "trace"},
		ModuleLevels: map[string]string{"audio": "debug", "audio.device": "error"},
	})

	audio := cl.Module("audio")
	audio.Debug("window emitted")
	audio.Trace("too verbose")

	device := audio.Module("device")
	device.Warn("xrun")
	device.Error("device lost")

	cl.Module("pipeline").Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[audio] window emitted")
	assert.NotContains(t, out, "too verbose")
	assert.NotContains(t, out, "xrun")
	assert.Contains(t, out, "[audio.device] device lost")
	assert.NotContains(t, out, "hidden")
}

func TestFieldsAreRendered(t *testing.T) {
	cl, buf := newBufferLogger(t, &LoggingConfig{
		Console: &ConsoleOutput{Enabled: true, Level: "info"},
	})

	log := cl.Module("inference").With(String("model", "yamnet"))
	log.Info("prediction",
		Uint64("frame_id", 42),
		Float64("confidence", 0.123456),
		Duration("latency", 1500*time.Microsecond),
		Error(fmt.Errorf("none")))

	line := buf.String()
	assert.Contains(t, line, "INFO  [inference] prediction")
	assert.Contains(t, line, "model=yamnet")
	assert.Contains(t, line, "frame_id=42")
	assert.Contains(t, line, "confidence=0.123")
	assert.Contains(t, line, "latency=1.5ms")
	assert.Contains(t, line, "error=none")
}

func TestWithDoesNotMutateParent(t *testing.T) {
	cl, buf := newBufferLogger(t, &LoggingConfig{
		Console: &ConsoleOutput{Enabled: true, Level: "info"},
	})
	parent := cl.Module("publisher")
	_ = parent.With(String("subscriber", "abc"))
	parent.Info("published")

	assert.NotContains(t, buf.String(), "subscriber=abc")
}

func TestWithContextTraceID(t *testing.T) {
	cl, buf := newBufferLogger(t, &LoggingConfig{
		Console: &ConsoleOutput{Enabled: true, Level: "info"},
	})
	ctx := WithTraceID(context.Background(), "req-1")
	cl.Module("http").WithContext(ctx).Info("request")
	cl.Module("http").WithContext(context.Background()).Info("plain")

	assert.Contains(t, buf.String(), "trace_id=req-1")
}

func TestFileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "aed.log")
	cl, _ := newBufferLogger(t, &LoggingConfig{
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "trace"},
		ModuleLevels: map[string]string{"datastore": "trace"},
	})

	cl.Module("datastore").Trace("statement", String("sql", "INSERT"))
	require.NoError(t, cl.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var rec map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
	assert.Equal(t, "TRACE", rec["level"])
	assert.Equal(t, "datastore", rec["module"])
	assert.Equal(t, "INSERT", rec["sql"])
}

func TestInvalidTimezone(t *testing.T) {
	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}

func TestNilConfig(t *testing.T) {
	_, err := NewCentralLogger(nil)
	require.Error(t, err)
}

func TestValidLevel(t *testing.T) {
	for _, l := range []string{"trace", "DEBUG", "info", "warn", "error"} {
		assert.True(t, ValidLevel(l), l)
	}
	assert.False(t, ValidLevel("verbose"))
}

func TestBufferedFileWriterCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.log")
	w, err := NewBufferedFileWriter(path, WithFlushInterval(0))
	require.NoError(t, err)

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestGormAdapterEscalatesFailures(t *testing.T) {
	buf := &bytes.Buffer{}
	a := NewGormLoggerAdapter(NewSlogLogger(buf, LogLevelInfo, time.UTC), 0)

	sql := func() (string, int64) { return "SELECT 1", 1 }
	a.Trace(context.Background(), time.Now(), sql, nil)
	assert.Empty(t, buf.String())

	a.Trace(context.Background(), time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	a.Trace(context.Background(), time.Now(), sql, fmt.Errorf("disk I/O error"))
	assert.Contains(t, buf.String(), "statement failed")
}
