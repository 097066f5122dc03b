package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	resetViper(t)
	path := writeConfig(t, string(DefaultConfigYAML()))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16000, s.Audio.SampleRate)
	assert.Equal(t, 15360, s.Audio.WindowSamples())
	assert.Equal(t, 7680, s.Audio.HopSamples())
	assert.Equal(t, -1, s.Audio.Device)
	assert.Equal(t, 10, s.Audio.Queue.Capacity)
	assert.Equal(t, "oldest", s.Audio.Queue.DropPolicy)
	assert.Equal(t, 2048, s.Features.NFFT)
	assert.Equal(t, 64, s.Features.NMels)
	assert.Equal(t, 2*time.Second, s.Model.Timeout)
	assert.Equal(t, 5, s.Inference.TopK)
	assert.Equal(t, []int{1, 2, 4}, s.Benchmark.Threads)
	assert.Equal(t, 8, s.Publisher.ReorderWindow)
	require.NotNil(t, s.Logging.Console)
	assert.True(t, s.Logging.Console.Enabled)
	assert.Same(t, s, GetSettings())
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	resetViper(t)
	path := writeConfig(t, "model:\n  threads: 1\n")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Model.Threads)
	assert.Equal(t, 16000, s.Audio.SampleRate)
	assert.Equal(t, time.Second, s.Pipeline.GetTimeout)
}

func TestEnvironmentOverride(t *testing.T) {
	resetViper(t)
	t.Setenv("AED_MODEL_THREADS", "2")
	t.Setenv("AED_AUDIO_QUEUE_DROPPOLICY", "newest")
	path := writeConfig(t, "model:\n  threads: 8\n")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Model.Threads)
	assert.Equal(t, "newest", s.Audio.Queue.DropPolicy)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	resetViper(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	resetViper(t)
	path := writeConfig(t, `
audio:
  hopduration: 2.0
  device: 1
  sourcefile: clip.wav
  queue:
    droppolicy: random
inference:
  topk: 0
`)
	_, err := Load(path)
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.GreaterOrEqual(t, len(ve.Errors), 4)
	assert.Contains(t, err.Error(), "mutually exclusive")
	assert.Contains(t, err.Error(), "droppolicy")
	assert.Contains(t, err.Error(), "topk")
	assert.Contains(t, err.Error(), "hop")
}

func TestValidateFeatureBounds(t *testing.T) {
	resetViper(t)
	s, err := Load(writeConfig(t, string(DefaultConfigYAML())))
	require.NoError(t, err)

	bad := *s
	bad.Features.FMax = 9000
	bad.Features.Std = 0
	err = ValidateSettings(&bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nyquist")
	assert.Contains(t, err.Error(), "features.std")

	dup := *s
	dup.Benchmark.Threads = []int{1, 4, 1}
	err = ValidateSettings(&dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "benchmark.threads lists 1 more than once")

	short := *s
	short.Audio.WindowDuration = 0.1
	short.Audio.HopDuration = 0.05
	err = ValidateSettings(&short)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "features.nfft")
}

func TestSaveYAMLConfigRoundTrip(t *testing.T) {
	resetViper(t)
	s, err := Load(writeConfig(t, string(DefaultConfigYAML())))
	require.NoError(t, err)

	s.Model.Threads = 3
	s.Audio.Queue.DropPolicy = "newest"
	out := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, SaveYAMLConfig(out, s))

	viper.Reset()
	loaded, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Model.Threads)
	assert.Equal(t, "newest", loaded.Audio.Queue.DropPolicy)
	assert.Equal(t, s.Model.Timeout, loaded.Model.Timeout)
}

func TestWriteDefaultConfigRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))
	require.Error(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigYAML(), data)
}
