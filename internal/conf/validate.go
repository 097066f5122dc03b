package conf

import (
	"fmt"
	"math"
	"strings"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// ValidationError collects every problem found in a Settings tree.
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks cross-field constraints. It reports all problems at
// once rather than stopping at the first.
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}
	add := func(format string, args ...any) {
		ve.Errors = append(ve.Errors, fmt.Sprintf(format, args...))
	}

	validateAudio(&s.Audio, &s.Features, add)
	validateFeatures(&s.Features, s.Audio.SampleRate, add)

	if s.Model.Threads < 0 {
		add("model.threads must be >= 0, got %d", s.Model.Threads)
	}
	if s.Model.Path == "" {
		add("model.path must be set")
	}
	if s.Model.Timeout < 0 {
		add("model.timeout must not be negative")
	}
	if s.Inference.TopK < 1 {
		add("inference.topk must be >= 1, got %d", s.Inference.TopK)
	}
	if s.Pipeline.GetTimeout <= 0 {
		add("pipeline.gettimeout must be positive")
	}
	if s.Pipeline.ShutdownTimeout <= 0 {
		add("pipeline.shutdowntimeout must be positive")
	}
	if s.Publisher.BufferSize < 1 {
		add("publisher.buffersize must be >= 1, got %d", s.Publisher.BufferSize)
	}
	if s.Publisher.ReorderWindow < 0 {
		add("publisher.reorderwindow must be >= 0, got %d", s.Publisher.ReorderWindow)
	}
	if s.WebServer.Enabled && (s.WebServer.Port < 1 || s.WebServer.Port > 65535) {
		add("webserver.port must be in 1..65535, got %d", s.WebServer.Port)
	}
	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		add("mqtt.broker must be set when mqtt is enabled")
	}
	if s.Datastore.Enabled {
		switch s.Datastore.Type {
		case "sqlite", "mysql":
		default:
			add("datastore.type must be sqlite or mysql, got %q", s.Datastore.Type)
		}
	}
	seen := make(map[int]bool, len(s.Benchmark.Threads))
	for _, t := range s.Benchmark.Threads {
		if t < 1 {
			add("benchmark.threads entries must be >= 1, got %d", t)
		}
		if seen[t] {
			add("benchmark.threads lists %d more than once", t)
		}
		seen[t] = true
	}
	if s.Benchmark.Iterations < 1 {
		add("benchmark.iterations must be >= 1")
	}
	if s.Benchmark.Warmup < 0 {
		add("benchmark.warmup must be >= 0")
	}
	if s.Logging.DefaultLevel != "" && !logger.ValidLevel(s.Logging.DefaultLevel) {
		add("logging.defaultlevel %q is not a valid level", s.Logging.DefaultLevel)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateAudio(a *AudioSettings, f *FeatureSettings, add func(string, ...any)) {
	if a.SampleRate <= 0 {
		add("audio.samplerate must be positive, got %d", a.SampleRate)
		return
	}
	window, hop := a.WindowSamples(), a.HopSamples()
	if hop <= 0 || hop > window {
		add("audio.hopduration must satisfy 0 < hop <= window (hop=%d, window=%d samples)", hop, window)
	}
	if window < f.NFFT {
		add("audio.windowduration yields %d samples, fewer than features.nfft %d", window, f.NFFT)
	}
	if a.Device >= 0 && a.SourceFile != "" {
		add("audio.device and audio.sourcefile are mutually exclusive")
	}
	if a.Device < -1 {
		add("audio.device must be -1 (default) or a device index, got %d", a.Device)
	}
	if a.Queue.Capacity < 1 {
		add("audio.queue.capacity must be >= 1, got %d", a.Queue.Capacity)
	}
	switch a.Queue.DropPolicy {
	case "oldest", "newest":
	default:
		add("audio.queue.droppolicy must be oldest or newest, got %q", a.Queue.DropPolicy)
	}
}

func validateFeatures(f *FeatureSettings, sampleRate int, add func(string, ...any)) {
	if f.NFFT <= 0 {
		add("features.nfft must be positive")
	}
	if f.HopLength <= 0 {
		add("features.hoplength must be positive")
	}
	if f.NMels <= 0 {
		add("features.nmels must be positive")
	}
	if f.FMin < 0 || f.FMin >= f.FMax {
		add("features.fmin must satisfy 0 <= fmin < fmax (fmin=%g, fmax=%g)", f.FMin, f.FMax)
	}
	if sampleRate > 0 && f.FMax > float64(sampleRate)/2 {
		add("features.fmax %g exceeds Nyquist %g", f.FMax, float64(sampleRate)/2)
	}
	if math.IsNaN(f.Mean) || math.IsInf(f.Mean, 0) {
		add("features.mean must be finite")
	}
	if !(f.Std > 0) || math.IsInf(f.Std, 0) {
		add("features.std must be positive and finite, got %g", f.Std)
	}
	if f.Workers < 1 {
		add("features.workers must be >= 1")
	}
}
