// Package sources provides the audio inputs of the pipeline: a live capture
// device through miniaudio and a decoded file replayed at playback rate.
package sources

import (
	"context"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

const componentSources = "audio-source"

// DefaultDevice selects the system default capture device.
const DefaultDevice = -1

var (
	// ErrEndOfStream marks the end of a file source. It is terminal but not a
	// failure.
	ErrEndOfStream = errors.New(nil).
			Component(componentSources).
			Category(errors.CategoryAudioSource).
			Context("error", "end of stream").
			Build()

	// ErrSourceClosed is returned by ReadBlock after Close.
	ErrSourceClosed = errors.New(nil).
			Component(componentSources).
			Category(errors.CategoryState).
			Context("error", "audio source closed").
			Build()

	// ErrConflictingInputs is returned when both a device and a file are set.
	ErrConflictingInputs = errors.New(nil).
				Component(componentSources).
				Category(errors.CategoryConfiguration).
				Context("error", "device and file inputs are mutually exclusive").
				Build()
)

// Source yields mono float32 samples in [-1, 1].
type Source interface {
	// ReadBlock returns up to n samples. A file source returns a short block
	// at the end of the file and ErrEndOfStream on the call after it.
	ReadBlock(ctx context.Context, n int) ([]float32, error)
	// SampleRate is the rate of the returned samples.
	SampleRate() int
	// Name describes the input for logs and status.
	Name() string
	Close() error
}

// Config selects and parameterizes a source. Device and File are exclusive:
// a File with Device left at DefaultDevice opens the file.
type Config struct {
	Device     int
	File       string
	SampleRate int
	// Realtime paces file replay at wall-clock speed
	Realtime bool
	// BufferSeconds sizes the device capture ring, defaults to 2 seconds
	BufferSeconds int
}

// Open builds the source described by cfg. A device that cannot be opened is
// an error, there is no fallback to a file.
func Open(cfg Config) (Source, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.Newf("invalid sample rate %d", cfg.SampleRate).
			Component(componentSources).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.File != "" {
		if cfg.Device != DefaultDevice {
			return nil, errors.New(ErrConflictingInputs).
				Context("device", cfg.Device).
				Context("file", cfg.File).
				Build()
		}
		return OpenFile(cfg.File, cfg.SampleRate, cfg.Realtime)
	}
	return OpenDevice(cfg.Device, cfg.SampleRate, cfg.BufferSeconds)
}

// GetLogger returns the audio source logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("audio.source")
}
