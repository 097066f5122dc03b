package audiocore

import (
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

// ComponentAudioCore identifies audiocore errors
const ComponentAudioCore = "audiocore"

var (
	// ErrInvalidWindow is returned when window or hop sizes are unusable
	ErrInvalidWindow = errors.New(nil).
				Component(ComponentAudioCore).
				Category(errors.CategoryValidation).
				Context("error", "window and hop must satisfy 0 < hop <= window").
				Build()

	// ErrInvalidCapacity is returned for a queue capacity below one
	ErrInvalidCapacity = errors.New(nil).
				Component(ComponentAudioCore).
				Category(errors.CategoryValidation).
				Context("error", "queue capacity must be at least 1").
				Build()

	// ErrUnknownDropPolicy is returned by ParseDropPolicy
	ErrUnknownDropPolicy = errors.New(nil).
				Component(ComponentAudioCore).
				Category(errors.CategoryValidation).
				Context("error", "unknown drop policy").
				Build()
)
