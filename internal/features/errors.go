package features

import (
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

const componentFeatures = "features"

var (
	// ErrInputTooShort is returned when a frame holds fewer than NFFT samples.
	ErrInputTooShort = errors.New(nil).
				Component(componentFeatures).
				Category(errors.CategoryValidation).
				Context("error", "input shorter than n_fft").
				Build()

	// ErrInvalidStats is returned for non-finite normalization values or a
	// negative std.
	ErrInvalidStats = errors.New(nil).
			Component(componentFeatures).
			Category(errors.CategoryValidation).
			Context("error", "normalization mean and std must be finite and std must not be negative").
			Build()

	// ErrInvalidConfig wraps extractor configuration problems.
	ErrInvalidConfig = errors.New(nil).
				Component(componentFeatures).
				Category(errors.CategoryConfiguration).
				Context("error", "invalid feature extractor configuration").
				Build()
)
