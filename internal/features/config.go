package features

import (
	"fmt"
	"strings"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

// Config parameterizes the log-mel transform.
type Config struct {
	SampleRate int
	NFFT       int
	HopLength  int
	NMels      int
	FMin       float64
	FMax       float64
	// TopDB clamps the dynamic range below the frame maximum, 0 disables
	TopDB float64
	// Workers bounds ExtractBatch concurrency
	Workers int
}

// DefaultConfig returns the YAMNet front-end parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		NFFT:       2048,
		HopLength:  160,
		NMels:      64,
		FMin:       125,
		FMax:       7500,
		TopDB:      80,
		Workers:    2,
	}
}

// Validate reports every problem in c.
func (c Config) Validate() error {
	var problems []string
	if c.SampleRate <= 0 {
		problems = append(problems, fmt.Sprintf("sample rate %d must be positive", c.SampleRate))
	}
	if c.NFFT < 2 || c.NFFT&(c.NFFT-1) != 0 {
		problems = append(problems, fmt.Sprintf("n_fft %d must be a power of two", c.NFFT))
	}
	if c.HopLength <= 0 {
		problems = append(problems, fmt.Sprintf("hop length %d must be positive", c.HopLength))
	}
	if c.NMels <= 0 {
		problems = append(problems, fmt.Sprintf("n_mels %d must be positive", c.NMels))
	}
	if c.FMin < 0 || c.FMin >= c.FMax {
		problems = append(problems, fmt.Sprintf("fmin %.1f must be below fmax %.1f", c.FMin, c.FMax))
	}
	if c.SampleRate > 0 && c.FMax > float64(c.SampleRate)/2 {
		problems = append(problems, fmt.Sprintf("fmax %.1f exceeds Nyquist %d", c.FMax, c.SampleRate/2))
	}
	if c.TopDB < 0 {
		problems = append(problems, "top_db must not be negative")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(ErrInvalidConfig).
		Context("problems", strings.Join(problems, "; ")).
		Build()
}
