// Package monitor samples process and host resource usage.
package monitor

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// GetLogger returns the monitor module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("monitor")
}

// CPUSampler reports CPU utilisation since its previous sample.
type CPUSampler interface {
	// Sample returns percent of one core; a fully busy 4-thread process
	// reads about 400.
	Sample() (float64, error)
}

// ProcessCPUSampler samples the current process through gopsutil. The first
// sample after construction covers the time since construction.
type ProcessCPUSampler struct {
	mu   sync.Mutex
	proc *process.Process
}

// NewProcessCPUSampler binds to the running process.
func NewProcessCPUSampler() (*ProcessCPUSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return nil, errors.New(err).
			Component("monitor").
			Category(errors.CategorySystem).
			Context("operation", "open_process").
			Build()
	}
	s := &ProcessCPUSampler{proc: proc}
	// prime the baseline
	_, _ = proc.Percent(0)
	return s, nil
}

// Sample returns the process CPU percent since the last call.
func (s *ProcessCPUSampler) Sample() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.proc.Percent(0)
	if err != nil {
		return 0, errors.New(err).
			Component("monitor").
			Category(errors.CategorySystem).
			Context("operation", "cpu_percent").
			Build()
	}
	return p, nil
}

// StaticSampler returns a fixed value. It stands in where sampling is not
// wanted, e.g. offline replays in tests.
type StaticSampler float64

// Sample returns the fixed value.
func (s StaticSampler) Sample() (float64, error) { return float64(s), nil }
