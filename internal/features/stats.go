package features

import (
	"math"
	"sync/atomic"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

// Stats is one normalization snapshot.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// NormalizationStats holds the mean and std applied to every feature matrix.
// Set swaps the whole snapshot so readers never observe a torn pair.
type NormalizationStats struct {
	current atomic.Pointer[Stats]
}

// NewNormalizationStats validates and stores the initial values.
func NewNormalizationStats(mean, std float64) (*NormalizationStats, error) {
	ns := &NormalizationStats{}
	if err := ns.Set(mean, std); err != nil {
		return nil, err
	}
	return ns, nil
}

// Load returns the current snapshot.
func (ns *NormalizationStats) Load() Stats {
	if s := ns.current.Load(); s != nil {
		return *s
	}
	return Stats{Std: 1}
}

// Set replaces the snapshot. Frames already being extracted keep the values
// they started with.
func (ns *NormalizationStats) Set(mean, std float64) error {
	if !isFinite(mean) || !isFinite(std) || std < 0 {
		return errors.New(ErrInvalidStats).
			Context("mean", mean).
			Context("std", std).
			Build()
	}
	ns.current.Store(&Stats{Mean: mean, Std: std})
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
