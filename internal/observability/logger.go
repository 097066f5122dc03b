// Package observability owns the Prometheus registry of kunpeng-aed and the
// collectors registered on it.
package observability

import "github.com/Hugo0713/Kunpeng-AED/internal/logger"

// GetLogger returns the observability logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("metrics")
}
