package pipeline

import "github.com/Hugo0713/Kunpeng-AED/internal/logger"

// GetLogger returns the pipeline logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("pipeline")
}
