// Package inference runs the acoustic-event classifier and ranks its output.
package inference

import (
	"sync"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the inference module logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("inference")
	})
	return serviceLogger
}
