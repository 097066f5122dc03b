// Package conf loads, validates and persists kunpeng-aed settings.
package conf

import "github.com/Hugo0713/Kunpeng-AED/internal/logger"

// GetLogger returns the config module logger. It is resolved on every call
// because settings load before the central logger is installed.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
