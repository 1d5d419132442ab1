package app

import (
	"strings"

	"github.com/civigate/civigate/pkg/logger"
)

// ConfigureLogging initialises the global logger with the provided level,
// defaulting to info. Outside production the console encoder is used so
// local output stays readable; production emits JSON for log shippers.
func ConfigureLogging(level, environment string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}

	if environment != "production" {
		return logger.Init(level, logger.WithConsoleEncoder())
	}
	return logger.Init(level)
}
