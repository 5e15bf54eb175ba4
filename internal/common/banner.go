package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and a one-line configuration
// summary.
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Accedo", GetVersion())

	if logger != nil {
		logger.Info().
			Str("environment", config.Environment).
			Str("queue", config.Queue.Name).
			Int("concurrency", config.Queue.Concurrency).
			Int("health_port", config.Server.Port).
			Msg("Accessibility scan worker starting")
	}
}
