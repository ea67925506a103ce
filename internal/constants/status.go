package constants

import "time"

const (
	// StatusInterval is the default period between published tunnel status messages.
	StatusInterval = 30 * time.Second

	// DefaultEnvFile is the companion configuration consulted before hand-off.
	DefaultEnvFile = ".env"

	// DefaultConfigFile is the agent configuration path used by the CLI.
	DefaultConfigFile = "configs/config.yaml"
)
