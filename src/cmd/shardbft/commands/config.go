package commands

import (
	"github.com/mosaicnetworks/shardbft/src/config"
)

// CLIConfig contains configuration for the Run command
type CLIConfig struct {
	ShardBFT config.Config `mapstructure:",squash"`
	LogFile  string        `mapstructure:"log-file"`
}

// NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		ShardBFT: *config.NewDefaultConfig(),
	}
}
