package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blefleet/pkg/config"
)

// loadConfig reads --config (optional) and the environment over the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogger builds the logger from cfg, with --log-level taking
// precedence over --verbose, which takes precedence over the configuration.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	level := cfg.LogLevel

	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		switch s {
		case "debug", "info", "warn", "error":
			level = s
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
		}
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}

	effective := *cfg
	effective.LogLevel = level
	logger := effective.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
