package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blefleet",
	Short: "BLE fleet driver and ELM327 OBD-II toolkit",
	Long: `Bluetooth Low Energy fleet tool that provides:

- Scan for known device families, connect and populate them
- Publish device status, errors and OBD telemetry to MQTT
- Encode ELM327 AT commands and decode OBD-II responses offline
- Query OBD-II PIDs from an ELM327 adapter over BLE`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", formatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(obdCmd)
	rootCmd.AddCommand(specsCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Shortcut for --log-level debug")
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file (BLEFLEET_* environment variables override it)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
