package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	// RootCmd is the root command for trustmonitor
	RootCmd = &cobra.Command{
		Use:   "trustmonitor",
		Short: "Root-of-trust verification and recovery for embedded devices",
		Long: `trustmonitor verifies a protected application tree against a signed hash
manifest at boot, halts on any mismatch, and keeps the device under
observation afterwards with periodic health checks and a service watchdog.

A failed boot never resumes on its own. Run 'trustmonitor recover' to
restore the newest trusted snapshot and verify again.

Quick Start:
  1. trustmonitor manifest build      # after every legitimate change
  2. trustmonitor-signer sign ...     # sign the manifest offline
  3. trustmonitor backup create       # keep a trusted snapshot
  4. trustmonitor boot                # verify, then monitor

Examples:
  # One-shot verification
  trustmonitor verify

  # Show boot history, latest health report and watchdog state
  trustmonitor status

  # Run the watchdog in the background
  trustmonitor watchdog --daemon

  # Recover from the newest critical snapshot
  trustmonitor recover --auto`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: /etc/trustmonitor/config.yaml or ~/.config/trustmonitor/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	RootCmd.SuggestionsMinimumDistance = 2
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

// usageError marks bad flag combinations as configuration errors so they
// exit with the configuration exit code.
func usageError(format string, args ...interface{}) error {
	return configErr(fmt.Sprintf(format, args...), nil)
}
