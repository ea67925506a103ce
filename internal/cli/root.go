// Package cli wires configuration, logging and the service registry behind
// the agent's cobra commands.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "tunnel-agent",
		Short: "Persistent SSH tunnel supervisor",
		Long: `Keeps a set of local ports forwarded to a remote robot controller over SSH,
repairs the tunnel when it silently drops and hands off to the companion
voice server once it is up.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", constants.DefaultConfigFile, "Path to the agent configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newUpCmd(opts))
	rootCmd.AddCommand(newCheckCmd(opts))

	return rootCmd
}

// Execute runs the CLI and exits non-zero on any error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		if !errors.Is(err, errTunnelDown) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
