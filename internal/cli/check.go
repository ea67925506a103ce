package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/internal/services"
	"github.com/benmeehan/tunnel-agent/pkg/console"
	"github.com/benmeehan/tunnel-agent/pkg/probe"
	"github.com/spf13/cobra"
)

// errTunnelDown makes `check` exit 1 without an extra error line.
var errTunnelDown = errors.New("tunnel is down")

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the forwarded ports once; exit 0 when up, 1 when down",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			// Probing only: no launcher or releaser is needed.
			tunnel := services.NewTunnelService(a.config.Agent.ID, a.config.TunnelSpec(),
				probe.NewDefaultProber(constants.ProbeTimeout), nil, nil,
				console.NewPrinter(cmd.OutOrStdout()), 0, 0, 0, 0, a.logger)

			status := tunnel.Status(commandContext(cmd))
			if asJSON {
				payload, err := json.Marshal(status)
				if err != nil {
					return fmt.Errorf("failed to serialize status: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v: %s\n", a.config.TunnelSpec(), a.config.TunnelSpec().LocalPorts(), status.State)
			}

			if status.State != models.TunnelUp {
				return errTunnelDown
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status snapshot as JSON")
	return cmd
}
