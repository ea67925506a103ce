package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benmeehan/tunnel-agent/internal/service_registry"
	"github.com/benmeehan/tunnel-agent/internal/services"
	"github.com/benmeehan/tunnel-agent/pkg/console"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Bring the tunnel up, then hand off to the companion process",
		Long: `Checks the tunnel and establishes it once if needed (exit 1 on failure),
starts the watchdog, verifies the companion env file (exit 1 if absent) and
launches the companion command. Runs until the companion exits or the agent
is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			serviceRegistry := service_registry.NewServiceRegistry(a.fileClient, console.NewPrinter(cmd.OutOrStdout()), a.logger)
			if err := serviceRegistry.RegisterServices(a.config, true); err != nil {
				return err
			}
			if err := serviceRegistry.StartServices(); err != nil {
				return err
			}
			a.logger.Info().Msg("All services started successfully")

			var companion *services.HandoffService
			var companionDone <-chan struct{}
			if svc, ok := serviceRegistry.Service(service_registry.HandoffServiceName); ok {
				companion = svc.(*services.HandoffService)
				companionDone = companion.Done()
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var exitErr error
			select {
			case <-ctx.Done():
				a.logger.Info().Msg("Shutting down gracefully...")
			case <-companionDone:
				if err := companion.Err(); err != nil {
					exitErr = fmt.Errorf("companion process failed: %w", err)
				}
			}

			if err := serviceRegistry.StopServices(); err != nil && exitErr == nil {
				exitErr = err
			}
			return exitErr
		},
	}
}
