package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/benmeehan/tunnel-agent/internal/service_registry"
	"github.com/benmeehan/tunnel-agent/pkg/console"
	"github.com/spf13/cobra"
)

func newUpCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Establish the tunnel and keep it repaired until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			serviceRegistry := service_registry.NewServiceRegistry(a.fileClient, console.NewPrinter(cmd.OutOrStdout()), a.logger)
			if err := serviceRegistry.RegisterServices(a.config, false); err != nil {
				return err
			}
			if err := serviceRegistry.StartServices(); err != nil {
				return err
			}
			a.logger.Info().Msg("All services started successfully")

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			a.logger.Info().Msg("Shutting down gracefully...")
			return serviceRegistry.StopServices()
		},
	}
}

// commandContext returns ctx, or a background context when cobra has none.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
