package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/speedrun-hq/bridgerunner/pkg/config"
	"github.com/speedrun-hq/bridgerunner/pkg/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transfer service with its API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return err
	}
	l := cfg.NewLogger()

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := service.NewService(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer svc.Close()

	l.Notice("Starting bridgerunner on %s (%s)", cfg.Network, cfg.Environment)
	return svc.Start(ctx)
}
