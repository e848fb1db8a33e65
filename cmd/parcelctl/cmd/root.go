package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"parcel-audit/internal/app"
	"parcel-audit/internal/config"
	"parcel-audit/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "parcelctl",
	Short:         "Parcel audit operations tool",
	Long:          `parcelctl runs migrations, warms the tile cache, inspects reference areas and runs comparisons from the command line.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// setup loads the configuration and wires the components. The caller
// closes the returned App.
func setup() (*app.App, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Environment)
	a, err := app.New(cfg, log)
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}
