package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	bundleapp "github.com/stacklok/toolhive-bundle-server/internal/app"
)

const defaultGracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bundle API server",
		Long: `Start the bundle API server and the background refresh of configured subjects.

The configuration file selects the cache store, the fetcher used to reach
repositories, the refresh signal emitter and the subjects kept warm.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	address := viper.GetString("address")
	slog.Info("Starting bundle API server", "address", address)

	// The app outlives ctx so that shutdown can flush in-flight work.
	bundleApp, err := bundleapp.NewBundleApp(context.WithoutCancel(ctx),
		bundleapp.WithConfig(cfg),
		bundleapp.WithAddress(address),
	)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- bundleApp.Start()
	}()

	select {
	case err := <-errChan:
		_ = bundleApp.Stop(defaultGracefulTimeout)
		return err
	case <-ctx.Done():
	}

	return bundleApp.Stop(defaultGracefulTimeout)
}
