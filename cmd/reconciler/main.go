package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/instanceforge/controlplane/config"
	"github.com/instanceforge/controlplane/reconciler"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "instanceforge reconciler: drift detection and convergence against the API node",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadReconcilerConfig(configFile)
	if err != nil {
		return err
	}

	client := reconciler.NewHTTPAPIClient(cfg.APIBaseURL)
	r := reconciler.New(client, toReconcilerConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("api_base_url", cfg.APIBaseURL).Msg("reconciler starting")
		if err := r.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("reconciler failed")
	}

	cancel()
	return nil
}

func toReconcilerConfig(cfg config.ReconcilerConfig) reconciler.Config {
	return reconciler.Config{
		PollingInterval:           cfg.PollingInterval,
		EventPollInterval:         cfg.EventPollInterval,
		MaxRetries:                cfg.MaxRetries,
		RetryDelay:                cfg.RetryDelay,
		ReconciliationTimeout:     cfg.ReconciliationTimeout,
		Concurrency:               cfg.Concurrency,
		ReconcileStoppedInstances: cfg.ReconcileStoppedInstances,
		ReconcileErrorInstances:   cfg.ReconcileErrorInstances,
	}
}
