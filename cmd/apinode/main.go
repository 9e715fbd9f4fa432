package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/instanceforge/controlplane/apinode"
	"github.com/instanceforge/controlplane/apinode/httpserver"
	"github.com/instanceforge/controlplane/commbus"
	"github.com/instanceforge/controlplane/commbus/transport/inmemory"
	"github.com/instanceforge/controlplane/commbus/transport/redistransport"
	"github.com/instanceforge/controlplane/config"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apinode",
	Short: "instanceforge API node: instance CRUD, lifecycle dispatch, and the status ring",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAPINodeConfig(configFile)
	if err != nil {
		return err
	}

	bus, err := buildBus(cfg.Bus)
	if err != nil {
		return fmt.Errorf("apinode: failed to build bus: %w", err)
	}

	svc := apinode.NewService(bus)
	server := httpserver.New(svc)

	subscribeCtx, cancelSubscribe := context.WithCancel(context.Background())
	defer cancelSubscribe()
	go func() {
		if err := svc.Subscribe(subscribeCtx); err != nil {
			log.Error().Err(err).Msg("status event subscription failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("apinode listening")
		if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	return nil
}

func buildBus(cfg config.BusConfig) (*commbus.Bus, error) {
	switch cfg.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return commbus.NewBus(redistransport.New(client)), nil
	default:
		return commbus.NewBus(inmemory.New()), nil
	}
}
