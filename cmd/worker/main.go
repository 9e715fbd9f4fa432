package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	dockerclient "github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/instanceforge/controlplane/commbus"
	"github.com/instanceforge/controlplane/commbus/transport/inmemory"
	"github.com/instanceforge/controlplane/commbus/transport/redistransport"
	"github.com/instanceforge/controlplane/config"
	"github.com/instanceforge/controlplane/messages"
	"github.com/instanceforge/controlplane/platform"
	"github.com/instanceforge/controlplane/worker"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "instanceforge platform worker: executes Start/Stop/Restart/Delete for one platform kind",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkerConfig(configFile)
	if err != nil {
		return err
	}

	bus, err := buildBus(cfg.Bus)
	if err != nil {
		return fmt.Errorf("worker: failed to build bus: %w", err)
	}

	driver, platformKind, err := buildDriver(cfg)
	if err != nil {
		return fmt.Errorf("worker: failed to build driver: %w", err)
	}

	allocator := platform.NewPortAllocator(cfg.PortRange.Start, cfg.PortRange.End)
	w := worker.New(platformKind, driver, allocator, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("platform", string(platformKind)).Msg("worker starting")
		if err := w.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("worker failed")
	}

	cancel()
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

func buildDriver(cfg config.WorkerConfig) (platform.Driver, messages.PlatformKind, error) {
	switch cfg.Platform {
	case "process":
		return platform.NewProcessDriver(
			cfg.Process.Executable,
			cfg.Process.WorkingDir,
			cfg.Process.ConfigDir,
			cfg.Process.ShutdownTimeout,
		), messages.PlatformProcess, nil

	case "container":
		cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return nil, "", fmt.Errorf("failed to build docker client: %w", err)
		}
		return platform.NewContainerDriver(cli, cfg.Container.Image, cfg.Container.RecordsDir), messages.PlatformContainer, nil

	case "pod":
		clientset, err := buildKubernetesClientset(cfg.Pod.Kubeconfig)
		if err != nil {
			return nil, "", err
		}
		return platform.NewPodDriver(clientset, cfg.Pod.Image, cfg.Pod.Namespace), messages.PlatformPod, nil

	default:
		return nil, "", fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}

func buildKubernetesClientset(kubeconfigPath string) (*kubernetes.Clientset, error) {
	var restConfig *rest.Config
	var err error

	if kubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes client config: %w", err)
	}

	return kubernetes.NewForConfig(restConfig)
}
