package config

import (
	"fmt"
	"time"
)

// ProcessDriverConfig configures the process platform driver.
type ProcessDriverConfig struct {
	Executable      string        `mapstructure:"executable"`
	WorkingDir      string        `mapstructure:"working_dir"`
	ConfigDir       string        `mapstructure:"config_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ContainerDriverConfig configures the container platform driver.
type ContainerDriverConfig struct {
	Image      string `mapstructure:"image"`
	RecordsDir string `mapstructure:"records_dir"`
}

// PodDriverConfig configures the pod platform driver.
type PodDriverConfig struct {
	Image      string `mapstructure:"image"`
	Namespace  string `mapstructure:"namespace"`
	Kubeconfig string `mapstructure:"kubeconfig"`
}

// PortRangeConfig bounds the worker's local port allocator.
type PortRangeConfig struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// WorkerConfig configures a single-platform worker binary. Only the
// section matching Platform is required to be populated.
type WorkerConfig struct {
	Platform  string                `mapstructure:"platform"` // "process", "container", or "pod"
	Bus       BusConfig             `mapstructure:"bus"`
	PortRange PortRangeConfig       `mapstructure:"port_range"`
	Process   ProcessDriverConfig   `mapstructure:"process"`
	Container ContainerDriverConfig `mapstructure:"container"`
	Pod       PodDriverConfig       `mapstructure:"pod"`
}

func (c WorkerConfig) Validate() error {
	if err := c.Bus.Validate(); err != nil {
		return err
	}
	if c.PortRange.Start <= 0 || c.PortRange.End <= c.PortRange.Start {
		return fmt.Errorf("port_range must have 0 < start < end, got %+v", c.PortRange)
	}

	switch c.Platform {
	case "process":
		if c.Process.Executable == "" {
			return fmt.Errorf("process.executable is required for platform=process")
		}
	case "container":
		if c.Container.Image == "" {
			return fmt.Errorf("container.image is required for platform=container")
		}
	case "pod":
		if c.Pod.Image == "" {
			return fmt.Errorf("pod.image is required for platform=pod")
		}
	default:
		return fmt.Errorf("platform must be \"process\", \"container\", or \"pod\", got %q", c.Platform)
	}
	return nil
}

// LoadWorkerConfig reads worker configuration from envPrefix-scoped
// environment variables and, optionally, a YAML file.
func LoadWorkerConfig(configFile string) (WorkerConfig, error) {
	v, err := newViper(configFile)
	if err != nil {
		return WorkerConfig{}, err
	}

	setBusDefaults(v)
	v.SetDefault("port_range.start", 8080)
	v.SetDefault("port_range.end", 9000)
	v.SetDefault("process.shutdown_timeout", 10*time.Second)
	v.SetDefault("process.working_dir", ".")
	v.SetDefault("process.config_dir", "./instance-configs")
	v.SetDefault("pod.namespace", "default")
	// Keys without a real default are still registered so that Unmarshal
	// picks up their environment variables.
	v.SetDefault("platform", "")
	v.SetDefault("process.executable", "")
	v.SetDefault("container.image", "")
	v.SetDefault("container.records_dir", "")
	v.SetDefault("pod.image", "")
	v.SetDefault("pod.kubeconfig", "")

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("config: failed to decode worker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return WorkerConfig{}, fmt.Errorf("config: invalid worker config: %w", err)
	}
	return cfg, nil
}
