package config

import "fmt"

// APINodeConfig configures the apinode binary: its HTTP listen address
// and bus connection.
type APINodeConfig struct {
	ListenAddr string    `mapstructure:"listen_addr"`
	Bus        BusConfig `mapstructure:"bus"`
}

func (c APINodeConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	return c.Bus.Validate()
}

// LoadAPINodeConfig reads apinode configuration from envPrefix-scoped
// environment variables and, optionally, a YAML file.
func LoadAPINodeConfig(configFile string) (APINodeConfig, error) {
	v, err := newViper(configFile)
	if err != nil {
		return APINodeConfig{}, err
	}

	setBusDefaults(v)
	v.SetDefault("listen_addr", ":8080")

	var cfg APINodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return APINodeConfig{}, fmt.Errorf("config: failed to decode apinode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return APINodeConfig{}, fmt.Errorf("config: invalid apinode config: %w", err)
	}
	return cfg, nil
}
