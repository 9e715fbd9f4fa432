// Package config loads per-component configuration for the API node,
// platform workers, and reconciler from environment variables and an
// optional YAML file, using spf13/viper the way the teacher's config
// loader does.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "INSTANCEFORGE"

// BusConfig selects and configures the message bus transport shared by
// every component, per spec §6's "bus transport connection string".
type BusConfig struct {
	Transport string `mapstructure:"transport"` // "inmemory" or "redis"
	RedisAddr string `mapstructure:"redis_addr"`
}

func (b BusConfig) Validate() error {
	switch b.Transport {
	case "inmemory":
		return nil
	case "redis":
		if b.RedisAddr == "" {
			return fmt.Errorf("bus.redis_addr is required when bus.transport=redis")
		}
		return nil
	default:
		return fmt.Errorf("bus.transport must be \"inmemory\" or \"redis\", got %q", b.Transport)
	}
}

// newViper builds a viper instance that reads envPrefix-scoped environment
// variables and, when configFile is non-empty, a YAML file on top.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", configFile, err)
		}
	}

	return v, nil
}

func setBusDefaults(v *viper.Viper) {
	v.SetDefault("bus.transport", "inmemory")
	v.SetDefault("bus.redis_addr", "")
}
