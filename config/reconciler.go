package config

import (
	"fmt"
	"time"
)

// ReconcilerConfig configures the reconciler binary: where to reach the
// API node and the drift-convergence policy.
type ReconcilerConfig struct {
	APIBaseURL                string        `mapstructure:"api_base_url"`
	PollingInterval           time.Duration `mapstructure:"polling_interval"`
	EventPollInterval         time.Duration `mapstructure:"event_poll_interval"`
	MaxRetries                int           `mapstructure:"max_retries"`
	RetryDelay                time.Duration `mapstructure:"retry_delay"`
	ReconciliationTimeout     time.Duration `mapstructure:"reconciliation_timeout"`
	Concurrency               int           `mapstructure:"concurrency"`
	ReconcileStoppedInstances bool          `mapstructure:"reconcile_stopped_instances"`
	ReconcileErrorInstances   bool          `mapstructure:"reconcile_error_instances"`
}

func (c ReconcilerConfig) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	return nil
}

// LoadReconcilerConfig reads reconciler configuration from envPrefix-scoped
// environment variables and, optionally, a YAML file.
func LoadReconcilerConfig(configFile string) (ReconcilerConfig, error) {
	v, err := newViper(configFile)
	if err != nil {
		return ReconcilerConfig{}, err
	}

	// Registered without a real default so that Unmarshal picks up its
	// environment variable.
	v.SetDefault("api_base_url", "")
	v.SetDefault("polling_interval", 30*time.Second)
	v.SetDefault("event_poll_interval", 5*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 10*time.Second)
	v.SetDefault("reconciliation_timeout", 5*time.Minute)
	v.SetDefault("concurrency", 5)
	v.SetDefault("reconcile_stopped_instances", false)
	v.SetDefault("reconcile_error_instances", true)

	var cfg ReconcilerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ReconcilerConfig{}, fmt.Errorf("config: failed to decode reconciler config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ReconcilerConfig{}, fmt.Errorf("config: invalid reconciler config: %w", err)
	}
	return cfg, nil
}
