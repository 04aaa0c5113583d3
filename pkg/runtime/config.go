// Package runtime assembles the messaging substrate's narrow configuration
// surface into one Runtime object, constructed once at startup. Nothing in
// this package keeps module-level state: every other package is handed its
// dependencies explicitly by the Runtime that built it.
package runtime

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the external configuration surface described for every service
// embedding the substrate. ServiceName, Environment, and RedisURL are the
// only mandatory fields; everything else has a default.
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
	RootPrefix  string `mapstructure:"root_prefix"`

	RedisURL      string `mapstructure:"redis_url"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisTLS      bool   `mapstructure:"redis_tls"`

	WorkerCount int           `mapstructure:"worker_count"`
	BatchSize   int64         `mapstructure:"batch_size"`
	BlockMs     time.Duration `mapstructure:"block_ms"`

	VisibilityTimeoutMs      time.Duration `mapstructure:"visibility_timeout_ms"`
	MaxDeliveries            int64         `mapstructure:"max_deliveries"`
	RetryBackoffMs           time.Duration `mapstructure:"retry_backoff_ms"`
	PseudoSyncDefaultTimeout time.Duration `mapstructure:"pseudo_sync_default_timeout_ms"`
	MaxConcurrentHandlers    int           `mapstructure:"max_concurrent_handlers"`

	// TierDefinitionsPath is the tier_definitions_path value, carried as
	// given. Load does not open that file or read a tier table from it, and
	// Config has no field for inline tier definitions.
	TierDefinitionsPath string `mapstructure:"tier_definitions_path"`
}

// Load reads configuration from configPath (if non-empty and present),
// environment variables prefixed with ACTIONCORE_ (e.g.
// ACTIONCORE_REDIS_URL), and defaults, in that order of increasing
// precedence reversed by viper's own rules (env overrides file, file
// overrides default).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ACTIONCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows of; bind the keys that
	// have no default so their environment variables are read too.
	for _, key := range []string{"service_name", "environment", "redis_url", "redis_password", "redis_tls", "tier_definitions_path"} {
		_ = v.BindEnv(key)
	}

	if configPath == "" {
		configPath = os.Getenv("ACTIONCORE_CONFIG_FILE")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("runtime: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("runtime: unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root_prefix", "actioncore")
	v.SetDefault("worker_count", 1)
	v.SetDefault("batch_size", int64(10))
	v.SetDefault("block_ms", 5*time.Second)
	v.SetDefault("visibility_timeout_ms", 30*time.Second)
	v.SetDefault("max_deliveries", int64(5))
	v.SetDefault("retry_backoff_ms", 0)
	v.SetDefault("pseudo_sync_default_timeout_ms", 5*time.Second)
	v.SetDefault("max_concurrent_handlers", 1)
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("runtime: service_name is required")
	}
	if c.Environment == "" {
		return fmt.Errorf("runtime: environment is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("runtime: redis_url is required")
	}
	return nil
}
