// Package config provides configuration loading and persistence for conduit.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"conduit/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	Version     string            `mapstructure:"version" yaml:"version"`
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Log         logger.LogConfig  `mapstructure:"log" yaml:"log"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Relay       RelayConfig       `mapstructure:"relay" yaml:"relay"`
	Prompt      PromptConfig      `mapstructure:"prompt" yaml:"prompt"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
}

// GatewayConfig configures the HTTP/WebSocket gateway.
type GatewayConfig struct {
	Port             int             `mapstructure:"port" yaml:"port"`
	Host             string          `mapstructure:"host" yaml:"host"`
	MinClientVersion string          `mapstructure:"min_client_version" yaml:"min_client_version"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures HTTP rate limiting.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// StorageConfig configures the sqlite database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RelayConfig configures request lifecycle timing.
type RelayConfig struct {
	// AbortGrace bounds how long we wait for the worker to confirm an abort
	// before forcing the request terminal locally.
	AbortGrace time.Duration `mapstructure:"abort_grace" yaml:"abort_grace"`

	// RequestTimeout bounds the total lifetime of a single request.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// WaitTimeout bounds the synchronous wait-for-completion path.
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
}

// PromptConfig configures interactive prompt escalation.
type PromptConfig struct {
	// StageInterval is the timer between escalation stages.
	StageInterval time.Duration `mapstructure:"stage_interval" yaml:"stage_interval"`

	// MaxStages is the number of escalation stages before timeout.
	MaxStages int `mapstructure:"max_stages" yaml:"max_stages"`

	// SessionTTL is the expiry applied to session-scoped permission grants.
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
}

// MaintenanceConfig configures background cleanup jobs.
type MaintenanceConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PurgeSchedule is a cron expression for the cleanup sweep.
	PurgeSchedule string `mapstructure:"purge_schedule" yaml:"purge_schedule"`

	// PromptRetention is how long terminal prompt rows are kept.
	PromptRetention time.Duration `mapstructure:"prompt_retention" yaml:"prompt_retention"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads configuration from the given path, applying defaults
// and CONDUIT_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("CONDUIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// A missing file is fine, parse errors are not.
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the currently loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Watch re-reads the config file on change and hot-reloads the log level.
func Watch() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		var cfg Config
		if err := viper.Unmarshal(&cfg); err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring config change")
			return
		}
		globalConfig = &cfg
		logger.SetLevel(cfg.Log.Level)
		logger.Info().Str("file", e.Name).Str("level", cfg.Log.Level).Msg("Config reloaded")
	})
	viper.WatchConfig()
}

// SaveTo writes the given configuration as YAML to path.
func SaveTo(cfg *Config, path string) error {
	expandedPath, err := ExpandPath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(expandedPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(expandedPath, data, 0600)
}
