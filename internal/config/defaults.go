package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers default values for all configuration keys.
func SetDefaults() {
	// Gateway
	viper.SetDefault("gateway.port", 8790)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.min_client_version", "")
	viper.SetDefault("gateway.rate_limit.enabled", false)
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 120)
	viper.SetDefault("gateway.rate_limit.burst", 20)
	viper.SetDefault("gateway.rate_limit.cleanup_interval", 5*time.Minute)

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage
	viper.SetDefault("storage.path", "~/.conduit/conduit.db")

	// Relay
	viper.SetDefault("relay.abort_grace", 10*time.Second)
	viper.SetDefault("relay.request_timeout", 10*time.Minute)
	viper.SetDefault("relay.wait_timeout", 2*time.Minute)

	// Prompt escalation
	viper.SetDefault("prompt.stage_interval", 60*time.Second)
	viper.SetDefault("prompt.max_stages", 2)
	viper.SetDefault("prompt.session_ttl", 8*time.Hour)

	// Maintenance
	viper.SetDefault("maintenance.enabled", true)
	viper.SetDefault("maintenance.purge_schedule", "0 */10 * * * *")
	viper.SetDefault("maintenance.prompt_retention", 7*24*time.Hour)
}
