package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.read_only", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/presage.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	// Module defaults
	v.SetDefault("modules.tracker.probe_interval", "10s")
	v.SetDefault("modules.tracker.probe_jitter", "2s")
	v.SetDefault("modules.tracker.probe_timeout", "30s")
	v.SetDefault("modules.tracker.window_size", 20)
	v.SetDefault("modules.tracker.min_samples", 3)
	v.SetDefault("modules.tracker.threshold_multiplier", 2.0)
	v.SetDefault("modules.tracker.hysteresis_count", 3)
	v.SetDefault("modules.tracker.max_consecutive_drops", 5)
	v.SetDefault("modules.tracker.staleness_bound", "5m")
	v.SetDefault("modules.tracker.device_refresh", "1m")
	v.SetDefault("modules.tracker.rate_per_second", 1.0)
	v.SetDefault("modules.tracker.rate_burst", 5)
	v.SetDefault("modules.whatsapp.enabled", true)
	v.SetDefault("modules.whatsapp.gateway_url", "ws://127.0.0.1:3001/ws")
	v.SetDefault("modules.whatsapp.ping_timeout", "2s")
	v.SetDefault("modules.signal.enabled", false)
	v.SetDefault("modules.signal.api_url", "http://127.0.0.1:8081")
	v.SetDefault("modules.signal.account", "")
	v.SetDefault("modules.signal.ping_timeout", "2s")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("presage")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/presage")
	}

	// Environment variable support: PRS_SERVER_PORT=9090
	v.SetEnvPrefix("PRS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
