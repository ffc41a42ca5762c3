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
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/relaymesh.db")

	// Plugin defaults
	v.SetDefault("plugins.gateway.enabled", true)
	v.SetDefault("plugins.gateway.sync_asset_batch_size", 20)
	v.SetDefault("plugins.gateway.batch_read_timeout", "10s")
	v.SetDefault("plugins.gateway.write_forward_timeout", "5s")
	v.SetDefault("plugins.gateway.max_connectors", 1000)
	v.SetDefault("plugins.gateway.pending_event_queue_size", 10000)
	v.SetDefault("plugins.gateway.token_ttl", "1h")
	v.SetDefault("plugins.gateway.id_mapping_secret", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relaymesh")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/relaymesh")
	}

	// Environment variable support: RM_SERVER_PORT=9090
	v.SetEnvPrefix("RM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
