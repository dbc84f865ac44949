package config

import (
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/datakarta/cdrtrace/trace"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Trace TraceConfig `mapstructure:"trace"`
}

// TraceConfig stores the resolution-core specific configuration.
type TraceConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Index    IndexConfig    `mapstructure:"index"`
	Country  CountryConfig  `mapstructure:"country"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	AuthToken      string `mapstructure:"authToken"`
	MaxOpenConns   int    `mapstructure:"maxOpenConns"`
	MaxIdleConns   int    `mapstructure:"maxIdleConns"`
	ConnMaxIdleSec int    `mapstructure:"connMaxIdleSec"`
	ConnMaxLifeSec int    `mapstructure:"connMaxLifeSec"`
}

// CacheConfig stores enrichment cache tuning. Values outside the safe
// band are clamped by the cache itself, not here.
type CacheConfig struct {
	TTLMinutes int `mapstructure:"ttlMinutes"`
	Capacity   int `mapstructure:"capacity"`
}

// IndexConfig stores secondary-index behavior.
// ReconnectDelaySec of 0 disables automatic reconnects entirely.
type IndexConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	Mandatory         bool `mapstructure:"mandatory"`
	PollIntervalSec   int  `mapstructure:"pollIntervalSec"`
	BatchSize         int  `mapstructure:"batchSize"`
	ReconnectDelaySec int  `mapstructure:"reconnectDelaySec"`
}

// CountryConfig stores the national numbering plan settings.
type CountryConfig struct {
	DialCode string `mapstructure:"dialCode"`
}

// HTTPConfig stores the listen address of the API surface.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("trace.database.dsn", internal.DefaultDatabaseDSN)
	viper.SetDefault("trace.database.maxOpenConns", 8)
	viper.SetDefault("trace.database.maxIdleConns", 4)
	viper.SetDefault("trace.cache.ttlMinutes", 15)
	viper.SetDefault("trace.cache.capacity", 10000)
	viper.SetDefault("trace.index.enabled", true)
	viper.SetDefault("trace.index.mandatory", false)
	viper.SetDefault("trace.index.pollIntervalSec", 30)
	viper.SetDefault("trace.index.batchSize", 5000)
	viper.SetDefault("trace.index.reconnectDelaySec", 60)
	viper.SetDefault("trace.country.dialCode", internal.DefaultCountryCode)
	viper.SetDefault("trace.http.addr", ":8087")

	viper.AutomaticEnv()                                   // Read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // e.g. trace.database.dsn becomes TRACE_DATABASE_DSN

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults will be used.
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
