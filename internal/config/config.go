package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Metering MeteringConfig `mapstructure:"metering"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Export   ExportConfig   `mapstructure:"export"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MeteringConfig holds metering run configuration
type MeteringConfig struct {
	SharedSecret     string        `mapstructure:"shared_secret"`    // Guards the run trigger endpoint
	Window           string        `mapstructure:"window"`           // Trailing allocation window
	ClusterDeadline  time.Duration `mapstructure:"cluster_deadline"` // Per-cluster processing budget
	MappingRetention time.Duration `mapstructure:"mapping_retention"`
	RegistryCacheTTL time.Duration `mapstructure:"registry_cache_ttl"`
}

// SyncConfig holds downstream billing sync configuration
type SyncConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ExportConfig holds finance report export configuration
type ExportConfig struct {
	SFTPHost    string `mapstructure:"sftp_host"`
	SFTPPort    int    `mapstructure:"sftp_port"`
	SFTPUser    string `mapstructure:"sftp_user"`
	SFTPKeyPath string `mapstructure:"sftp_key_path"`
	RemoteDir   string `mapstructure:"remote_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/usage-meter.db")

	// Metering defaults
	v.SetDefault("metering.window", "1h")
	v.SetDefault("metering.cluster_deadline", 4*time.Minute)
	v.SetDefault("metering.mapping_retention", 30*24*time.Hour)
	v.SetDefault("metering.registry_cache_ttl", 5*time.Minute)

	// Sync defaults
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.interval", time.Hour)

	// Export defaults
	v.SetDefault("export.sftp_port", 22)
	v.SetDefault("export.remote_dir", "/uploads/usage")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	bindEnv("metering.shared_secret", "RUN_SHARED_SECRET")
	bindEnv("database.path", "DATABASE_PATH")
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
	bindEnv("export.sftp_host", "EXPORT_SFTP_HOST")
	bindEnv("export.sftp_user", "EXPORT_SFTP_USER")
	bindEnv("export.sftp_key_path", "EXPORT_SFTP_KEY_PATH")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Metering.SharedSecret == "" {
		return fmt.Errorf("RUN_SHARED_SECRET is required to guard the run trigger endpoint")
	}
	if c.Metering.ClusterDeadline <= 0 {
		return fmt.Errorf("metering.cluster_deadline must be positive")
	}
	if c.Metering.MappingRetention <= 0 {
		return fmt.Errorf("metering.mapping_retention must be positive")
	}
	return nil
}
