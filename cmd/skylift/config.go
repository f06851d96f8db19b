package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Edge     EdgeConfig     `mapstructure:"edge"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the local record store configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CloudConfig holds cloud account configuration.
type CloudConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// EdgeConfig holds routing configuration: the shared balancer and the base
// domain host rules are keyed under.
type EdgeConfig struct {
	BaseDomain     string `mapstructure:"base_domain"`
	SharedBalancer string `mapstructure:"shared_balancer"`
	CertificateARN string `mapstructure:"certificate_arn"`
	InstanceType   string `mapstructure:"instance_type"`
	KeyPairName    string `mapstructure:"key_pair_name"`
}

// DNSConfig holds the hostname publication collaborator. Empty URL
// disables publication.
type DNSConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// AuthConfig holds request identity configuration.
type AuthConfig struct {
	// Mode is "header" (gateway-injected identity) or "dev".
	Mode         string `mapstructure:"mode"`
	SharedSecret string `mapstructure:"shared_secret"`
}

// DeployConfig holds deployment attempt tuning.
type DeployConfig struct {
	// AttemptTimeout bounds one background attempt end to end.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`

	// DatabaseProvisioning enables managed database provisioning for
	// projects that declare a database dependency.
	DatabaseProvisioning bool `mapstructure:"database_provisioning"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/skylift.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("cloud.region", "us-east-1")
	v.SetDefault("cloud.access_key_id", "")
	v.SetDefault("cloud.secret_access_key", "")
	v.SetDefault("edge.base_domain", "")
	v.SetDefault("edge.shared_balancer", "skylift-edge")
	v.SetDefault("edge.certificate_arn", "")
	v.SetDefault("edge.instance_type", "t3.small")
	v.SetDefault("edge.key_pair_name", "")
	v.SetDefault("dns.url", "")
	v.SetDefault("dns.api_key", "")
	v.SetDefault("auth.mode", "dev")
	v.SetDefault("auth.shared_secret", "")
	v.SetDefault("deploy.attempt_timeout", "45m")
	v.SetDefault("deploy.database_provisioning", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	v.SetEnvPrefix("SKYLIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
