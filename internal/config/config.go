// Package config loads service configuration from a YAML file and the
// environment, environment winning.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresConfig covers the control-plane database: principals, approvals
// and the execution delegate connection.
type PostgresConfig struct {
	URL          string `mapstructure:"url"`
	PlatformURL  string `mapstructure:"platform_url"` // execution delegate; falls back to URL
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// ClickHouseConfig covers the audit sink.
type ClickHouseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AuditConfig controls audit strictness per side-effect category.
type AuditConfig struct {
	MandatoryAdministrative bool `mapstructure:"mandatory_administrative"`
	MandatoryMutating       bool `mapstructure:"mandatory_mutating"`
}

// SafetyConfig holds the validation ceilings and the safe-mode switch.
type SafetyConfig struct {
	SafeMode         bool `mapstructure:"safe_mode"`
	QueryTimeout     int  `mapstructure:"query_timeout"`     // seconds, 1..3600
	MaxQueryResults  int  `mapstructure:"max_query_results"` // rows, 1..100000
	StrictVisibility bool `mapstructure:"strict_visibility"`
}

// RulesConfig locates the rule file and restricts capabilities.
type RulesConfig struct {
	Path                string   `mapstructure:"path"`
	EnabledCapabilities []string `mapstructure:"enabled_capabilities"` // empty = all
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LoggerConfig tunes zap.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// Load reads configuration from an optional YAML file plus the environment.
// ICEBREAKER_SAFETY_QUERY_TIMEOUT=600 overrides safety.query_timeout.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("icebreaker")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Load: %w", err)
		}
		// No file: run on env and defaults.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("postgres.max_open_conns", 15)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("audit.mandatory_administrative", true)
	v.SetDefault("audit.mandatory_mutating", false)
	v.SetDefault("safety.safe_mode", true)
	v.SetDefault("safety.query_timeout", 300)
	v.SetDefault("safety.max_query_results", 10000)
	v.SetDefault("safety.strict_visibility", false)
	v.SetDefault("rules.path", "configs/rules.yaml")
	v.SetDefault("auth.cache_ttl", 30*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate enforces the ceiling ranges.
func (c *Config) Validate() error {
	if c.Safety.QueryTimeout < 1 || c.Safety.QueryTimeout > 3600 {
		return fmt.Errorf("safety.query_timeout must be in [1, 3600], got %d", c.Safety.QueryTimeout)
	}
	if c.Safety.MaxQueryResults < 1 || c.Safety.MaxQueryResults > 100000 {
		return fmt.Errorf("safety.max_query_results must be in [1, 100000], got %d", c.Safety.MaxQueryResults)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Rules.Path == "" {
		return errors.New("rules.path must be set")
	}
	return nil
}

// EnabledCapabilitySet converts the enabled list into the registry's map
// form. Empty list means no restriction (nil map).
func (c *Config) EnabledCapabilitySet() map[string]bool {
	if len(c.Rules.EnabledCapabilities) == 0 {
		return nil
	}
	out := make(map[string]bool, len(c.Rules.EnabledCapabilities))
	for _, name := range c.Rules.EnabledCapabilities {
		out[name] = true
	}
	return out
}
