package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SLUICE_SERVER_PORT.
const EnvPrefix = "SLUICE"

// Config represents the top-level sluice configuration file.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Vault     VaultConfig     `mapstructure:"vault" yaml:"vault"`
	Proxy     ProxyConfig     `mapstructure:"proxy" yaml:"proxy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Usage     UsageConfig     `mapstructure:"usage" yaml:"usage"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	MCP       MCPConfig       `mapstructure:"mcp" yaml:"mcp"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	PublicURL       string        `mapstructure:"public_url" yaml:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AdminRateLimit  int           `mapstructure:"admin_rate_limit" yaml:"admin_rate_limit"`
	CORS            CORSConfig    `mapstructure:"cors" yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing on the admin API.
type CORSConfig struct {
	Origins []string `mapstructure:"origins" yaml:"origins"`
}

// DatabaseConfig locates Sluice's own state store.
type DatabaseConfig struct {
	Driver  string `mapstructure:"driver" yaml:"driver"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// AuthConfig controls admin identity tokens and the gateway key header.
type AuthConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry    time.Duration `mapstructure:"jwt_expiry" yaml:"jwt_expiry"`
	APIKeyHeader string        `mapstructure:"api_key_header" yaml:"api_key_header"`
}

// VaultConfig supplies the master key. Exactly one source is needed; there
// is no default.
type VaultConfig struct {
	Key     string `mapstructure:"key" yaml:"key"`
	KeyFile string `mapstructure:"key_file" yaml:"key_file"`
}

// ProxyConfig holds deployment defaults for forwarding.
type ProxyConfig struct {
	DefaultTimeout       time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxRequestBytes      int64         `mapstructure:"max_request_bytes" yaml:"max_request_bytes"`
	MaxResponseBytes     int64         `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
	AllowPrivateNetworks bool          `mapstructure:"allow_private_networks" yaml:"allow_private_networks"`
	DefaultRateLimit     int           `mapstructure:"default_rate_limit" yaml:"default_rate_limit"`
	CacheMaxEntries      int           `mapstructure:"cache_max_entries" yaml:"cache_max_entries"`
}

// RateLimitConfig selects where rate counters live.
type RateLimitConfig struct {
	Store     string `mapstructure:"store" yaml:"store"`
	RedisURL  string `mapstructure:"redis_url" yaml:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// UsageConfig tunes the asynchronous usage recorder.
type UsageConfig struct {
	QueueSize  int  `mapstructure:"queue_size" yaml:"queue_size"`
	MaxRetries uint `mapstructure:"max_retries" yaml:"max_retries"`
}

// HealthConfig controls background upstream probing.
type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold" yaml:"slow_threshold"`
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig controls log output. File enables size-based rotation.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			AdminRateLimit:  600,
			CORS:            CORSConfig{Origins: []string{"*"}},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Auth: AuthConfig{
			JWTExpiry:    time.Hour,
			APIKeyHeader: "X-API-Key",
		},
		Proxy: ProxyConfig{
			DefaultTimeout:   30 * time.Second,
			MaxRequestBytes:  10 << 20,
			MaxResponseBytes: 50 << 20,
			DefaultRateLimit: 60,
			CacheMaxEntries:  1000,
		},
		RateLimit: RateLimitConfig{
			Store:     "memory",
			KeyPrefix: "sluice:rl:",
		},
		Usage: UsageConfig{
			QueueSize:  1024,
			MaxRetries: 3,
		},
		Health: HealthConfig{
			Enabled:       true,
			Interval:      time.Minute,
			Timeout:       10 * time.Second,
			SlowThreshold: 2 * time.Second,
			Concurrency:   8,
		},
		MCP: MCPConfig{
			Transport: "stdio",
			Addr:      ":3001",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// SetDefaults registers every default with v so that environment variables
// can override keys that are absent from the file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	defaults := map[string]interface{}{
		"server.host":                  d.Server.Host,
		"server.port":                  d.Server.Port,
		"server.public_url":            d.Server.PublicURL,
		"server.shutdown_timeout":      d.Server.ShutdownTimeout,
		"server.admin_rate_limit":      d.Server.AdminRateLimit,
		"server.cors.origins":          d.Server.CORS.Origins,
		"database.driver":              d.Database.Driver,
		"database.dsn":                 d.Database.DSN,
		"database.data_dir":            d.Database.DataDir,
		"auth.jwt_secret":              d.Auth.JWTSecret,
		"auth.jwt_expiry":              d.Auth.JWTExpiry,
		"auth.api_key_header":          d.Auth.APIKeyHeader,
		"vault.key":                    d.Vault.Key,
		"vault.key_file":               d.Vault.KeyFile,
		"proxy.default_timeout":        d.Proxy.DefaultTimeout,
		"proxy.max_request_bytes":      d.Proxy.MaxRequestBytes,
		"proxy.max_response_bytes":     d.Proxy.MaxResponseBytes,
		"proxy.allow_private_networks": d.Proxy.AllowPrivateNetworks,
		"proxy.default_rate_limit":     d.Proxy.DefaultRateLimit,
		"proxy.cache_max_entries":      d.Proxy.CacheMaxEntries,
		"rate_limit.store":             d.RateLimit.Store,
		"rate_limit.redis_url":         d.RateLimit.RedisURL,
		"rate_limit.key_prefix":        d.RateLimit.KeyPrefix,
		"usage.queue_size":             d.Usage.QueueSize,
		"usage.max_retries":            d.Usage.MaxRetries,
		"health.enabled":               d.Health.Enabled,
		"health.interval":              d.Health.Interval,
		"health.timeout":               d.Health.Timeout,
		"health.slow_threshold":        d.Health.SlowThreshold,
		"health.concurrency":           d.Health.Concurrency,
		"mcp.transport":                d.MCP.Transport,
		"mcp.addr":                     d.MCP.Addr,
		"logging.level":                d.Logging.Level,
		"logging.format":               d.Logging.Format,
		"logging.file":                 d.Logging.File,
		"logging.max_size_mb":          d.Logging.MaxSizeMB,
		"logging.max_backups":          d.Logging.MaxBackups,
		"logging.max_age_days":         d.Logging.MaxAgeDays,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// ConfigureEnv enables SLUICE_-prefixed environment overrides, mapping
// nested keys with underscores (server.port -> SLUICE_SERVER_PORT).
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes the effective configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first structural problem in the configuration. The
// vault key is checked when the vault is opened, not here.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required when rate_limit.store is redis")
		}
	default:
		return fmt.Errorf("rate_limit.store must be memory or redis, got %q", c.RateLimit.Store)
	}
	if c.Proxy.MaxRequestBytes <= 0 || c.Proxy.MaxResponseBytes <= 0 {
		return fmt.Errorf("proxy byte limits must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.MCP.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("mcp.transport must be stdio or http, got %q", c.MCP.Transport)
	}
	return nil
}

// Redacted returns a copy safe to print: secrets are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Server.CORS.Origins = append([]string(nil), c.Server.CORS.Origins...)
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	out.Vault.Key = mask(c.Vault.Key)
	out.Database.DSN = mask(c.Database.DSN)
	out.RateLimit.RedisURL = mask(c.RateLimit.RedisURL)
	return &out
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes the default configuration to a YAML file. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := Default().Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
