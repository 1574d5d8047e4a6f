package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultAddr is the HTTP listen address used when none is configured.
	DefaultAddr = ":8080"

	// DefaultMaxBodyBytes bounds request bodies (1 MiB).
	DefaultMaxBodyBytes = 1 << 20

	envPrefix = "INCIDENTDESK"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all runtime settings for the incident desk.
type Config struct {
	Store      string           `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Migrations MigrationsConfig `mapstructure:"migrations"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Policy     PolicyConfig     `mapstructure:"policy"`
}

// DatabaseConfig holds the Postgres DSN and pool sizing.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// String masks the password part of the DSN.
func (d DatabaseConfig) String() string {
	return fmt.Sprintf("DatabaseConfig{DSN:%s, MaxOpenConns:%d}", maskDSN(d.DSN), d.MaxOpenConns)
}

// HTTPConfig holds server settings.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// AuthConfig holds the token signing secret and default token lifetime.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	PerSecond int `mapstructure:"per_second"`
	Burst     int `mapstructure:"burst"`
}

type MigrationsConfig struct {
	Auto bool `mapstructure:"auto"`
	// Dir overrides the embedded migrations with a directory on disk.
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// PolicyConfig points at a casbin policy CSV; empty means the built-in policy.
type PolicyConfig struct {
	File string `mapstructure:"file"`
}

// Load reads configuration from defaults, an optional config.yaml and
// INCIDENTDESK_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	return load(viper.New())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetDefault("store", StorePostgres)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("http.addr", DefaultAddr)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", DefaultMaxBodyBytes)
	v.SetDefault("http.cors_origins", []string{})

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("ratelimit.per_second", 20)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("migrations.auto", false)
	v.SetDefault("migrations.dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("policy.file", "")

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/incidentdesk")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names kept from the previous deployment scripts.
	_ = v.BindEnv("database.dsn", "INCIDENTDESK_DATABASE_DSN", "INCIDENTDESK_PG_DSN")
	_ = v.BindEnv("auth.secret", "INCIDENTDESK_AUTH_SECRET")
	_ = v.BindEnv("http.addr", "INCIDENTDESK_HTTP_ADDR")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that required fields are set and consistent.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn must not be empty when store is %q", StorePostgres)
		}
	case StoreMemory:
		if c.Migrations.Auto {
			return fmt.Errorf("migrations.auto requires store %q", StorePostgres)
		}
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database pool sizes must be >= 0")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be greater than 0")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be greater than 0")
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be greater than 0")
	}
	if c.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("ratelimit.per_second must be greater than 0")
	}
	if c.RateLimit.Burst < c.RateLimit.PerSecond {
		return fmt.Errorf("ratelimit.burst (%d) must be >= ratelimit.per_second (%d)", c.RateLimit.Burst, c.RateLimit.PerSecond)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// maskDSN hides the password of a postgres:// URL.
func maskDSN(dsn string) string {
	at := strings.LastIndexByte(dsn, '@')
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.IndexByte(creds, ':'); colon >= 0 {
		return dsn[:scheme+3] + creds[:colon] + ":***" + dsn[at:]
	}
	return dsn
}
