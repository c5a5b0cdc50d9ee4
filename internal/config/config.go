// Package config provides Viper-based configuration loading for the party-game server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds HTTP/WebSocket listener settings.
type HTTPConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the maximum duration for reading a full request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// DatabaseConfig holds PostgreSQL connection settings for the connection log.
type DatabaseConfig struct {
	// Enabled controls whether connection events are persisted at all.
	// The control plane is fully functional without it.
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RealtimeConfig holds per-connection liveness settings.
type RealtimeConfig struct {
	// HeartbeatInterval is the cadence of server pings and health checks.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatTimeout is the silence after which a connection is marked TIMEOUT.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// MaxReconnectAttempts is the number of reconnect notices sent before
	// a timed-out connection is marked FAILED and cleaned up.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	// DisconnectGrace is the delay between a transport close and destructive
	// cleanup, absorbing brief network blips.
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	// SendQueueSize is the per-connection outbound buffer size.
	SendQueueSize int `mapstructure:"send_queue_size"`
}

// SessionConfig holds login-session settings.
type SessionConfig struct {
	// InactivityTimeout is the idle duration after which a session expires.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	// SweepInterval is the cadence of the expired-session sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ChannelLimitConfig configures one rate-limit channel.
type ChannelLimitConfig struct {
	// RequestsPerMinute is the sliding-window budget.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	// BurstCapacity caps how many requests may sit in the window at once,
	// independent of the per-minute budget.
	BurstCapacity int `mapstructure:"burst_capacity"`
}

// RateLimitConfig holds rate limiting settings for all channels.
type RateLimitConfig struct {
	// Enabled globally toggles enforcement; bookkeeping continues when false.
	Enabled   bool               `mapstructure:"enabled"`
	API       ChannelLimitConfig `mapstructure:"api"`
	Message   ChannelLimitConfig `mapstructure:"message"`
	Handshake ChannelLimitConfig `mapstructure:"handshake"`
}

// AuthConfig holds token and guest-cookie settings.
type AuthConfig struct {
	// JWTSecret is the HMAC key for bearer-token verification.
	JWTSecret string `mapstructure:"jwt_secret"`
	// CookieName is the guest identity cookie name.
	CookieName string `mapstructure:"cookie_name"`
	// CookieSecure marks the guest cookie Secure (set behind TLS).
	CookieSecure bool `mapstructure:"cookie_secure"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateHTTP(c.HTTP); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRealtime(c.Realtime); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRateLimit(c.RateLimit); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAuth(c.Auth); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 1 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if h.ReadTimeout < 0 {
		errs = append(errs, "http.read_timeout must not be negative")
	}
	if h.WriteTimeout < 0 {
		errs = append(errs, "http.write_timeout must not be negative")
	}
	if h.ShutdownTimeout <= 0 {
		errs = append(errs, "http.shutdown_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRealtime(r RealtimeConfig) error {
	var errs []string
	if r.HeartbeatInterval <= 0 {
		errs = append(errs, "realtime.heartbeat_interval must be positive")
	}
	if r.HeartbeatTimeout <= 0 {
		errs = append(errs, "realtime.heartbeat_timeout must be positive")
	}
	if r.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Sprintf("realtime.max_reconnect_attempts must be >= 1, got %d", r.MaxReconnectAttempts))
	}
	if r.DisconnectGrace <= 0 {
		errs = append(errs, "realtime.disconnect_grace must be positive")
	}
	if r.SendQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("realtime.send_queue_size must be >= 1, got %d", r.SendQueueSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.InactivityTimeout <= 0 {
		errs = append(errs, "session.inactivity_timeout must be positive")
	}
	if s.SweepInterval <= 0 {
		errs = append(errs, "session.sweep_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRateLimit(r RateLimitConfig) error {
	var errs []string
	channels := []struct {
		name string
		cfg  ChannelLimitConfig
	}{
		{"api", r.API},
		{"message", r.Message},
		{"handshake", r.Handshake},
	}
	for _, ch := range channels {
		if ch.cfg.RequestsPerMinute < 1 {
			errs = append(errs, fmt.Sprintf("ratelimit.%s.requests_per_minute must be >= 1, got %d", ch.name, ch.cfg.RequestsPerMinute))
		}
		if ch.cfg.BurstCapacity < 1 {
			errs = append(errs, fmt.Sprintf("ratelimit.%s.burst_capacity must be >= 1, got %d", ch.name, ch.cfg.BurstCapacity))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if a.JWTSecret == "" {
		errs = append(errs, "auth.jwt_secret must not be empty")
	}
	if a.CookieName == "" {
		errs = append(errs, "auth.cookie_name must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// ErrNoConfigFile is returned when the config file cannot be read.
var ErrNoConfigFile = errors.New("config file not readable")

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LIARGAME_ prefix
	v.SetEnvPrefix("LIARGAME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrNoConfigFile, path, err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "liargame")
	v.SetDefault("database.password", "liargame")
	v.SetDefault("database.name", "liargame")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("realtime.heartbeat_interval", "30s")
	v.SetDefault("realtime.heartbeat_timeout", "90s")
	v.SetDefault("realtime.max_reconnect_attempts", 5)
	v.SetDefault("realtime.disconnect_grace", "10s")
	v.SetDefault("realtime.send_queue_size", 64)

	v.SetDefault("session.inactivity_timeout", "30m")
	v.SetDefault("session.sweep_interval", "5m")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.api.requests_per_minute", 120)
	v.SetDefault("ratelimit.api.burst_capacity", 150)
	v.SetDefault("ratelimit.message.requests_per_minute", 300)
	v.SetDefault("ratelimit.message.burst_capacity", 360)
	v.SetDefault("ratelimit.handshake.requests_per_minute", 30)
	v.SetDefault("ratelimit.handshake.burst_capacity", 40)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.cookie_name", "lg_client_id")
	v.SetDefault("auth.cookie_secure", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
