// Package config handles brain proxy configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level brain proxy configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Proxy    ProxyConfig    `json:"proxy" yaml:"proxy"`
	Sessions SessionsConfig `json:"sessions" yaml:"sessions"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Presence PresenceConfig `json:"presence,omitempty" yaml:"presence,omitempty"`
	Admin    AdminConfig    `json:"admin,omitempty" yaml:"admin,omitempty"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// ServerConfig defines the HTTP listener. TLS is terminated in front of the proxy.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"`                                             // e.g. ":8080"
	PublicURL      string   `json:"public_url,omitempty" yaml:"public_url,omitempty"`             // advertised in the API schemas
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`   // CORS + WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`     // default 1MB
}

// ProxyConfig holds the tunnel and correlation settings.
type ProxyConfig struct {
	RequestTimeout        Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`                   // default 30s
	HeartbeatInterval     Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`             // default 30s
	ReapInterval          Duration `json:"reap_interval,omitempty" yaml:"reap_interval,omitempty"`                       // default 60s
	MaxIdle               Duration `json:"max_idle,omitempty" yaml:"max_idle,omitempty"`                                 // default 5m
	MinSecretLength       int      `json:"min_secret_length,omitempty" yaml:"min_secret_length,omitempty"`               // default 16
	MinConnectTokenLength int      `json:"min_connect_token_length,omitempty" yaml:"min_connect_token_length,omitempty"` // default 8
	MaxInFlightPerRoute   int      `json:"max_in_flight_per_route,omitempty" yaml:"max_in_flight_per_route,omitempty"`   // 0 = unlimited
	MaxMessageBytes       int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`               // default 1MB
}

// SessionsConfig controls the daily-code sessions used by the /claude dialect.
type SessionsConfig struct {
	TTL               Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`                                   // default 24h
	SweepInterval     Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`             // default 60s
	AuthPerMinute     float64  `json:"auth_per_minute,omitempty" yaml:"auth_per_minute,omitempty"`           // default 10
	AuthBurst         int      `json:"auth_burst,omitempty" yaml:"auth_burst,omitempty"`                     // default 5
	MaxTrackedClients int      `json:"max_tracked_clients,omitempty" yaml:"max_tracked_clients,omitempty"`   // default 4096
}

// StorageConfig defines the audit database.
type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver"`                                             // "sqlite" (default), "postgres" or "none"
	DSN            string   `json:"dsn" yaml:"dsn"`                                                   // e.g. "brain-proxy.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty"`       // default 30 days
}

// PresenceConfig enables publishing brain presence to Redis.
type PresenceConfig struct {
	RedisURL  string   `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	KeyPrefix string   `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"` // default "brain_online:"
	TTL       Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`               // default 90s
	GatewayID string   `json:"gateway_id,omitempty" yaml:"gateway_id,omitempty"` // default hostname
}

// AdminConfig enables the admin API. Either a local user (bcrypt hash + JWT
// secret) or a JWKS issuer may be configured.
type AdminConfig struct {
	Username     string   `json:"username,omitempty" yaml:"username,omitempty"`
	PasswordHash string   `json:"password_hash,omitempty" yaml:"password_hash,omitempty"`
	JWTSecret    string   `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	JWTExpiry    Duration `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty"` // default 12h
	JWKSURL      string   `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"`
	Issuer       string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`
}

// Enabled reports whether any admin auth is configured.
func (a AdminConfig) Enabled() bool {
	return a.Username != "" || a.JWKSURL != ""
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Duration is a JSON- and YAML-friendly time.Duration. Strings are parsed
// with time.ParseDuration; bare numbers are seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	if i, ok := v.(int); ok {
		v = float64(i)
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{Addr: ":8080"}}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a config file. The format is chosen by extension:
// .yaml/.yml for YAML, anything else is JSON with comments allowed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, validates and completes a config document.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("storage.driver must be sqlite, postgres or none, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Proxy.MinSecretLength < 0 || c.Proxy.MinConnectTokenLength < 0 || c.Proxy.MaxInFlightPerRoute < 0 {
		return fmt.Errorf("proxy limits must not be negative")
	}
	if c.Admin.Username != "" {
		if c.Admin.PasswordHash == "" {
			return fmt.Errorf("admin.password_hash is required when admin.username is set")
		}
		if len(c.Admin.JWTSecret) < 32 {
			return fmt.Errorf("admin.jwt_secret must be at least 32 characters")
		}
	}
	if c.Admin.JWKSURL != "" && c.Admin.Issuer == "" {
		return fmt.Errorf("admin.issuer is required when admin.jwks_url is set")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Proxy.RequestTimeout.Duration == 0 {
		c.Proxy.RequestTimeout.Duration = 30 * time.Second
	}
	if c.Proxy.HeartbeatInterval.Duration == 0 {
		c.Proxy.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Proxy.ReapInterval.Duration == 0 {
		c.Proxy.ReapInterval.Duration = 60 * time.Second
	}
	if c.Proxy.MaxIdle.Duration == 0 {
		c.Proxy.MaxIdle.Duration = 5 * time.Minute
	}
	if c.Proxy.MinSecretLength == 0 {
		c.Proxy.MinSecretLength = 16
	}
	if c.Proxy.MinConnectTokenLength == 0 {
		c.Proxy.MinConnectTokenLength = 8
	}
	if c.Proxy.MaxMessageBytes == 0 {
		c.Proxy.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.Sessions.TTL.Duration == 0 {
		c.Sessions.TTL.Duration = 24 * time.Hour
	}
	if c.Sessions.SweepInterval.Duration == 0 {
		c.Sessions.SweepInterval.Duration = 60 * time.Second
	}
	if c.Sessions.AuthPerMinute == 0 {
		c.Sessions.AuthPerMinute = 10
	}
	if c.Sessions.AuthBurst == 0 {
		c.Sessions.AuthBurst = 5
	}
	if c.Sessions.MaxTrackedClients == 0 {
		c.Sessions.MaxTrackedClients = 4096
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "brain-proxy.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Presence.KeyPrefix == "" {
		c.Presence.KeyPrefix = "brain_online:"
	}
	if c.Presence.TTL.Duration == 0 {
		c.Presence.TTL.Duration = 90 * time.Second
	}
	if c.Presence.GatewayID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Presence.GatewayID = host
		} else {
			c.Presence.GatewayID = "brain-proxy"
		}
	}
	if c.Admin.JWTExpiry.Duration == 0 {
		c.Admin.JWTExpiry.Duration = 12 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
