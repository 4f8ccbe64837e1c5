package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	UDP      UDPConfig      `yaml:"udp"`
	Session  SessionConfig  `yaml:"session"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	JWT      JWTConfig      `yaml:"jwt"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UDPConfig is the EmProto socket
type UDPConfig struct {
	Bind      string `yaml:"bind"`
	Broadcast string `yaml:"broadcast"`
}

// SessionConfig tunes device sessions
type SessionConfig struct {
	OnlineWindow    time.Duration `yaml:"online_window"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	ReloginAfter    time.Duration `yaml:"relogin_after"`
	LoginTimeout    time.Duration `yaml:"login_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	DefaultCurrent  int           `yaml:"default_current"`
	StartCooldown   time.Duration `yaml:"start_cooldown"`
	UserID          string        `yaml:"user_id"`
}

// DatabaseConfig represents database configuration. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration. An empty URL disables the bridge.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the state forwarder. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// APIConfig represents API configuration. Port 0 disables the API.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// SecurityConfig holds the key protecting stored device passwords
type SecurityConfig struct {
	PasswordKey   string `yaml:"password_key"`
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
}

// Key decodes the AES key. An empty key returns nil.
func (s SecurityConfig) Key() ([]byte, error) {
	if s.PasswordKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s.PasswordKey)
	if err != nil {
		return nil, fmt.Errorf("decode password key: %w", err)
	}
	return key, nil
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// DefaultStartCooldown applies when start_cooldown is absent. An explicit
// zero disables the cooldown.
const DefaultStartCooldown = time.Minute

// Parse decodes YAML configuration and applies overrides and defaults
func Parse(data []byte) (*Config, error) {
	cfg := Config{Session: SessionConfig{StartCooldown: DefaultStartCooldown}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := Config{Session: SessionConfig{StartCooldown: DefaultStartCooldown}}
	cfg.applyEnvOverrides()
	cfg.setDefaults()
	return &cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if key := os.Getenv("EVSE_PASSWORD_KEY"); key != "" {
		c.Security.PasswordKey = key
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "evse-controller"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.UDP.Bind == "" {
		c.UDP.Bind = "0.0.0.0:28376"
	}
	if c.UDP.Broadcast == "" {
		c.UDP.Broadcast = "255.255.255.255:28376"
	}

	s := &c.Session
	if s.OnlineWindow == 0 {
		s.OnlineWindow = 30 * time.Second
	}
	if s.TickInterval == 0 {
		s.TickInterval = 5 * time.Second
	}
	if s.ReloginAfter == 0 {
		s.ReloginAfter = 30 * time.Second
	}
	if s.LoginTimeout == 0 {
		s.LoginTimeout = 3 * time.Second
	}
	if s.ResponseTimeout == 0 {
		s.ResponseTimeout = 5 * time.Second
	}
	if s.DefaultCurrent == 0 {
		s.DefaultCurrent = 16
	}
	if s.UserID == "" {
		s.UserID = "emmgr"
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}

	if c.NATS.ClientID == "" {
		c.NATS.ClientID = "evse-controller"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "evse"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "evse-controller"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "evse"
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
}

// Validate checks values that have no safe default
func (c *Config) Validate() error {
	if _, err := net.ResolveUDPAddr("udp4", c.UDP.Bind); err != nil {
		return fmt.Errorf("udp.bind: %w", err)
	}
	if _, err := net.ResolveUDPAddr("udp4", c.UDP.Broadcast); err != nil {
		return fmt.Errorf("udp.broadcast: %w", err)
	}

	if c.Session.DefaultCurrent < 6 || c.Session.DefaultCurrent > 32 {
		return fmt.Errorf("session.default_current %d outside 6-32 A", c.Session.DefaultCurrent)
	}
	if c.Session.StartCooldown < 0 {
		return fmt.Errorf("session.start_cooldown must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d invalid", c.MQTT.QoS)
	}

	key, err := c.Security.Key()
	if err != nil {
		return err
	}
	if key != nil && len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return fmt.Errorf("security.password_key must be 16, 24 or 32 bytes, got %d", len(key))
	}

	if c.API.Port != 0 && c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required when the API is enabled")
	}

	return nil
}

// PrintConfigSummary prints the effective configuration
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== EVSE Controller Configuration ===\n")
	fmt.Printf("Server: %s %s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("UDP: bind %s, broadcast %s\n", c.UDP.Bind, c.UDP.Broadcast)
	fmt.Printf("Session: online %s, tick %s, relogin %s, login timeout %s, response timeout %s\n",
		c.Session.OnlineWindow, c.Session.TickInterval, c.Session.ReloginAfter,
		c.Session.LoginTimeout, c.Session.ResponseTimeout)
	fmt.Printf("Charging: default %d A, start cooldown %s\n", c.Session.DefaultCurrent, c.Session.StartCooldown)

	if c.Database.DSN == "" {
		fmt.Printf("Database: in-memory\n")
	} else {
		fmt.Printf("Database: postgres\n")
	}
	fmt.Printf("NATS: %s\n", enabled(c.NATS.URL))
	fmt.Printf("MQTT: %s\n", enabled(c.MQTT.Broker))
	if c.API.Port == 0 {
		fmt.Printf("API: disabled\n")
	} else {
		fmt.Printf("API: %s:%d\n", c.API.Host, c.API.Port)
	}
	fmt.Printf("Stored passwords encrypted: %v\n", c.Security.PasswordKey != "")
	fmt.Printf("=====================================\n")
}

func enabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}
