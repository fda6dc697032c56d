// Package config provides Viper-based configuration loading for lobbysync.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends for the discovery service.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// SessionConfig holds the local participant identity and session defaults.
type SessionConfig struct {
	// UserID identifies the local participant to the discovery service.
	// Empty means a random identity is generated at startup.
	UserID string `mapstructure:"user_id"`
	// DisplayName is used to build the session name ("<name>'s lobby").
	DisplayName string `mapstructure:"display_name"`
	// DefaultVisibility is one of "private", "friends_only", "public", "invisible".
	DefaultVisibility string `mapstructure:"default_visibility"`
	// DefaultCapacity is the member limit used when none is given.
	DefaultCapacity int `mapstructure:"default_capacity"`
}

// DiscoveryConfig holds discovery service settings.
type DiscoveryConfig struct {
	// Store selects the session store backend: "memory" or "postgres".
	Store string `mapstructure:"store"`
	// ListMaxResults bounds the number of sessions returned by one list query.
	ListMaxResults int `mapstructure:"list_max_results"`
	// CallTimeout bounds how long create/join wait for their notification.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// RefreshTimeout bounds how long a directory refresh waits for results.
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
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

// TransportConfig holds peer transport settings.
type TransportConfig struct {
	// Host is the bind address for the host-mode listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the host-mode listener. 0 picks an ephemeral port.
	Port int `mapstructure:"port"`
	// AdvertiseHost replaces the bind host in the address published to guests.
	AdvertiseHost string `mapstructure:"advertise_host"`
	// DialTimeout bounds the guest-mode handshake with the host.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// SendBuffer is the per-connection outbound queue size.
	SendBuffer int `mapstructure:"send_buffer"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TransportConfig) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ScenesConfig names the scene catalog and well-known scenes.
type ScenesConfig struct {
	// Catalog is the path to the scene catalog YAML file.
	Catalog string `mapstructure:"catalog"`
	// Bootstrap is the always-loaded root scene.
	Bootstrap string `mapstructure:"bootstrap"`
	// MainMenu is the scene loaded after bootstrap.
	MainMenu string `mapstructure:"main_menu"`
	// Game is the scene loaded by StartGame.
	Game string `mapstructure:"game"`
}

// CoordinatorConfig holds distributed scene change settings.
type CoordinatorConfig struct {
	// LoadTimeout bounds one coordinated scene change; unfinished peers are marked failed.
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Session     SessionConfig     `mapstructure:"session"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Scenes      ScenesConfig      `mapstructure:"scenes"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDiscovery(c.Discovery); err != nil {
		errs = append(errs, err.Error())
	}
	// The database section only matters when it backs the discovery store.
	if c.Discovery.Store == StorePostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateTransport(c.Transport); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateScenes(c.Scenes); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Coordinator.LoadTimeout <= 0 {
		errs = append(errs, "coordinator.load_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
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

func validateSession(s SessionConfig) error {
	var errs []string
	if strings.TrimSpace(s.DisplayName) == "" {
		errs = append(errs, "session.display_name must not be empty")
	}
	validVisibility := map[string]bool{"private": true, "friends_only": true, "public": true, "invisible": true}
	if !validVisibility[s.DefaultVisibility] {
		errs = append(errs, fmt.Sprintf("session.default_visibility must be one of [private, friends_only, public, invisible], got %q", s.DefaultVisibility))
	}
	if s.DefaultCapacity < 1 {
		errs = append(errs, fmt.Sprintf("session.default_capacity must be >= 1, got %d", s.DefaultCapacity))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateDiscovery(d DiscoveryConfig) error {
	var errs []string
	if d.Store != StoreMemory && d.Store != StorePostgres {
		errs = append(errs, fmt.Sprintf("discovery.store must be one of [memory, postgres], got %q", d.Store))
	}
	if d.ListMaxResults < 1 {
		errs = append(errs, fmt.Sprintf("discovery.list_max_results must be >= 1, got %d", d.ListMaxResults))
	}
	if d.CallTimeout <= 0 {
		errs = append(errs, "discovery.call_timeout must be positive")
	}
	if d.RefreshTimeout <= 0 {
		errs = append(errs, "discovery.refresh_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
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
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.Host == "" {
		errs = append(errs, "transport.host must not be empty")
	}
	if t.Port < 0 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("transport.port must be 0-65535, got %d", t.Port))
	}
	if t.DialTimeout <= 0 {
		errs = append(errs, "transport.dial_timeout must be positive")
	}
	if t.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.send_buffer must be >= 1, got %d", t.SendBuffer))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateScenes(s ScenesConfig) error {
	var errs []string
	if s.MainMenu == "" {
		errs = append(errs, "scenes.main_menu must not be empty")
	}
	if s.Game == "" {
		errs = append(errs, "scenes.game must not be empty")
	}
	if s.MainMenu != "" && s.MainMenu == s.Game {
		errs = append(errs, "scenes.main_menu and scenes.game must differ")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with LOBBY_ prefix
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
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

// SetDefaults installs the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("session.user_id", "")
	v.SetDefault("session.display_name", "Player")
	v.SetDefault("session.default_visibility", "private")
	v.SetDefault("session.default_capacity", 4)

	v.SetDefault("discovery.store", StoreMemory)
	v.SetDefault("discovery.list_max_results", 50)
	v.SetDefault("discovery.call_timeout", "10s")
	v.SetDefault("discovery.refresh_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "lobby")
	v.SetDefault("database.password", "lobby")
	v.SetDefault("database.name", "lobby")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("transport.host", "127.0.0.1")
	v.SetDefault("transport.port", 0)
	v.SetDefault("transport.advertise_host", "")
	v.SetDefault("transport.dial_timeout", "5s")
	v.SetDefault("transport.send_buffer", 64)

	v.SetDefault("scenes.catalog", "")
	v.SetDefault("scenes.bootstrap", "Bootstrap")
	v.SetDefault("scenes.main_menu", "MainMenu")
	v.SetDefault("scenes.game", "GameScene")

	v.SetDefault("coordinator.load_timeout", "60s")
}
