// Package config loads service configuration from an optional TOML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Sweep    SweepConfig
	Webhook  WebhookConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL pool settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// NATSConfig holds messaging settings.
type NATSConfig struct {
	URL string
}

// SweepConfig holds cron schedules for the periodic sweeps.
type SweepConfig struct {
	ApprovalInterval time.Duration
	SLAInterval      time.Duration
}

// WebhookConfig holds outbound webhook settings.
type WebhookConfig struct {
	Timeout time.Duration
}

// fileConfig mirrors the TOML file layout. Durations are strings
// ("30s", "5m") parsed with time.ParseDuration.
type fileConfig struct {
	Service struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Environment string `toml:"environment"`
	} `toml:"service"`
	Server struct {
		Port            int    `toml:"port"`
		ReadTimeout     string `toml:"read_timeout"`
		WriteTimeout    string `toml:"write_timeout"`
		IdleTimeout     string `toml:"idle_timeout"`
		ShutdownTimeout string `toml:"shutdown_timeout"`
	} `toml:"server"`
	Database struct {
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		User     string `toml:"user"`
		Password string `toml:"password"`
		Database string `toml:"database"`
		SSLMode  string `toml:"sslmode"`
		MaxConns int    `toml:"max_conns"`
		MinConns int    `toml:"min_conns"`
	} `toml:"database"`
	NATS struct {
		URL string `toml:"url"`
	} `toml:"nats"`
	Sweep struct {
		ApprovalInterval string `toml:"approval_interval"`
		SLAInterval      string `toml:"sla_interval"`
	} `toml:"sweep"`
	Webhook struct {
		Timeout string `toml:"timeout"`
	} `toml:"webhook"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:        "be-automation",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Password:    "postgres",
			Database:    "vrtx",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		NATS: NATSConfig{URL: "nats://localhost:4222"},
		Sweep: SweepConfig{
			ApprovalInterval: 5 * time.Minute,
			SLAInterval:      5 * time.Minute,
		},
		Webhook: WebhookConfig{Timeout: 30 * time.Second},
	}
}

// Load builds the configuration from defaults, an optional TOML file named by
// CONFIG_FILE, and environment variable overrides, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	if meta.IsDefined("service", "name") {
		cfg.Service.Name = raw.Service.Name
	}
	if meta.IsDefined("service", "version") {
		cfg.Service.Version = raw.Service.Version
	}
	if meta.IsDefined("service", "environment") {
		cfg.Service.Environment = raw.Service.Environment
	}

	if meta.IsDefined("server", "port") {
		cfg.Server.Port = raw.Server.Port
	}
	if err := applyDuration(meta, &cfg.Server.ReadTimeout, raw.Server.ReadTimeout, "server", "read_timeout"); err != nil {
		return err
	}
	if err := applyDuration(meta, &cfg.Server.WriteTimeout, raw.Server.WriteTimeout, "server", "write_timeout"); err != nil {
		return err
	}
	if err := applyDuration(meta, &cfg.Server.IdleTimeout, raw.Server.IdleTimeout, "server", "idle_timeout"); err != nil {
		return err
	}
	if err := applyDuration(meta, &cfg.Server.ShutdownTimeout, raw.Server.ShutdownTimeout, "server", "shutdown_timeout"); err != nil {
		return err
	}

	if meta.IsDefined("database", "host") {
		cfg.Database.Host = raw.Database.Host
	}
	if meta.IsDefined("database", "port") {
		cfg.Database.Port = raw.Database.Port
	}
	if meta.IsDefined("database", "user") {
		cfg.Database.User = raw.Database.User
	}
	if meta.IsDefined("database", "password") {
		cfg.Database.Password = raw.Database.Password
	}
	if meta.IsDefined("database", "database") {
		cfg.Database.Database = raw.Database.Database
	}
	if meta.IsDefined("database", "sslmode") {
		cfg.Database.SSLMode = raw.Database.SSLMode
	}
	if meta.IsDefined("database", "max_conns") {
		cfg.Database.MaxConns = int32(raw.Database.MaxConns)
	}
	if meta.IsDefined("database", "min_conns") {
		cfg.Database.MinConns = int32(raw.Database.MinConns)
	}

	if meta.IsDefined("nats", "url") {
		cfg.NATS.URL = raw.NATS.URL
	}

	if err := applyDuration(meta, &cfg.Sweep.ApprovalInterval, raw.Sweep.ApprovalInterval, "sweep", "approval_interval"); err != nil {
		return err
	}
	if err := applyDuration(meta, &cfg.Sweep.SLAInterval, raw.Sweep.SLAInterval, "sweep", "sla_interval"); err != nil {
		return err
	}
	if err := applyDuration(meta, &cfg.Webhook.Timeout, raw.Webhook.Timeout, "webhook", "timeout"); err != nil {
		return err
	}

	return nil
}

func applyDuration(meta toml.MetaData, dst *time.Duration, value string, keys ...string) error {
	if !meta.IsDefined(keys...) {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %v: %w", keys, err)
	}
	*dst = d
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Service.Name = getEnv("SERVICE_NAME", cfg.Service.Name)
	cfg.Service.Version = getEnv("SERVICE_VERSION", cfg.Service.Version)
	cfg.Service.Environment = getEnv("ENVIRONMENT", cfg.Service.Environment)

	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}
