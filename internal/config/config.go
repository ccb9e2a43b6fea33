// Package config provides YAML-based configuration loading for FibreFlow.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Config is the top-level FibreFlow configuration, loaded from fibreflow.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Import   ImportConfig   `yaml:"import"`
	Server   ServerConfig   `yaml:"server"`
	Reaper   ReaperConfig   `yaml:"reaper"`
}

// DatabaseConfig holds connection settings for the relational store.
// When DSN is set it wins over the discrete host/port/name fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ImportConfig tunes the SOW import pipeline.
type ImportConfig struct {
	BatchSize        int    `yaml:"batch_size"`
	MaxErrorMessages int    `yaml:"max_error_messages"`
	DefaultMaxDrops  int    `yaml:"default_max_drops"`
	UploadDir        string `yaml:"upload_dir"`
}

// ServerConfig holds the HTTP status/upload surface settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ReaperConfig controls the sweep that fails abandoned import jobs.
type ReaperConfig struct {
	Schedule   string `yaml:"schedule"`
	StaleAfter string `yaml:"stale_after"`
}

// StaleAfterDuration returns the parsed stale threshold. Parse errors are
// caught by validate, so a loaded Config always yields a positive value.
func (r ReaperConfig) StaleAfterDuration() time.Duration {
	d, err := time.ParseDuration(r.StaleAfter)
	if err != nil || d <= 0 {
		return 2 * time.Hour
	}
	return d
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied after defaults and before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case DriverMySQL:
			c.Database.Port = 3306
		case DriverPostgres:
			c.Database.Port = 5432
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "fibreflow"
	}
	if c.Import.BatchSize == 0 {
		c.Import.BatchSize = 500
	}
	if c.Import.MaxErrorMessages == 0 {
		c.Import.MaxErrorMessages = 50
	}
	if c.Import.DefaultMaxDrops == 0 {
		c.Import.DefaultMaxDrops = 12
	}
	if c.Import.UploadDir == "" {
		c.Import.UploadDir = os.TempDir()
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "*/5 * * * *"
	}
	if c.Reaper.StaleAfter == "" {
		c.Reaper.StaleAfter = "2h"
	}
}

// applyEnv overlays DATABASE_URL and FF_BATCH_SIZE from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup("FF_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: FF_BATCH_SIZE %q: %w", v, err)
		}
		c.Import.BatchSize = n
	}
	return nil
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case DriverPostgres, DriverMySQL:
		if c.Database.DSN == "" && c.Database.Name == "" {
			errs = append(errs, "database.name or database.dsn is required")
		}
	case DriverSQLite:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of postgres, mysql, sqlite", c.Database.Driver))
	}
	if c.Import.BatchSize < 1 {
		errs = append(errs, "import.batch_size must be positive")
	}
	if c.Import.MaxErrorMessages < 1 {
		errs = append(errs, "import.max_error_messages must be positive")
	}
	if c.Import.DefaultMaxDrops < 1 {
		errs = append(errs, "import.default_max_drops must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if d, err := time.ParseDuration(c.Reaper.StaleAfter); err != nil || d <= 0 {
		errs = append(errs, fmt.Sprintf("reaper.stale_after %q is not a positive duration", c.Reaper.StaleAfter))
	}
	if len(strings.Fields(c.Reaper.Schedule)) != 5 {
		errs = append(errs, fmt.Sprintf("reaper.schedule %q must have 5 fields", c.Reaper.Schedule))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
