package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string           `yaml:"listen_addr"`
	DB          DBConfig         `yaml:"db"`
	CatalogPath string           `yaml:"catalog_path"`
	Model       ModelConfig      `yaml:"model"`
	Session     SessionConfig    `yaml:"session"`
	Validation  ValidationConfig `yaml:"validation"`
	LogLevel    string           `yaml:"log_level"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ModelConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Name           string `yaml:"name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Referer        string `yaml:"referer"`
	Title          string `yaml:"title"`
}

type SessionConfig struct {
	TokenTTLHours int `yaml:"token_ttl_hours"`
}

type ValidationConfig struct {
	// StrictFields rejects validate requests naming unmapped field
	// paths instead of silently dropping them.
	StrictFields bool `yaml:"strict_fields"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog_path is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is %s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}

	if c.Session.TokenTTLHours < 0 {
		return fmt.Errorf("session.token_ttl_hours must not be negative")
	}

	return nil
}
