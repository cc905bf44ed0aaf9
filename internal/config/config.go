// Package config loads the server configuration from an optional YAML
// file with environment overrides for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Segmentation struct {
	// URL is the HTTP base of the segmentation service; the stream URL
	// is derived from it.
	URL string `yaml:"url"`
}

type Recordings struct {
	// Dir holds .pb recordings and their .seg.pb sidecars.
	Dir string `yaml:"dir"`
	// CatalogPath is the SQLite recordings catalog.
	CatalogPath string `yaml:"catalog_path"`
}

type Auth struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	// Password is plaintext or a bcrypt hash.
	Password  string `yaml:"password"`
	JWTSecret string `yaml:"jwt_secret"`
}

type Dashboard struct {
	// Dir is served at / when it exists.
	Dir string `yaml:"dir"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server       Server       `yaml:"server"`
	Segmentation Segmentation `yaml:"segmentation"`
	Recordings   Recordings   `yaml:"recordings"`
	Auth         Auth         `yaml:"auth"`
	Dashboard    Dashboard    `yaml:"dashboard"`
	Log          Log          `yaml:"log"`
}

func Default() Config {
	return Config{
		Server:       Server{Host: "0.0.0.0", Port: 8765},
		Segmentation: Segmentation{URL: "http://127.0.0.1:8081"},
		Recordings:   Recordings{Dir: "recordings", CatalogPath: "recordings/catalog.db"},
		Auth:         Auth{Username: "admin"},
		Dashboard:    Dashboard{Dir: "dashboard/dist"},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty
// path skips the file. Environment variables override secrets last:
// AUTH_ENABLED, AUTH_USERNAME, AUTH_PASSWORD, JWT_SECRET,
// SEGMENTATION_URL, LOG_LEVEL.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.Auth.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUTH_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := os.Getenv("AUTH_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SEGMENTATION_URL"); v != "" {
		cfg.Segmentation.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
