package config

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment overrides, e.g. GOOPCALL_RELAY_URL.
const EnvPrefix = "GOOPCALL"

type envOverrides struct {
	UserID   string `envconfig:"USER_ID"`
	RelayURL string `envconfig:"RELAY_URL"`
	HTTPAddr string `envconfig:"HTTP_ADDR"`
	LogLevel string `envconfig:"LOG_LEVEL"`
	Port     int    `envconfig:"RELAY_PORT"`
	DBPath   string `envconfig:"RELAY_DB_PATH"`
}

// LoadDotEnv loads dir/.env into the process environment if it exists.
// Variables already set in the environment win.
func LoadDotEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays GOOPCALL_* environment variables onto cfg and
// re-validates the result.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return err
	}
	if o.UserID != "" {
		cfg.Identity.UserID = o.UserID
	}
	if o.RelayURL != "" {
		cfg.Relay.URL = o.RelayURL
	}
	if o.HTTPAddr != "" {
		cfg.Viewer.HTTPAddr = o.HTTPAddr
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.Port != 0 {
		cfg.Rendezvous.Port = o.Port
	}
	if o.DBPath != "" {
		cfg.Rendezvous.DBPath = o.DBPath
	}
	return cfg.Validate()
}
