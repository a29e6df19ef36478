// Package config loads CLI configuration from a YAML file with
// environment-variable overrides for anything secret, following the
// teacher's load-then-override shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds everything the CLI needs to build a Client and run a replay.
type Config struct {
	Exchange    string   `yaml:"exchange"`
	From        string   `yaml:"from"`
	To          string   `yaml:"to"`
	Channels    []string `yaml:"channels"`
	CacheDir    string   `yaml:"cache_dir"`
	BaseURL     string   `yaml:"base_url"`
	Concurrency int      `yaml:"concurrency"`
	Window      int      `yaml:"window"`

	APIKey string `yaml:"-" env:"TARDIS_API_KEY"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns a Config populated with the package's built-in defaults.
func Default() Config {
	cfg := Config{
		CacheDir:    defaultCacheDir(),
		BaseURL:     "https://api.tardis.dev/v1/data-feeds",
		Concurrency: 6,
		Window:      16,
	}
	cfg.Logging.Level = "info"
	return cfg
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".tardis-cache")
}

// Load reads a YAML file (if path is non-empty) on top of Default, then
// applies environment-variable overrides. An empty path is not an error:
// the caller may run entirely off flags and environment variables. A
// non-empty path that cannot be read is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env overrides: %w", err)
	}

	return cfg, nil
}
