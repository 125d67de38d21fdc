package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the merx service.
type Config struct {
	ListenAddress string  `toml:"ListenAddress"`
	DataDir       string  `toml:"DataDir"`
	AdminAddress  string  `toml:"AdminAddress"`
	Environment   string  `toml:"Environment"`
	RatePerMinute float64 `toml:"RatePerMinute"`
	RateBurst     int     `toml:"RateBurst"`
	EventBuffer   int     `toml:"EventBuffer"`
}

// Default returns the built-in configuration. A missing config file is not
// an error; the defaults serve local development.
func Default() *Config {
	return &Config{
		ListenAddress: ":8080",
		DataDir:       "./merx-data",
		Environment:   "dev",
		RatePerMinute: 600,
		RateBurst:     30,
		EventBuffer:   256,
	}
}

// Load reads the TOML file at path (when it exists), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MERX_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("MERX_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("MERX_ADMIN")); v != "" {
		cfg.AdminAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("MERX_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("MERX_RATE_PER_MINUTE")); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RatePerMinute = rate
		}
	}
	if v := strings.TrimSpace(os.Getenv("MERX_RATE_BURST")); v != "" {
		if burst, err := strconv.Atoi(v); err == nil {
			cfg.RateBurst = burst
		}
	}
	if v := strings.TrimSpace(os.Getenv("MERX_EVENT_BUFFER")); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.EventBuffer = size
		}
	}
}

// Validate checks the configuration for obvious misconfiguration before
// the service starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if _, err := c.Admin(); err != nil {
		return err
	}
	if c.RatePerMinute <= 0 {
		return fmt.Errorf("config: RatePerMinute must be positive")
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("config: RateBurst must be positive")
	}
	return nil
}

// Admin parses the configured admin identity as a 20-byte hex address.
func (c *Config) Admin() ([20]byte, error) {
	var admin [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(c.AdminAddress), "0x")
	if trimmed == "" {
		return admin, fmt.Errorf("config: AdminAddress is required")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(admin) {
		return admin, fmt.Errorf("config: AdminAddress must be a 20-byte hex address")
	}
	copy(admin[:], raw)
	return admin, nil
}
