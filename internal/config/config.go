package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/teacup-labs/teadesk/internal/state"
)

// Config holds all environment-based configuration for teadesk.
type Config struct {
	// Base URL of the tea-shop REST API, e.g. https://api.tea.example/v1.
	APIURL string `env:"TEADESK_API_URL"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Session state file. Defaults to ~/.teadesk/state.db.
	StatePath string `env:"TEADESK_STATE_PATH"`

	// When set, tokens are sealed at rest with a key derived from it.
	StatePassphrase string `env:"TEADESK_STATE_PASSPHRASE"`

	// Console listen address. Loopback by default: the console holds a
	// live session and has no login of its own beyond the API's.
	ListenAddr string `env:"TEADESK_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`

	HTTPTimeout time.Duration `env:"TEADESK_HTTP_TIMEOUT" envDefault:"30s"`

	// Phone verification polling.
	PhonePollInterval time.Duration `env:"TEADESK_PHONE_POLL_INTERVAL" envDefault:"3s"`
	PhoneVerifyTTL    time.Duration `env:"TEADESK_PHONE_VERIFY_TTL" envDefault:"5m"`

	// Optional defaults for the login command. Prompted for when empty.
	Email    string `env:"TEADESK_EMAIL"`
	Password string `env:"TEADESK_PASSWORD"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("TEADESK_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("TEADESK_API_URL must be an absolute URL")
	}

	// Bearer tokens must not travel in clear text, except to a local
	// development backend.
	if u.Scheme != "https" && !(u.Scheme == "http" && isLoopback(u.Hostname())) {
		return fmt.Errorf("TEADESK_API_URL must use https (http is only allowed for localhost)")
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("TEADESK_LISTEN_ADDR %q is not host:port", c.ListenAddr)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("TEADESK_HTTP_TIMEOUT must be positive")
	}

	if c.PhonePollInterval <= 0 {
		return fmt.Errorf("TEADESK_PHONE_POLL_INTERVAL must be positive")
	}

	if c.PhoneVerifyTTL < c.PhonePollInterval {
		return fmt.Errorf("TEADESK_PHONE_VERIFY_TTL must be at least TEADESK_PHONE_POLL_INTERVAL")
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Sealed reports whether tokens are encrypted at rest.
func (c *Config) Sealed() bool {
	return c.StatePassphrase != ""
}
