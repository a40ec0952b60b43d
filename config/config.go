package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the server.
type Config struct {
	// BaseURL is the public origin clients reach this server at. It is
	// embedded in discovery metadata and in issued redirect targets, so
	// it must be the externally visible URL, not the bind address.
	BaseURL string `env:"BASE_URL"`

	// ListenAddr is the local address the HTTP server binds to.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Environment controls log format. "production" switches to JSON.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Store backend: memory, sqlite, postgres, or redis. The DSN is the
	// file path for sqlite, a connection URL for postgres and redis.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	StoreDSN    string `env:"STORE_DSN"`

	// Grant and token lifetimes.
	AuthCodeTTL     time.Duration `env:"AUTH_CODE_TTL" envDefault:"10m"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`

	// Upstream Monarch Money API.
	MonarchBaseURL string        `env:"MONARCH_BASE_URL" envDefault:"https://api.monarchmoney.com"`
	MonarchTimeout time.Duration `env:"MONARCH_TIMEOUT" envDefault:"15s"`

	// AllowUnregisteredClients auto-registers an unknown client_id seen
	// at the authorization endpoint, binding the redirect_uri it sent.
	// Off by default; only public (no-secret) clients are created this way.
	AllowUnregisteredClients bool `env:"ALLOW_UNREGISTERED_CLIENTS" envDefault:"false"`

	// InsecureTestMode accepts the fixed PKCE sentinel pair. It must
	// never be enabled outside local development.
	InsecureTestMode bool `env:"INSECURE_TEST_MODE" envDefault:"false"`

	// CORSAllowedOrigins is a comma-separated origin allowlist for the
	// RPC endpoint. "*" allows any origin. Empty disables CORS headers.
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS"`
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

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL is required")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}

	switch c.StoreDriver {
	case "memory":
	case "sqlite", "postgres", "redis":
		if c.StoreDSN == "" {
			return fmt.Errorf("STORE_DSN is required for the %s store driver", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (expected memory, sqlite, postgres, or redis)", c.StoreDriver)
	}

	if c.AuthCodeTTL <= 0 || c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseCORSOrigins splits the configured allowlist. A single "*" entry
// means any origin; an empty list disables CORS handling.
func (c *Config) ParseCORSOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	var origins []string

	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}

	return origins
}
