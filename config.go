package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/go-authgate/tokenkeeper/identity"
	"github.com/go-authgate/tokenkeeper/renewal"
)

const (
	backendFile   = "file"
	backendRedis  = "redis"
	backendMemory = "memory"
)

// Config is the CLI configuration. Values come from the environment (and a .env file when
// present); command line flags take precedence.
type Config struct {
	ServerURL string `env:"SERVER_URL" envDefault:"http://localhost:8000"`
	Username  string `env:"USERNAME"`
	Password  string `env:"PASSWORD"`

	// TokenFile holds the session of every namespace when SyncBackend is "file".
	TokenFile   string `env:"TOKEN_FILE"        envDefault:".tokenkeeper-session.json"`
	Namespace   string `env:"SESSION_NAMESPACE" envDefault:"default"`
	SyncBackend string `env:"SYNC_BACKEND"      envDefault:"file"`

	Redis   RedisConfig `envPrefix:"REDIS_"`
	Renewal RenewalConfig

	ProbePath     string        `env:"PROBE_PATH"     envDefault:"/api/v1/users/me"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile     string `env:"LOG_FILE"`
}

// RedisConfig selects the Redis server shared by every instance when SyncBackend is "redis".
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
	Prefix   string `env:"PREFIX"   envDefault:"tokenkeeper:"`
}

// RenewalConfig tunes the renewal schedule and retry budget.
type RenewalConfig struct {
	Buffer            time.Duration `env:"RENEW_BUFFER"              envDefault:"15m"`
	MinDelay          time.Duration `env:"RENEW_MIN_DELAY"           envDefault:"60s"`
	RetryInterval     time.Duration `env:"RENEW_RETRY_INTERVAL"      envDefault:"5m"`
	MaxAttempts       int           `env:"RENEW_MAX_ATTEMPTS"        envDefault:"3"`
	RetryInvalidGrant bool          `env:"RENEW_RETRY_INVALID_GRANT" envDefault:"false"`
}

// Sanitize applies guardrails to values loaded from env.
func (c *RenewalConfig) Sanitize() {
	if c.Buffer <= 0 {
		c.Buffer = renewal.DefaultBuffer
	}
	if c.MinDelay <= 0 {
		c.MinDelay = renewal.DefaultMinDelay
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = renewal.DefaultRetryInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = renewal.DefaultMaxAttempts
	}
}

// Sanitize applies guardrails to configuration values loaded from env.
func (c *Config) Sanitize() {
	c.Renewal.Sanitize()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbePath != "" && !strings.HasPrefix(c.ProbePath, "/") {
		c.ProbePath = "/" + c.ProbePath
	}
	c.SyncBackend = strings.ToLower(strings.TrimSpace(c.SyncBackend))
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if err := identity.ValidateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	switch c.SyncBackend {
	case backendFile:
		if c.TokenFile == "" {
			return errors.New("TOKEN_FILE cannot be empty with the file backend")
		}
	case backendRedis, backendMemory:
	default:
		return fmt.Errorf("unknown SYNC_BACKEND %q (want file, redis or memory)", c.SyncBackend)
	}
	if c.Namespace == "" {
		return errors.New("SESSION_NAMESPACE cannot be empty")
	}
	return nil
}

// Plaintext reports whether credentials would travel over plain HTTP.
func (c *Config) Plaintext() bool {
	return strings.HasPrefix(strings.ToLower(c.ServerURL), "http://")
}

// loadConfig reads .env (if any), the environment and then args.
// Priority: flag > env > default
func loadConfig(args []string, errOut io.Writer) (Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	fs := flag.NewFlagSet("tokenkeeper", flag.ContinueOnError)
	fs.SetOutput(errOut)
	serverURL := fs.String("server-url", "", "API server URL (default: http://localhost:8000 or SERVER_URL env)")
	username := fs.String("username", "", "Login user name when no session is stored (or USERNAME env)")
	tokenFile := fs.String("token-file", "", "Session file (default: .tokenkeeper-session.json or TOKEN_FILE env)")
	namespace := fs.String("namespace", "", "Session namespace inside the store (or SESSION_NAMESPACE env)")
	backend := fs.String("sync", "", "Session store and sync backend: file, redis or memory (or SYNC_BACKEND env)")
	probe := fs.String("probe", "", "API path requested periodically (or PROBE_PATH env)")
	interval := fs.Duration("interval", 0, "Interval between probe requests (or PROBE_INTERVAL env)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	override(&cfg.ServerURL, *serverURL)
	override(&cfg.Username, *username)
	override(&cfg.TokenFile, *tokenFile)
	override(&cfg.Namespace, *namespace)
	override(&cfg.SyncBackend, *backend)
	override(&cfg.ProbePath, *probe)
	if *interval > 0 {
		cfg.ProbeInterval = *interval
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func override(dst *string, flagValue string) {
	if flagValue != "" {
		*dst = flagValue
	}
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
