// Package config loads couchbackup/couchrestore configuration from a YAML
// file, a .env file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/IBM/couchbackup-sub000/internal/cberrors"
)

// Mode selects the backup algorithm.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeShallow Mode = "shallow"
)

// Config holds all options accepted by the backup/restore core (§6.3).
type Config struct {
	Parallelism    int    `yaml:"parallelism"`
	BufferSize     int    `yaml:"buffer_size"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
	Mode           Mode   `yaml:"mode"`
	Log            string `yaml:"log"`
	Resume         bool   `yaml:"resume"`
	IAMAPIKey      string `yaml:"iam_api_key"`
	IAMTokenURL    string `yaml:"iam_token_url"`
	Quiet          bool   `yaml:"quiet"`
	Attachments    bool   `yaml:"attachments"`

	// Redis-backed run lock (domain-stack enrichment, disabled by default).
	LockRedisURL string `yaml:"lock_redis_url"`

	// Progress HTTP server (domain-stack enrichment, disabled by default).
	ProgressAddr string `yaml:"progress_addr"`
}

// RequestTimeoutDuration returns the configured per-request timeout.
func (c Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// Default returns a Config populated with spec §6.3 defaults.
func Default() Config {
	return Config{
		Parallelism:    5,
		BufferSize:     500,
		RequestTimeout: 120000,
		Mode:           ModeFull,
	}
}

// Load reads and parses a YAML configuration file, applying defaults for
// any field left at its zero value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 5
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 500
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 120000
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}
}

// LoadFromEnv loads configuration with environment variable overrides. It
// first loads a .env file (if present) so secrets can live there locally
// and in real environment variables in production.
func LoadFromEnv(path string) (Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}

	if v := os.Getenv("COUCHBACKUP_PARALLELISM"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Parallelism)
	}
	if v := os.Getenv("COUCHBACKUP_BUFFER_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.BufferSize)
	}
	if v := os.Getenv("COUCHBACKUP_REQUEST_TIMEOUT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.RequestTimeout)
	}
	if v := os.Getenv("COUCHBACKUP_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("COUCHBACKUP_LOG"); v != "" {
		cfg.Log = v
	}
	if v := os.Getenv("COUCHBACKUP_IAM_API_KEY"); v != "" {
		cfg.IAMAPIKey = v
	}
	if v := os.Getenv("COUCHBACKUP_IAM_TOKEN_URL"); v != "" {
		cfg.IAMTokenURL = v
	}
	if v := os.Getenv("COUCHBACKUP_LOCK_REDIS_URL"); v != "" {
		cfg.LockRedisURL = v
	}
	if v := os.Getenv("COUCHBACKUP_PROGRESS_ADDR"); v != "" {
		cfg.ProgressAddr = v
	}

	return cfg, nil
}

// Validate checks option constraints from spec §6.3. It runs before any
// network or disk side effect, per §7.
func Validate(cfg Config, dbURL string, resume bool) error {
	u, err := url.Parse(dbURL)
	if err != nil {
		return cberrors.NewInvalidOption(fmt.Sprintf("invalid database url: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return cberrors.NewInvalidOption("database url must be http or https")
	}
	if u.Path == "" || u.Path == "/" {
		return cberrors.NewInvalidOption("database url must not be a root path")
	}
	if cfg.IAMAPIKey != "" && u.User != nil {
		return cberrors.NewInvalidOption("iam api key is incompatible with credentials embedded in the url")
	}
	if cfg.Parallelism <= 0 {
		return cberrors.NewInvalidOption("parallelism must be a positive integer")
	}
	if cfg.BufferSize <= 0 {
		return cberrors.NewInvalidOption("buffer_size must be a positive integer")
	}
	if cfg.RequestTimeout <= 0 {
		return cberrors.NewInvalidOption("request_timeout_ms must be a positive integer")
	}
	if cfg.Mode != ModeFull && cfg.Mode != ModeShallow {
		return cberrors.NewInvalidOption(fmt.Sprintf("mode must be %q or %q", ModeFull, ModeShallow))
	}
	if resume && cfg.Log == "" {
		return cberrors.NewNoLogFileName()
	}
	return nil
}

// DatabaseName returns the trailing path segment of a database URL, used
// to detect system databases (leading underscore) for the restore
// emptiness check in §4.9.
func DatabaseName(dbURL string) string {
	u, err := url.Parse(dbURL)
	if err != nil {
		return ""
	}
	trimmed := strings.Trim(u.Path, "/")
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}
