// Package config reads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ExecutePolicy controls the pre-execute confirmation behavior.
type ExecutePolicy string

const (
	PolicyOff     ExecutePolicy = "off"
	PolicyConfirm ExecutePolicy = "confirm"
	PolicyStrict  ExecutePolicy = "strict"
)

type Config struct {
	ListenAddr   string
	DatabaseFile string

	BundledAdaptersDir string
	RuntimeAdaptersDir string

	AdapterTimeout time.Duration

	KMSKeyID  string // empty means the local mock backend
	KMSSecret string // wrapping secret for the mock backend

	CORSOrigins []string
	AdminEmails []string

	ExecutePolicy ExecutePolicy

	GenerationDailyLimit int
	GeneratorProvider    string
	GeneratorModel       string

	WorkerInterval time.Duration
	DBSyncInterval time.Duration // zero disables periodic sync

	PublicURL string

	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string

	Environment string
}

// FromEnv builds a Config from AGENR_* environment variables, applying
// defaults where unset. It fails on values that cannot be parsed rather than
// silently falling back.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:           envOr("AGENR_LISTEN_ADDR", ":8080"),
		DatabaseFile:         os.Getenv("AGENR_DATABASE_FILE"),
		BundledAdaptersDir:   envOr("AGENR_BUNDLED_ADAPTERS_DIR", "adapters/bundled"),
		RuntimeAdaptersDir:   envOr("AGENR_RUNTIME_ADAPTERS_DIR", "adapters/runtime"),
		KMSKeyID:             os.Getenv("AGENR_KMS_KEY_ID"),
		KMSSecret:            os.Getenv("AGENR_KMS_SECRET"),
		ExecutePolicy:        ExecutePolicy(envOr("AGENR_EXECUTE_POLICY", string(PolicyOff))),
		GeneratorProvider:    envOr("AGENR_GENERATOR_PROVIDER", "anthropic"),
		GeneratorModel:       os.Getenv("AGENR_GENERATOR_MODEL"),
		PublicURL:            envOr("AGENR_PUBLIC_URL", "http://localhost:8080"),
		GoogleClientID:       os.Getenv("AGENR_GOOGLE_CLIENT_ID"),
		GoogleClientSecret:   os.Getenv("AGENR_GOOGLE_CLIENT_SECRET"),
		GitHubClientID:       os.Getenv("AGENR_GITHUB_CLIENT_ID"),
		GitHubClientSecret:   os.Getenv("AGENR_GITHUB_CLIENT_SECRET"),
		Environment:          envOr("AGENR_ENV", "development"),
		GenerationDailyLimit: 25,
		AdapterTimeout:       30 * time.Second,
		WorkerInterval:       5 * time.Second,
	}

	if v := os.Getenv("AGENR_ADAPTER_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("AGENR_ADAPTER_TIMEOUT_MS must be a positive integer, got %q", v)
		}
		cfg.AdapterTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("AGENR_GENERATION_DAILY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("AGENR_GENERATION_DAILY_LIMIT must be a non-negative integer, got %q", v)
		}
		cfg.GenerationDailyLimit = n
	}
	if v := os.Getenv("AGENR_WORKER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("AGENR_WORKER_INTERVAL must be a positive duration, got %q", v)
		}
		cfg.WorkerInterval = d
	}
	if v := os.Getenv("AGENR_DB_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("AGENR_DB_SYNC_INTERVAL must be a duration, got %q", v)
		}
		cfg.DBSyncInterval = d
	}

	switch cfg.ExecutePolicy {
	case PolicyOff, PolicyConfirm, PolicyStrict:
	default:
		return nil, fmt.Errorf("AGENR_EXECUTE_POLICY must be one of off, confirm, strict; got %q", cfg.ExecutePolicy)
	}

	cfg.CORSOrigins = splitList(os.Getenv("AGENR_CORS_ORIGINS"))
	cfg.AdminEmails = splitList(os.Getenv("AGENR_ADMIN_EMAILS"))

	var err error
	cfg.BundledAdaptersDir, err = filepath.Abs(cfg.BundledAdaptersDir)
	if err != nil {
		return nil, err
	}
	cfg.RuntimeAdaptersDir, err = filepath.Abs(cfg.RuntimeAdaptersDir)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsAdmin reports whether the given email is in the configured admin list.
func (c *Config) IsAdmin(email string) bool {
	for _, e := range c.AdminEmails {
		if strings.EqualFold(e, email) {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
