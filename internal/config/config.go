// Package config loads agentdeck settings from <home>/config.yaml with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentdeck/internal/otel"
)

const (
	DefaultAPIBaseURL      = "http://localhost:8000"
	DefaultRefreshSchedule = "*/1 * * * *"
)

type ReconnectConfig struct {
	Enabled          bool `yaml:"enabled"`
	InitialBackoffMS int  `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int  `yaml:"max_backoff_ms"`
	MaxAttempts      int  `yaml:"max_attempts"`
}

func (r ReconnectConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMS) * time.Millisecond
}

func (r ReconnectConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

type Config struct {
	HomeDir    string `yaml:"-"`
	NeedsSetup bool   `yaml:"-"`

	APIBaseURL            string          `yaml:"api_base_url"`
	WSBaseURL             string          `yaml:"ws_base_url"`
	LogLevel              string          `yaml:"log_level"`
	RequestTimeoutSeconds int             `yaml:"request_timeout_seconds"`
	DefaultModel          string          `yaml:"default_model"`
	Reconnect             ReconnectConfig `yaml:"reconnect"`
	// RefreshSchedule is a 5-field cron expression for reloading history
	// over HTTP. An explicit empty string disables the refresher.
	RefreshSchedule string      `yaml:"refresh_schedule"`
	OTel            otel.Config `yaml:"otel"`
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Fingerprint is a short stable hash of the settings that affect behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "api=%s|ws=%s|log=%s|timeout=%d|model=%s|reconnect=%v|refresh=%s|otel=%v",
		c.APIBaseURL, c.WSBaseURL, c.LogLevel, c.RequestTimeoutSeconds, c.DefaultModel,
		c.Reconnect, c.RefreshSchedule, c.OTel.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Validate checks the base URLs.
func (c Config) Validate() error {
	var errs []error
	if err := checkURL(c.APIBaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api_base_url: %w", err))
	}
	if err := checkURL(c.WSBaseURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("ws_base_url: %w", err))
	}
	if c.Reconnect.Enabled && c.Reconnect.MaxBackoffMS < c.Reconnect.InitialBackoffMS {
		errs = append(errs, errors.New("reconnect: max_backoff_ms is below initial_backoff_ms"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q: scheme must be one of %s", raw, strings.Join(schemes, ", "))
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		RequestTimeoutSeconds: 30,
		RefreshSchedule:       DefaultRefreshSchedule,
		Reconnect: ReconnectConfig{
			InitialBackoffMS: 500,
			MaxBackoffMS:     30_000,
			MaxAttempts:      5,
		},
	}
}

// HomeDir returns AGENTDECK_HOME, or ~/.agentdeck.
func HomeDir() string {
	if override := os.Getenv("AGENTDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentdeck")
}

// Load reads config.yaml from HomeDir. A missing file is not an error; it
// sets NeedsSetup.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load for an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsSetup = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// The NEXT_PUBLIC_ names are honoured so an existing web deployment's
	// environment can be reused; the AGENTDECK_ names win.
	for _, key := range []string{"NEXT_PUBLIC_API_BASE_URL", "AGENTDECK_API_BASE_URL"} {
		if raw := os.Getenv(key); raw != "" {
			cfg.APIBaseURL = raw
		}
	}
	for _, key := range []string{"NEXT_PUBLIC_WS_BASE_URL", "AGENTDECK_WS_BASE_URL"} {
		if raw := os.Getenv(key); raw != "" {
			cfg.WSBaseURL = raw
		}
	}
	if raw := os.Getenv("AGENTDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTDECK_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTDECK_DEFAULT_MODEL"); raw != "" {
		cfg.DefaultModel = raw
	}
	if raw, ok := os.LookupEnv("AGENTDECK_REFRESH_SCHEDULE"); ok {
		cfg.RefreshSchedule = raw
	}
	if raw := os.Getenv("AGENTDECK_RECONNECT"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Reconnect.Enabled = v
		}
	}
}

func normalize(cfg *Config) {
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	cfg.WSBaseURL = strings.TrimRight(strings.TrimSpace(cfg.WSBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = deriveWSBase(cfg.APIBaseURL)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 30
	}
	cfg.RefreshSchedule = strings.TrimSpace(cfg.RefreshSchedule)
	if cfg.Reconnect.InitialBackoffMS <= 0 {
		cfg.Reconnect.InitialBackoffMS = 500
	}
	if cfg.Reconnect.MaxBackoffMS <= 0 {
		cfg.Reconnect.MaxBackoffMS = 30_000
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		cfg.Reconnect.MaxAttempts = 0
	}
}

// deriveWSBase swaps the http(s) scheme of apiBase for ws(s).
func deriveWSBase(apiBase string) string {
	switch {
	case strings.HasPrefix(apiBase, "https://"):
		return "wss://" + strings.TrimPrefix(apiBase, "https://")
	case strings.HasPrefix(apiBase, "http://"):
		return "ws://" + strings.TrimPrefix(apiBase, "http://")
	}
	return apiBase
}

func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetDefaultModel persists the model choice, keeping every other key.
func SetDefaultModel(homeDir, modelID string) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	raw["default_model"] = modelID
	return saveRawConfig(path, raw)
}

// WriteDefault creates config.yaml with the default settings unless one
// already exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return err
	}
	cfg := defaultConfig()
	cfg.APIBaseURL = DefaultAPIBaseURL
	cfg.WSBaseURL = deriveWSBase(DefaultAPIBaseURL)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
