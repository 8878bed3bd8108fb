// Package config loads the engine's configuration surface from the
// environment (spec.md §6) and a supplementary TOML file for the settings
// that aren't secrets and aren't on the turn-to-turn hot path.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kazimuth/mandrel/internal/engine"
)

// FileConfig is the supplementary, non-secret configuration loaded from a
// TOML file: the MCP upstream endpoint, the set of tool names that should
// be treated as pre-approved, and the UI's syntax theme. Env vars always
// take precedence over these where both exist.
type FileConfig struct {
	MCP struct {
		Upstream string           `toml:"upstream"`
		Servers  []MCPStdioServer `toml:"servers"`
	} `toml:"mcp"`
	Tools struct {
		AutoApproved []string `toml:"auto_approved"`
	} `toml:"tools"`
	UI struct {
		SyntaxTheme string `toml:"syntax_theme"`
	} `toml:"ui"`
}

// MCPStdioServer configures one kind=mcp-stdio upstream: a subprocess
// speaking JSON-RPC over its own stdin/stdout, launched and supervised by
// internal/mcpclient.Manager.ConnectStdio.
type MCPStdioServer struct {
	ID      string            `toml:"id"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	WorkDir string            `toml:"work_dir"`
}

// SyntaxThemeOrDefault returns the configured syntax theme, or "vulcan" if
// unset.
func (f FileConfig) SyntaxThemeOrDefault() string {
	if f.UI.SyntaxTheme == "" {
		return "vulcan"
	}
	return f.UI.SyntaxTheme
}

// LoadFile reads the supplementary TOML config from path. A missing file is
// not an error — every field defaults to its zero value.
func LoadFile(path string) (*FileConfig, error) {
	cfg := &FileConfig{}
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv builds the engine's Config from the environment per spec.md §6.
// API_ENDPOINT, API_KEY, and MODEL are required; everything else has a
// documented default.
func LoadEnv() (engine.Config, error) {
	cfg := engine.Config{
		APIEndpoint: os.Getenv("API_ENDPOINT"),
		APIKey:      os.Getenv("API_KEY"),
		Model:       os.Getenv("MODEL"),
	}

	var errs []error
	if cfg.APIEndpoint == "" {
		errs = append(errs, errors.New("API_ENDPOINT is required"))
	} else if err := validateEndpoint(cfg.APIEndpoint); err != nil {
		errs = append(errs, fmt.Errorf("API_ENDPOINT=%q is invalid: %w", cfg.APIEndpoint, err))
	}
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("API_KEY is required"))
	}
	if cfg.Model == "" {
		errs = append(errs, errors.New("MODEL is required"))
	}

	cfg.Temperature = optionalFloat("TEMPERATURE")
	cfg.TopP = optionalFloat("TOP_P")
	cfg.TopK = optionalInt("TOP_K")
	cfg.RepetitionPenalty = optionalFloat("REPETITION_PENALTY")
	cfg.MaxTokens = optionalInt("MAX_TOKENS")

	cfg.HTTPTimeout = durationSecondsOrDefault("HTTP_TIMEOUT", 300*time.Second)
	cfg.StreamingTimeout = durationSecondsOrDefault("STREAMING_TIMEOUT", 60*time.Second)
	cfg.EnableStreaming = boolOrDefault("ENABLE_STREAMING", true)
	cfg.EnableExponentialWaitRetry = boolOrDefault("ENABLE_EXPONENTIAL_WAIT_RETRY", true)

	// RetryInitialDelay is left at its zero value unless RETRY_INITIAL_DELAY
	// is explicitly set: engine.Config.TransportRetryPolicy treats any
	// positive value as an override of its own 2s/10s (general/rate-limited)
	// base, so defaulting it here would clobber the rate-limited base back
	// down to whatever the general default is on every run.
	cfg.RetryInitialDelay = optionalDurationSeconds("RETRY_INITIAL_DELAY")
	cfg.RetryMaxDelay = durationSecondsOrDefault("RETRY_MAX_DELAY", 64*time.Second)
	cfg.RetryFixedDelay = durationSecondsOrDefault("RETRY_FIXED_DELAY", 10*time.Second)
	cfg.RetryMaxAttempts = intOrDefault("RETRY_MAX_ATTEMPTS", 0)

	cfg.TrustUsageInfoPromptTokens = boolOrDefault("TRUST_USAGE_INFO_PROMPT_TOKENS", false)
	cfg.YOLOMode = boolOrDefault("YOLO_MODE", false)

	if len(errs) > 0 {
		return engine.Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

func optionalFloat(env string) *float64 {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func optionalInt(env string) *int {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// optionalDurationSeconds returns the env var's value in seconds, or the
// zero duration if it is unset or unparsable — used where the caller needs
// to distinguish "not set" from "set to the same value as the default".
func optionalDurationSeconds(env string) time.Duration {
	v := os.Getenv(env)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func durationSecondsOrDefault(env string, def time.Duration) time.Duration {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func boolOrDefault(env string, def bool) bool {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func intOrDefault(env string, def int) int {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DataDir returns the path to mandrel's data directory (~/.config/mandrel).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mandrel"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
