// Package config loads client settings from YAML or CUE files.
//
// Both formats decode into the same Config; fields absent from the file
// keep their Default values. Load validates the result with
// go-playground/validator struct tags before returning it.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tether/internal/resilience"
)

// Config is the complete client configuration.
type Config struct {
	// URL is the deployment base URL, e.g. https://happy-otter-123.example.cloud.
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// SubscriptionURL is the WebSocket endpoint. Empty derives it from URL.
	SubscriptionURL string `yaml:"subscription_url" json:"subscription_url" validate:"omitempty,url"`

	// Timeout bounds a single transport attempt.
	Timeout Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Breaker   BreakerSettings `yaml:"breaker" json:"breaker"`
	RateLimit RateLimit       `yaml:"rate_limit" json:"rate_limit"`

	// JournalPath is the SQLite mutation journal. Empty disables it.
	JournalPath string `yaml:"journal_path" json:"journal_path"`

	// RedisAddr selects the Redis query cache. Empty uses the in-memory one.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr" validate:"omitempty,hostname_port"`

	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" validate:"omitempty,hostname_port"`
}

// RetryConfig mirrors resilience.RetryPolicy in file form.
type RetryConfig struct {
	MaxRetries   uint     `yaml:"max_retries" json:"max_retries" validate:"lte=100"`
	Backoff      string   `yaml:"backoff" json:"backoff" validate:"omitempty,oneof=constant linear exponential"`
	InitialDelay Duration `yaml:"initial_delay" json:"initial_delay" validate:"gte=0"`
	Multiplier   float64  `yaml:"multiplier" json:"multiplier" validate:"omitempty,gte=1"`
	MaxDelay     Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`
	Jitter       bool     `yaml:"jitter" json:"jitter"`
}

// BreakerSettings mirrors resilience.BreakerConfig in file form. The same
// settings apply to the breaker of every endpoint kind.
type BreakerSettings struct {
	FailureThreshold uint     `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
	BreakDuration    Duration `yaml:"break_duration" json:"break_duration" validate:"gt=0"`
	SuccessThreshold uint     `yaml:"success_threshold" json:"success_threshold" validate:"gte=1"`
}

// RateLimit throttles outgoing requests. Zero RPS disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps" json:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// Default returns the built-in configuration. URL is left empty.
func Default() Config {
	retry := resilience.DefaultRetryPolicy()
	breaker := resilience.DefaultBreakerConfig("")
	return Config{
		Timeout: Duration(30 * time.Second),
		Retry: RetryConfig{
			MaxRetries:   retry.MaxRetries,
			Backoff:      retry.Backoff.String(),
			InitialDelay: Duration(retry.InitialDelay),
			Multiplier:   retry.Multiplier,
			MaxDelay:     Duration(retry.MaxDelay),
			Jitter:       retry.UseJitter,
		},
		Breaker: BreakerSettings{
			FailureThreshold: breaker.FailureThreshold,
			BreakDuration:    Duration(breaker.BreakDuration),
			SuccessThreshold: breaker.SuccessThreshold,
		},
	}
}

// Load reads path, choosing the decoder by extension (.yaml, .yml, .cue),
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	case ".cue":
		cfg, err = ParseCUE(data, filepath.Base(path))
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseYAML decodes YAML over Default. Unknown fields are rejected.
func ParseYAML(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// ParseCUE compiles CUE source and decodes it over Default. The value
// must be concrete.
func ParseCUE(data []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return Config{}, fmt.Errorf("compile cue: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("validate cue: %w", err)
	}

	cfg := Default()
	if err := value.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode cue: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TETHER_URL, TETHER_JOURNAL and REDIS_ADDR.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("TETHER_URL"); v != "" {
		c.URL = v
	}
	if v := getenv("TETHER_JOURNAL"); v != "" {
		c.JournalPath = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.RetryPolicy(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() (resilience.RetryPolicy, error) {
	backoff, err := resilience.ParseBackoffStrategy(c.Retry.Backoff)
	if err != nil {
		return resilience.RetryPolicy{}, err
	}
	p := resilience.RetryPolicy{
		MaxRetries:   c.Retry.MaxRetries,
		Backoff:      backoff,
		InitialDelay: time.Duration(c.Retry.InitialDelay),
		Multiplier:   c.Retry.Multiplier,
		MaxDelay:     time.Duration(c.Retry.MaxDelay),
		UseJitter:    c.Retry.Jitter,
	}
	if err := p.Validate(); err != nil {
		return resilience.RetryPolicy{}, err
	}
	return p, nil
}

// BreakerConfig converts the breaker section for the named breaker.
func (c Config) BreakerConfig(name string) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:             name,
		FailureThreshold: c.Breaker.FailureThreshold,
		BreakDuration:    time.Duration(c.Breaker.BreakDuration),
		SuccessThreshold: c.Breaker.SuccessThreshold,
	}
}

// WebSocketURL returns SubscriptionURL, or URL with its scheme switched to
// ws/wss and "/api/sync" appended.
func (c Config) WebSocketURL() string {
	if c.SubscriptionURL != "" {
		return c.SubscriptionURL
	}
	base := strings.TrimSuffix(c.URL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/sync"
}

// Duration is a time.Duration that reads "250ms"-style strings from YAML,
// CUE and JSON. Bare integers are nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(ns)
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(data)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}
