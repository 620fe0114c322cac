// Package config loads the docgate server configuration.
// Values come from built-in defaults, then an optional TOML file, then
// DOCGATE_* environment variables; command-line flags are applied last by the
// caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

const (
	EngineFile = "engine.db"
	TasksFile  = "tasks.db"
	TokensFile = "tokens.json"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DOCGATE_"
)

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the server configuration
type Config struct {
	Listen            string `toml:"listen" validate:"required,hostname_port"`
	DataDir           string `toml:"data_dir" validate:"required"`
	LogLevel          string `toml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string `toml:"log_format" validate:"oneof=json text"`
	MaxRequestBody    int64  `toml:"max_request_body" validate:"gt=0"`
	RequestsPerMinute int    `toml:"requests_per_minute" validate:"gte=0"`
	RequireAuth       bool   `toml:"require_auth"`
	AdminToken        string `toml:"admin_token"`
	TLSCert           string `toml:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey            string `toml:"tls_key" validate:"required_with=TLSCert"`

	Webhook  WebhookConfig  `toml:"webhook"`
	Retry    RetryConfig    `toml:"retry"`
	Tasks    TasksConfig    `toml:"tasks"`
	Weaviate WeaviateConfig `toml:"weaviate"`
}

// WebhookConfig lists the endpoints told about finished tasks.
type WebhookConfig struct {
	URLs   []string `toml:"urls" validate:"dive,http_url"`
	Secret string   `toml:"secret"`
}

// RetryConfig bounds retries of transient engine failures.
type RetryConfig struct {
	MaxRetries     int      `toml:"max_retries" validate:"gte=0"`
	InitialBackoff Duration `toml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     Duration `toml:"max_backoff" validate:"gte=0"`
	JitterFraction float64  `toml:"jitter_fraction" validate:"gte=0,lte=1"`
}

// TasksConfig controls how long finished tasks are kept.
type TasksConfig struct {
	// Retention is the age after which finished tasks are pruned. 0 keeps them forever.
	Retention     Duration `toml:"retention" validate:"gte=0"`
	PruneInterval Duration `toml:"prune_interval" validate:"gte=0"`
}

// WeaviateConfig enables the Weaviate mirror when URL is set.
type WeaviateConfig struct {
	URL         string `toml:"url" validate:"omitempty,http_url"`
	ClassPrefix string `toml:"class_prefix" validate:"omitempty,alphanum"`
	Concurrency int    `toml:"concurrency" validate:"gte=0"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Listen:         "127.0.0.1:7700",
		DataDir:        defaultDataDir(),
		LogLevel:       "info",
		LogFormat:      "json",
		MaxRequestBody: 100 * 1024 * 1024,
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(30 * time.Second),
			JitterFraction: 0.25,
		},
		Tasks: TasksConfig{
			Retention:     Duration(7 * 24 * time.Hour),
			PruneInterval: Duration(time.Hour),
		},
		Weaviate: WeaviateConfig{Concurrency: 4},
	}
}

// defaultDataDir returns the default data directory (~/.docgate).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/docgate"
	}
	return filepath.Join(home, ".docgate")
}

// Load builds the configuration from defaults, the TOML file at path (if
// path is not empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays TOML from r onto c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("failed to parse config: %s", strict.String())
		}
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Write encodes c as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// ApplyEnv overrides fields from DOCGATE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("ADMIN_TOKEN", &c.AdminToken)
	str("TLS_CERT", &c.TLSCert)
	str("TLS_KEY", &c.TLSKey)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)
	str("WEAVIATE_URL", &c.Weaviate.URL)
	str("WEAVIATE_CLASS_PREFIX", &c.Weaviate.ClassPrefix)

	if v, ok := lookup(EnvPrefix + "WEBHOOK_URLS"); ok && v != "" {
		c.Webhook.URLs = SplitList(v)
	}
	if v, ok := lookup(EnvPrefix + "REQUIRE_AUTH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREQUIRE_AUTH: %w", EnvPrefix, err)
		}
		c.RequireAuth = b
	}
	if v, ok := lookup(EnvPrefix + "MAX_REQUEST_BODY"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_REQUEST_BODY: %w", EnvPrefix, err)
		}
		c.MaxRequestBody = n
	}
	if v, ok := lookup(EnvPrefix + "REQUESTS_PER_MINUTE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREQUESTS_PER_MINUTE: %w", EnvPrefix, err)
		}
		c.RequestsPerMinute = n
	}
	if v, ok := lookup(EnvPrefix + "TASK_RETENTION"); ok && v != "" {
		if err := c.Tasks.Retention.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sTASK_RETENTION: %w", EnvPrefix, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports the first problems found.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// EnginePath returns the path of the SQLite engine database.
func (c *Config) EnginePath() string {
	return filepath.Join(c.DataDir, EngineFile)
}

// TasksPath returns the path of the bbolt task database.
func (c *Config) TasksPath() string {
	return filepath.Join(c.DataDir, TasksFile)
}

// TokensPath returns the path of the token file.
func (c *Config) TokensPath() string {
	return filepath.Join(c.DataDir, TokensFile)
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
