// Package config loads docbatch configuration from a YAML file, an optional
// .env file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/docbatch/internal/retry"
)

// EnvPrefix prefixes every docbatch environment variable.
const EnvPrefix = "DOCBATCH_"

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "configs/default.yaml"

var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete configuration. Environment variables are
// named DOCBATCH_<SECTION>_<FIELD>, e.g. DOCBATCH_RETRY_MAX_ATTEMPTS.
type Config struct {
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Journal   JournalConfig   `yaml:"journal" envPrefix:"JOURNAL_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Retry     RetryConfig     `yaml:"retry" envPrefix:"RETRY_"`
	Converter ConverterConfig `yaml:"converter" envPrefix:"CONVERTER_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // file | sqlite
	Path   string `yaml:"path" env:"PATH"`
	Lock   bool   `yaml:"lock" env:"LOCK"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

type StorageConfig struct {
	UploadsDir string `yaml:"uploads_dir" env:"UPLOADS_DIR"`
	OutputsDir string `yaml:"outputs_dir" env:"OUTPUTS_DIR"`
	OutputExt  string `yaml:"output_ext" env:"OUTPUT_EXT"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Base           int           `yaml:"base" env:"BASE"`
	Unit           time.Duration `yaml:"unit" env:"UNIT"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	ClassifyErrors bool          `yaml:"classify_errors" env:"CLASSIFY_ERRORS"`
}

type ConverterConfig struct {
	BaseURL         string        `yaml:"base_url" env:"BASE_URL"`
	Model           string        `yaml:"model" env:"MODEL"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`                 // http client timeout
	AttemptTimeout  time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"` // 0 = unbounded
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	PollMaxInterval time.Duration `yaml:"poll_max_interval" env:"POLL_MAX_INTERVAL"`
	Profile         string        `yaml:"profile" env:"PROFILE"` // default assistant id or profile name

	// Profiles names assistant references so runs can say --profile legal
	// instead of the raw id.
	Profiles map[string]ProfileConfig `yaml:"profiles" env:"-"`

	// APIKey is only read from OPENAI_API_KEY.
	APIKey string `yaml:"-" env:"-"`
}

type ProfileConfig struct {
	Ref         string `yaml:"ref"`
	Description string `yaml:"description"`
}

// ProfileRefs maps profile names to assistant references.
func (c ConverterConfig) ProfileRefs() map[string]string {
	refs := make(map[string]string, len(c.Profiles))
	for name, p := range c.Profiles {
		refs[name] = p.Ref
	}
	return refs
}

type ServerConfig struct {
	Addr        string `yaml:"addr" env:"ADDR"`
	GRPCAddr    string `yaml:"grpc_addr" env:"GRPC_ADDR"`
	MaxUploadMB int64  `yaml:"max_upload_mb" env:"MAX_UPLOAD_MB"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Port    int  `yaml:"port" env:"PORT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // text | json
}

type secrets struct {
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Driver: "file", Path: "processing_state.json", Lock: true},
		Journal: JournalConfig{Enabled: true, Path: "logs/docbatch.journal"},
		Storage: StorageConfig{UploadsDir: "uploads", OutputsDir: "outputs", OutputExt: ".rtf"},
		Retry:   RetryConfig{MaxAttempts: 3, Base: 2, Unit: time.Second, MaxBackoff: 10 * time.Minute},
		Converter: ConverterConfig{
			BaseURL:         "https://api.openai.com/v1",
			Model:           "gpt-4o",
			Timeout:         120 * time.Second,
			PollInterval:    time.Second,
			PollMaxInterval: 8 * time.Second,
		},
		Server:  ServerConfig{Addr: ":5000", MaxUploadMB: 16},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (a missing file keeps the defaults), then .env and the
// environment, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	var sec secrets
	if err := env.Parse(&sec); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.Converter.APIKey = sec.OpenAIAPIKey

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a sparse config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Journal.Path == "" {
		c.Journal.Path = d.Journal.Path
	}
	if c.Storage.UploadsDir == "" {
		c.Storage.UploadsDir = d.Storage.UploadsDir
	}
	if c.Storage.OutputsDir == "" {
		c.Storage.OutputsDir = d.Storage.OutputsDir
	}
	if c.Storage.OutputExt == "" {
		c.Storage.OutputExt = d.Storage.OutputExt
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.Base == 0 {
		c.Retry.Base = d.Retry.Base
	}
	if c.Retry.Unit == 0 {
		c.Retry.Unit = d.Retry.Unit
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = d.Retry.MaxBackoff
	}
	if c.Converter.BaseURL == "" {
		c.Converter.BaseURL = d.Converter.BaseURL
	}
	if c.Converter.Model == "" {
		c.Converter.Model = d.Converter.Model
	}
	if c.Converter.Timeout == 0 {
		c.Converter.Timeout = d.Converter.Timeout
	}
	if c.Converter.PollInterval == 0 {
		c.Converter.PollInterval = d.Converter.PollInterval
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = d.Server.MaxUploadMB
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = d.Metrics.Port
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate rejects settings the system cannot run with. A missing API key is
// not an error here: it surfaces as a configuration error when a run starts.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("%w: store.driver %q (want file or sqlite)", ErrInvalid, c.Store.Driver)
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > retry.MaxAttemptsLimit {
		return fmt.Errorf("%w: retry.max_attempts must be between 1 and %d, got %d", ErrInvalid, retry.MaxAttemptsLimit, c.Retry.MaxAttempts)
	}
	if c.Retry.Base < 1 {
		return fmt.Errorf("%w: retry.base must be >= 1, got %d", ErrInvalid, c.Retry.Base)
	}
	if c.Retry.Unit < 0 {
		return fmt.Errorf("%w: retry.unit must not be negative", ErrInvalid)
	}
	if c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("%w: retry.max_backoff must not be negative", ErrInvalid)
	}
	for name, p := range c.Converter.Profiles {
		if name == "" || p.Ref == "" {
			return fmt.Errorf("%w: converter.profiles.%s needs a ref", ErrInvalid, name)
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q (want text or json)", ErrInvalid, c.Log.Format)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port %d", ErrInvalid, c.Metrics.Port)
	}
	return nil
}
