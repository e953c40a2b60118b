// Package config loads prunebox settings from a YAML file, validates them
// against an embedded JSON Schema, and layers PRUNEBOX_* environment
// overrides and defaults on top.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/prunebox/internal/prune"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://prunebox.local/config.schema.json"

type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Sink     SinkConfig     `yaml:"sink"`
	Preview  PreviewConfig  `yaml:"preview"`
	Writer   WriterConfig   `yaml:"writer"`
	Deletion DeletionConfig `yaml:"deletion"`
	Policy   PolicyConfig   `yaml:"policy"`
	Dialog   DialogConfig   `yaml:"dialog"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
	RunLock  string         `yaml:"run_lock"`
	Timezone string         `yaml:"timezone"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type SinkConfig struct {
	DSN  string `yaml:"dsn"`
	Root string `yaml:"root"`
}

type PreviewConfig struct {
	DSN string        `yaml:"dsn"`
	TTL time.Duration `yaml:"ttl"`
}

type WriterConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	VerifyPolls       int           `yaml:"verify_polls"`
	VerifyDelay       time.Duration `yaml:"verify_delay"`
}

type DeletionConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
}

type PolicyConfig struct {
	BodyScope string `yaml:"body_scope"`
}

type DialogConfig struct {
	Mode               string        `yaml:"mode"`
	Listen             string        `yaml:"listen"`
	JWTSecret          string        `yaml:"jwt_secret"`
	Timeout            time.Duration `yaml:"timeout"`
	PreflightThreshold int           `yaml:"preflight_threshold"`
	MaxRows            int           `yaml:"max_rows"`
	OriginPatterns     []string      `yaml:"origin_patterns"`
	RateLimit          int           `yaml:"rate_limit"`
}

type NotifyConfig struct {
	WebhookURL   string `yaml:"webhook_url"`
	WebhookToken string `yaml:"webhook_token"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when no file or environment says
// otherwise.
func Default() Config {
	return Config{
		Store:   StoreConfig{DSN: "memory://"},
		Sink:    SinkConfig{DSN: "file://./backups", Root: "prunebox"},
		Preview: PreviewConfig{DSN: "memory://", TTL: 30 * time.Minute},
		Writer: WriterConfig{
			MaxRetries:        3,
			BackoffBase:       400 * time.Millisecond,
			CompletionTimeout: 2 * time.Minute,
			VerifyPolls:       3,
			VerifyDelay:       150 * time.Millisecond,
		},
		Deletion: DeletionConfig{BatchSize: 16, BatchInterval: 50 * time.Millisecond},
		Policy:   PolicyConfig{BodyScope: string(prune.BodyScopeAffected)},
		Dialog: DialogConfig{
			Mode:               "terminal",
			Listen:             "127.0.0.1:8787",
			Timeout:            10 * time.Minute,
			PreflightThreshold: 100,
			MaxRows:            20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (empty means defaults only), then applies environment
// overrides. Invalid environment values are logged and ignored.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv, logger)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse validates a YAML document and decodes it over cfg, so keys the
// document omits keep their current values.
func Parse(data []byte, cfg *Config) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateDocument(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func validateDocument(doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as json: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("config schema load failed: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("config schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("config schema compile failed: %w", err)
	}
	return schema, nil
}

// Validate checks the cross-field rules the schema cannot express and the
// values that may have come from the environment.
func (c Config) Validate() error {
	if _, err := prune.ParseBodyScope(c.Policy.BodyScope); err != nil {
		return err
	}
	switch c.Dialog.Mode {
	case "terminal", "http":
	default:
		return fmt.Errorf("invalid dialog.mode %q", c.Dialog.Mode)
	}
	if c.Dialog.Mode == "http" && c.Dialog.JWTSecret == "" {
		return fmt.Errorf("dialog.jwt_secret is required when dialog.mode is http")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Sink.Root) == "" {
		return fmt.Errorf("sink.root must not be empty")
	}
	return nil
}

func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// RunnerConfig maps the settings onto the run parameters.
func (c Config) RunnerConfig() (prune.Config, error) {
	scope, err := prune.ParseBodyScope(c.Policy.BodyScope)
	if err != nil {
		return prune.Config{}, err
	}
	loc, err := c.Location()
	if err != nil {
		return prune.Config{}, err
	}
	return prune.Config{
		Root:               c.Sink.Root,
		BodyScope:          scope,
		PreflightThreshold: c.Dialog.PreflightThreshold,
		Location:           loc,
		Writer: prune.WriterConfig{
			MaxRetries:        c.Writer.MaxRetries,
			BackoffBase:       c.Writer.BackoffBase,
			CompletionTimeout: c.Writer.CompletionTimeout,
			VerifyPolls:       c.Writer.VerifyPolls,
			VerifyDelay:       c.Writer.VerifyDelay,
		},
		Executor: prune.ExecutorConfig{
			BatchSize:     c.Deletion.BatchSize,
			BatchInterval: c.Deletion.BatchInterval,
		},
	}, nil
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyEnv(c *Config, getenv func(string) string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := envReader{getenv: getenv, logger: logger}
	c.Store.DSN = e.envOrDefault("PRUNEBOX_STORE_DSN", c.Store.DSN)
	c.Sink.DSN = e.envOrDefault("PRUNEBOX_SINK_DSN", c.Sink.DSN)
	c.Sink.Root = e.envOrDefault("PRUNEBOX_SINK_ROOT", c.Sink.Root)
	c.Preview.DSN = e.envOrDefault("PRUNEBOX_PREVIEW_DSN", c.Preview.DSN)
	c.Preview.TTL = e.durationEnv("PRUNEBOX_PREVIEW_TTL", c.Preview.TTL)
	c.Writer.MaxRetries = e.intEnv("PRUNEBOX_WRITER_MAX_RETRIES", c.Writer.MaxRetries)
	c.Writer.BackoffBase = e.durationEnv("PRUNEBOX_WRITER_BACKOFF_BASE", c.Writer.BackoffBase)
	c.Writer.CompletionTimeout = e.durationEnv("PRUNEBOX_WRITER_COMPLETION_TIMEOUT", c.Writer.CompletionTimeout)
	c.Writer.VerifyPolls = e.intEnv("PRUNEBOX_WRITER_VERIFY_POLLS", c.Writer.VerifyPolls)
	c.Writer.VerifyDelay = e.durationEnv("PRUNEBOX_WRITER_VERIFY_DELAY", c.Writer.VerifyDelay)
	c.Deletion.BatchSize = e.intEnv("PRUNEBOX_DELETION_BATCH_SIZE", c.Deletion.BatchSize)
	c.Deletion.BatchInterval = e.durationEnv("PRUNEBOX_DELETION_BATCH_INTERVAL", c.Deletion.BatchInterval)
	c.Policy.BodyScope = e.envOrDefault("PRUNEBOX_BODY_SCOPE", c.Policy.BodyScope)
	c.Dialog.Mode = e.envOrDefault("PRUNEBOX_DIALOG_MODE", c.Dialog.Mode)
	c.Dialog.Listen = e.envOrDefault("PRUNEBOX_DIALOG_LISTEN", c.Dialog.Listen)
	c.Dialog.JWTSecret = e.envOrDefault("PRUNEBOX_JWT_SECRET", c.Dialog.JWTSecret)
	c.Dialog.Timeout = e.durationEnv("PRUNEBOX_DIALOG_TIMEOUT", c.Dialog.Timeout)
	c.Dialog.PreflightThreshold = e.intEnv("PRUNEBOX_PREFLIGHT_THRESHOLD", c.Dialog.PreflightThreshold)
	c.Dialog.RateLimit = e.intEnv("PRUNEBOX_RATE_LIMIT", c.Dialog.RateLimit)
	c.Notify.WebhookURL = e.envOrDefault("PRUNEBOX_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.WebhookToken = e.envOrDefault("PRUNEBOX_WEBHOOK_TOKEN", c.Notify.WebhookToken)
	c.Log.Level = e.envOrDefault("PRUNEBOX_LOG_LEVEL", c.Log.Level)
	c.Log.Format = e.envOrDefault("PRUNEBOX_LOG_FORMAT", c.Log.Format)
	c.RunLock = e.envOrDefault("PRUNEBOX_RUN_LOCK", c.RunLock)
	c.Timezone = e.envOrDefault("PRUNEBOX_TIMEZONE", c.Timezone)
}

type envReader struct {
	getenv func(string) string
	logger *slog.Logger
}

func (e envReader) envOrDefault(name, fallback string) string {
	if v := strings.TrimSpace(e.getenv(name)); v != "" {
		return v
	}
	return fallback
}

func (e envReader) intEnv(name string, fallback int) int {
	raw := e.getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := e.getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logger.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
