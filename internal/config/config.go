// Package config loads replica configuration from YAML.
//
// The logger is part of the configuration: library code never reads or
// sets a global logger, so the Config (or its Logger) must be built before
// the replica is opened.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/syncgate/internal/query"
)

// Config configures one replica.
type Config struct {
	// Database is the SQLite file path. Relative paths in a config file
	// resolve against the file's directory.
	Database string `yaml:"database" validate:"required"`

	// SiteID names this replica to its peers. It must be a valid hostname
	// label so it can appear in URLs and meta keys.
	SiteID string `yaml:"site_id" validate:"required,hostname_rfc1123"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=text json"`

	// SchemaDir holds optional CUE collection schemas.
	SchemaDir string `yaml:"schema_dir"`

	// Listen is the websocket sync endpoint address, empty to disable.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`

	// MetricsListen serves /metrics, empty to disable.
	MetricsListen string `yaml:"metrics_listen" validate:"omitempty,hostname_port"`

	// Peers are websocket URLs of other replicas.
	Peers []string `yaml:"peers" validate:"dive,url"`

	// Subscriptions are registered when the replica opens.
	Subscriptions []Subscription `yaml:"subscriptions" validate:"dive"`

	// StarvationThreshold is how long a manual-signal observer may hold an
	// unsignalled update before it is reported. Zero disables the watchdog.
	StarvationThreshold time.Duration `yaml:"starvation_threshold" validate:"gte=0"`

	// Logger overrides the logger built from LogLevel and LogFormat.
	Logger *slog.Logger `yaml:"-"`
}

// Subscription is a query to pull from peers.
type Subscription struct {
	Query  string         `yaml:"query" validate:"required,dql"`
	Params map[string]any `yaml:"params"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("dql", validateSelect)
}

// validateSelect accepts a parseable SELECT statement.
func validateSelect(fl validator.FieldLevel) bool {
	_, err := query.ParseSelect(fl.Field().String())
	return err == nil
}

// Default returns a config with defaults filled in. Database and SiteID
// must still be set.
func Default() Config {
	return Config{
		LogLevel:            "info",
		LogFormat:           "text",
		StarvationThreshold: 30 * time.Second,
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML config, rejecting unknown fields, and validates it.
// Relative paths resolve against baseDir when it is not empty.
func Parse(data []byte, baseDir string) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if baseDir != "" {
		cfg.Database = resolve(baseDir, cfg.Database)
		cfg.SchemaDir = resolve(baseDir, cfg.SchemaDir)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Level returns the slog level for LogLevel. Unknown levels map to info.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
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

// NewLogger returns c.Logger if set, otherwise a handler writing to w in
// LogFormat at LogLevel.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
