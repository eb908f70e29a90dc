// Package config loads the deployment configuration of a ctorz installation.
//
// Sources are applied in order: built-in defaults, a YAML file (with
// ${VAR} and ${VAR:-default} expansion), then CTORZ_* environment variables.
// The result is validated before it is returned.
//
//	logging:
//	  level: debug
//	  format: console
//	interceptor:
//	  exclude: [app.internal]
//	  sink_timeout: 2s
//	audit:
//	  enabled: true
//	  dsn: ${CTORZ_AUDIT_PATH:-audit.db}
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/zoobzio/ctorz"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CTORZ_"

// Config is the root configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging" envPrefix:"LOG_"`
	Interceptor InterceptorConfig `yaml:"interceptor"`
	Audit       AuditConfig       `yaml:"audit" envPrefix:"AUDIT_"`
}

// LoggingConfig selects the zerolog level, format and output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // zerolog level name
	Format string `yaml:"format" env:"FORMAT"` // "json" or "console"
	Output string `yaml:"output" env:"OUTPUT"` // "stdout", "stderr" or a file path
}

// InterceptorConfig maps to ctorz interceptor options.
type InterceptorConfig struct {
	Exclude       []string      `yaml:"exclude" env:"EXCLUDE" envSeparator:","`
	SinkWorkers   int           `yaml:"sink_workers" env:"SINK_WORKERS"`
	SinkQueueSize int           `yaml:"sink_queue_size" env:"SINK_QUEUE_SIZE"`
	SinkTimeout   time.Duration `yaml:"sink_timeout" env:"SINK_TIMEOUT"`
}

// AuditConfig enables the SQLite record export.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	DSN     string `yaml:"dsn" env:"DSN"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Interceptor: InterceptorConfig{
			SinkWorkers: 2,
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default}. Unset or empty variables
// without a default expand to "".
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Load reads the configuration from a YAML file. An empty path means
// defaults plus environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file '%s': %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses raw YAML on top of the defaults, applies environment
// overrides and validates.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format %q (must be json or console)", c.Logging.Format)
	}
	if c.Interceptor.SinkWorkers < 1 {
		return fmt.Errorf("invalid interceptor.sink_workers: %d (must be at least 1)", c.Interceptor.SinkWorkers)
	}
	if c.Interceptor.SinkQueueSize < 0 {
		return fmt.Errorf("invalid interceptor.sink_queue_size: %d", c.Interceptor.SinkQueueSize)
	}
	if c.Interceptor.SinkTimeout < 0 {
		return fmt.Errorf("invalid interceptor.sink_timeout: %s", c.Interceptor.SinkTimeout)
	}
	for _, p := range c.Interceptor.Exclude {
		if !ctorz.NormalizeTypeID(p).Valid() {
			return fmt.Errorf("invalid interceptor.exclude entry %q", p)
		}
	}
	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit is enabled")
	}
	return nil
}

// Options converts the interceptor section to ctorz options.
func (c *Config) Options(logger zerolog.Logger) []ctorz.Option {
	opts := []ctorz.Option{
		ctorz.WithLogger(logger),
		ctorz.WithSinkWorkers(c.Interceptor.SinkWorkers),
		ctorz.WithSinkQueueSize(c.Interceptor.SinkQueueSize),
		ctorz.WithSinkTimeout(c.Interceptor.SinkTimeout),
	}
	if len(c.Interceptor.Exclude) > 0 {
		opts = append(opts, ctorz.WithExclude(c.Interceptor.Exclude...))
	}
	return opts
}
