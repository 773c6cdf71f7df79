// Package config loads the typed configuration consumed by the
// observability context: service identity, policies, telemetry backend
// selection and chat-log verbosity.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. OBSERVICIA_LOGGING__CHAT__LEVEL=both.
const EnvPrefix = "OBSERVICIA_"

// DefaultConfigFile is used when OBSERVICIA_CONFIG_FILE is not set.
const DefaultConfigFile = "observicia_config.yaml"

// Telemetry backend formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatFile    = "file"
	FormatSQLite  = "sqlite"
)

// Config is the root of observicia_config.yaml.
type Config struct {
	ServiceName  string           `koanf:"service_name"`
	OTelEndpoint string           `koanf:"otel_endpoint"` // OTLP/gRPC collector, optional
	UserID       string           `koanf:"user_id"`       // process default user id
	Policies     []PolicyConfig   `koanf:"policies"`
	Providers    []ProviderConfig `koanf:"providers"`
	Logging      LoggingConfig    `koanf:"logging"`
	Admin        AdminConfig      `koanf:"admin"`
}

// ProviderConfig describes an adapter the CLI can call through the
// interception layer.
type ProviderConfig struct {
	Name    string   `koanf:"name"`
	Type    string   `koanf:"type"` // openai, openai-compatible, scripted
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`   // used when a request names none
	Replies []string `koanf:"replies"` // scripted only
}

// PolicyConfig describes one decision endpoint and what its verdict means
// for the call. Empty fields take the defaults of PolicyDefinitions.
type PolicyConfig struct {
	Name      string            `koanf:"name"`
	Target    string            `koanf:"target"`    // prompt, completion, rag_context
	Endpoint  string            `koanf:"endpoint"`  // decision service URL
	Action    string            `koanf:"action"`    // block, warn, log
	FailMode  string            `koanf:"fail_mode"` // open, closed
	Timeout   string            `koanf:"timeout"`   // Duration string like "5s"
	Retries   int               `koanf:"retries"`
	Threshold float64           `koanf:"threshold"`
	MinScore  float64           `koanf:"min_score"`
	Rego      string            `koanf:"rego"`
	Headers   map[string]string `koanf:"headers"`
}

// LoggingConfig groups the diagnostic log, the telemetry backend and the
// chat channel.
type LoggingConfig struct {
	File      string          `koanf:"file"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Messages  MessagesConfig  `koanf:"messages"`
	Chat      ChatConfig      `koanf:"chat"`
}

// TelemetryConfig selects where spans, metrics and log records are written.
type TelemetryConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Format        string `koanf:"format"` // console, json, file, sqlite
	Path          string `koanf:"path"`   // NDJSON file for the file format
	DatabasePath  string `koanf:"database_path"`
	RetentionDays int    `koanf:"retention_days"`
	OTelStdout    bool   `koanf:"otel_stdout"`
}

// MessagesConfig controls the slog diagnostic output.
type MessagesConfig struct {
	Enabled bool   `koanf:"enabled"`
	Level   string `koanf:"level"`
}

// ChatConfig controls logging of prompt and completion content.
type ChatConfig struct {
	Enabled bool   `koanf:"enabled"`
	Level   string `koanf:"level"` // none, prompt, completion, both
	File    string `koanf:"file"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the safe fallback: telemetry and chat logging disabled,
// no policies.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		ServiceName: "default-service",
		Logging: LoggingConfig{
			Telemetry: TelemetryConfig{
				Enabled:       false,
				Format:        FormatJSON,
				Path:          "telemetry.json",
				DatabasePath:  filepath.Join(home, ".observicia", "telemetry.db"),
				RetentionDays: 30,
			},
			Messages: MessagesConfig{Level: "info"},
			Chat:     ChatConfig{Level: "none"},
		},
		Admin: AdminConfig{Addr: ":9464"},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a YAML file and applies OBSERVICIA_ environment overrides on
// top of Default(). A missing file is not an error. Parse failures and
// invalid values are returned as *domain.ConfigurationError.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, defaults and env vars still apply
			if !errors.Is(err, os.ErrNotExist) {
				return nil, &domain.ConfigurationError{Field: path, Reason: "parse yaml", Err: err}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, &domain.ConfigurationError{Reason: "load environment", Err: err}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, &domain.ConfigurationError{Reason: "decode", Err: err}
	}

	for i := range cfg.Policies {
		cfg.Policies[i].Endpoint = substituteEnvVars(cfg.Policies[i].Endpoint)
		for hk, hv := range cfg.Policies[i].Headers {
			cfg.Policies[i].Headers[hk] = substituteEnvVars(hv)
		}
	}
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
		cfg.Providers[i].BaseURL = substituteEnvVars(cfg.Providers[i].BaseURL)
	}
	cfg.Logging.Telemetry.DatabasePath = expandHome(cfg.Logging.Telemetry.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault never fails: configuration errors are logged and Default()
// is returned.
func LoadOrDefault(path string, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		logger.Warn("configuration unusable, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return Default()
	}
	return cfg
}

// Validate checks enumerations and policy definitions.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		c.ServiceName = "default-service"
	}

	tel := c.Logging.Telemetry
	if tel.Enabled {
		switch tel.Format {
		case FormatConsole, FormatJSON, FormatFile, FormatSQLite:
		default:
			return &domain.ConfigurationError{Field: "logging.telemetry.format", Reason: fmt.Sprintf("unknown format %q", tel.Format)}
		}
		if tel.Format == FormatSQLite && tel.DatabasePath == "" {
			return &domain.ConfigurationError{Field: "logging.telemetry.database_path", Reason: "required for sqlite"}
		}
		if tel.Format == FormatFile && tel.Path == "" {
			return &domain.ConfigurationError{Field: "logging.telemetry.path", Reason: "required for file"}
		}
	}

	switch c.Logging.Chat.Level {
	case "", "none", "prompt", "completion", "both":
	default:
		return &domain.ConfigurationError{Field: "logging.chat.level", Reason: fmt.Sprintf("unknown level %q", c.Logging.Chat.Level)}
	}

	names := make(map[string]bool, len(c.Providers))
	for i, pc := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if pc.Name == "" {
			return &domain.ConfigurationError{Field: field + ".name", Reason: "required"}
		}
		if names[pc.Name] {
			return &domain.ConfigurationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate provider %q", pc.Name)}
		}
		names[pc.Name] = true
		if pc.Type == "" {
			return &domain.ConfigurationError{Field: field + ".type", Reason: "required"}
		}
	}

	_, err := c.PolicyDefinitions()
	return err
}

// Provider returns the provider named name, or the first one when name is
// empty.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, pc := range c.Providers {
		if name == "" || pc.Name == name {
			return pc, true
		}
	}
	return ProviderConfig{}, false
}

// PolicyDefinitions converts the configured policies into domain policies,
// applying defaults: target completion, action warn, fail mode closed,
// timeout 5s.
func (c *Config) PolicyDefinitions() ([]domain.Policy, error) {
	seen := make(map[string]bool, len(c.Policies))
	out := make([]domain.Policy, 0, len(c.Policies))

	for i, pc := range c.Policies {
		field := fmt.Sprintf("policies[%d]", i)
		if pc.Name == "" {
			return nil, &domain.ConfigurationError{Field: field + ".name", Reason: "required"}
		}
		if seen[pc.Name] {
			return nil, &domain.ConfigurationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate policy %q", pc.Name)}
		}
		seen[pc.Name] = true

		if pc.Endpoint == "" && pc.Rego == "" {
			return nil, &domain.ConfigurationError{Field: field, Reason: "endpoint or rego required"}
		}

		p := domain.Policy{
			Name:      pc.Name,
			Target:    domain.TargetCompletion,
			Endpoint:  pc.Endpoint,
			Action:    domain.ActionWarn,
			FailMode:  domain.FailClosed, // Default to fail-closed
			Timeout:   5 * time.Second,
			Retries:   pc.Retries,
			Threshold: pc.Threshold,
			MinScore:  pc.MinScore,
			Rego:      pc.Rego,
			Headers:   pc.Headers,
		}

		switch domain.PolicyTarget(pc.Target) {
		case "":
		case domain.TargetPrompt, domain.TargetCompletion, domain.TargetRAGContext:
			p.Target = domain.PolicyTarget(pc.Target)
		default:
			return nil, &domain.ConfigurationError{Field: field + ".target", Reason: fmt.Sprintf("unknown target %q", pc.Target)}
		}

		switch domain.PolicyAction(pc.Action) {
		case "":
		case domain.ActionBlock, domain.ActionWarn, domain.ActionLog:
			p.Action = domain.PolicyAction(pc.Action)
		default:
			return nil, &domain.ConfigurationError{Field: field + ".action", Reason: fmt.Sprintf("unknown action %q", pc.Action)}
		}

		switch domain.FailMode(pc.FailMode) {
		case "":
		case domain.FailOpen, domain.FailClosed:
			p.FailMode = domain.FailMode(pc.FailMode)
		default:
			return nil, &domain.ConfigurationError{Field: field + ".fail_mode", Reason: fmt.Sprintf("unknown fail mode %q", pc.FailMode)}
		}

		if pc.Timeout != "" {
			d, err := time.ParseDuration(pc.Timeout)
			if err != nil || d <= 0 {
				return nil, &domain.ConfigurationError{Field: field + ".timeout", Reason: fmt.Sprintf("invalid duration %q", pc.Timeout)}
			}
			p.Timeout = d
		}
		if pc.Retries < 0 {
			p.Retries = 0
		}

		out = append(out, p)
	}
	return out, nil
}

// SlogLevel maps logging.messages.level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Messages.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
