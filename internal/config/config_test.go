package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "observicia_config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.ServiceName != "default-service" {
			t.Errorf("Load() service = %q, want default-service", cfg.ServiceName)
		}
		if cfg.Logging.Telemetry.Enabled {
			t.Error("Load() telemetry enabled by default")
		}
		if len(cfg.Policies) != 0 {
			t.Errorf("Load() policies = %d, want 0", len(cfg.Policies))
		}
	})

	t.Run("yaml file", func(t *testing.T) {
		path := writeConfig(t, `
service_name: billing
user_id: alice
policies:
  - name: pii_check
    target: prompt
    endpoint: http://pii:8000/analyze
    action: block
    fail_mode: open
    threshold: 0.5
    timeout: 2s
    retries: 2
logging:
  telemetry:
    enabled: true
    format: file
    path: out.json
  chat:
    enabled: true
    level: both
    file: chat.json
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.ServiceName != "billing" || cfg.UserID != "alice" {
			t.Errorf("Load() identity = %q/%q", cfg.ServiceName, cfg.UserID)
		}
		if cfg.Logging.Telemetry.Format != FormatFile || cfg.Logging.Telemetry.Path != "out.json" {
			t.Errorf("Load() telemetry = %+v", cfg.Logging.Telemetry)
		}
		if cfg.Logging.Chat.Level != "both" {
			t.Errorf("Load() chat level = %q, want both", cfg.Logging.Chat.Level)
		}

		policies, err := cfg.PolicyDefinitions()
		if err != nil {
			t.Fatalf("PolicyDefinitions() error = %v", err)
		}
		if len(policies) != 1 {
			t.Fatalf("PolicyDefinitions() = %d, want 1", len(policies))
		}
		p := policies[0]
		if p.Target != domain.TargetPrompt || p.Action != domain.ActionBlock || p.FailMode != domain.FailOpen {
			t.Errorf("policy = %+v", p)
		}
		if p.Timeout != 2*time.Second || p.Retries != 2 || p.Threshold != 0.5 {
			t.Errorf("policy tuning = %v/%d/%v", p.Timeout, p.Retries, p.Threshold)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("OBSERVICIA_SERVICE_NAME", "from-env")
		t.Setenv("OBSERVICIA_LOGGING__CHAT__LEVEL", "prompt")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.ServiceName != "from-env" {
			t.Errorf("Load() service = %q, want from-env", cfg.ServiceName)
		}
		if cfg.Logging.Chat.Level != "prompt" {
			t.Errorf("Load() chat level = %q, want prompt", cfg.Logging.Chat.Level)
		}
	})

	t.Run("header substitution", func(t *testing.T) {
		t.Setenv("PII_TOKEN", "secret")
		path := writeConfig(t, `
policies:
  - name: pii
    endpoint: http://pii/analyze
    headers:
      Authorization: Bearer ${PII_TOKEN}
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got := cfg.Policies[0].Headers["Authorization"]; got != "Bearer secret" {
			t.Errorf("header = %q, want %q", got, "Bearer secret")
		}
	})

	t.Run("providers", func(t *testing.T) {
		t.Setenv("OPENAI_KEY", "sk-test")
		path := writeConfig(t, `
providers:
  - name: main
    type: openai
    api_key: ${OPENAI_KEY}
    model: gpt-4
  - name: offline
    type: scripted
    replies: ["Hi there!"]
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		first, ok := cfg.Provider("")
		if !ok || first.Name != "main" || first.APIKey != "sk-test" || first.Model != "gpt-4" {
			t.Errorf("Provider(\"\") = %+v, %v", first, ok)
		}
		offline, ok := cfg.Provider("offline")
		if !ok || len(offline.Replies) != 1 || offline.Replies[0] != "Hi there!" {
			t.Errorf("Provider(offline) = %+v, %v", offline, ok)
		}
		if _, ok := cfg.Provider("missing"); ok {
			t.Error("Provider(missing) found")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "service_name: [unclosed")
		_, err := Load(path)
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("Load() error = %v, want ConfigurationError", err)
		}
	})
}

func TestLoadOrDefault(t *testing.T) {
	path := writeConfig(t, `
policies:
  - name: broken
    endpoint: http://x
    action: explode
`)
	cfg := LoadOrDefault(path, nil)
	if len(cfg.Policies) != 0 {
		t.Errorf("LoadOrDefault() kept %d policies from invalid config", len(cfg.Policies))
	}
	if cfg.Logging.Telemetry.Enabled {
		t.Error("LoadOrDefault() fallback has telemetry enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name: "unknown telemetry format",
			mutate: func(c *Config) {
				c.Logging.Telemetry.Enabled = true
				c.Logging.Telemetry.Format = "xml"
			},
			wantErr: true,
		},
		{
			name: "unknown format ignored when disabled",
			mutate: func(c *Config) {
				c.Logging.Telemetry.Format = "xml"
			},
		},
		{
			name: "unknown chat level",
			mutate: func(c *Config) {
				c.Logging.Chat.Level = "everything"
			},
			wantErr: true,
		},
		{
			name: "policy without endpoint or rego",
			mutate: func(c *Config) {
				c.Policies = []PolicyConfig{{Name: "p"}}
			},
			wantErr: true,
		},
		{
			name: "rego only policy",
			mutate: func(c *Config) {
				c.Policies = []PolicyConfig{{Name: "p", Rego: "package observicia"}}
			},
		},
		{
			name: "duplicate policy names",
			mutate: func(c *Config) {
				c.Policies = []PolicyConfig{
					{Name: "p", Endpoint: "http://a"},
					{Name: "p", Endpoint: "http://b"},
				}
			},
			wantErr: true,
		},
		{
			name: "bad timeout",
			mutate: func(c *Config) {
				c.Policies = []PolicyConfig{{Name: "p", Endpoint: "http://a", Timeout: "soon"}}
			},
			wantErr: true,
		},
		{
			name: "provider without type",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{Name: "main"}}
			},
			wantErr: true,
		},
		{
			name: "duplicate provider names",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{
					{Name: "main", Type: "openai"},
					{Name: "main", Type: "scripted"},
				}
			},
			wantErr: true,
		},
		{
			name: "unknown fail mode",
			mutate: func(c *Config) {
				c.Policies = []PolicyConfig{{Name: "p", Endpoint: "http://a", FailMode: "maybe"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyDefaults(t *testing.T) {
	cfg := Default()
	cfg.Policies = []PolicyConfig{{Name: "p", Endpoint: "http://a"}}

	policies, err := cfg.PolicyDefinitions()
	if err != nil {
		t.Fatalf("PolicyDefinitions() error = %v", err)
	}
	p := policies[0]
	if p.Target != domain.TargetCompletion {
		t.Errorf("Target = %q, want completion", p.Target)
	}
	if p.Action != domain.ActionWarn {
		t.Errorf("Action = %q, want warn", p.Action)
	}
	if p.FailMode != domain.FailClosed {
		t.Errorf("FailMode = %q, want closed", p.FailMode)
	}
	if p.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", p.Timeout)
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got, want := expandHome("~/.observicia/t.db"), filepath.Join(home, ".observicia/t.db"); got != want {
		t.Errorf("expandHome() = %q, want %q", got, want)
	}
	if got := expandHome("/abs/t.db"); got != "/abs/t.db" {
		t.Errorf("expandHome() changed absolute path to %q", got)
	}
}
