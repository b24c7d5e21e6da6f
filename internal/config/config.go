// Package config loads layered configuration: built-in defaults, an
// optional YAML file, then environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Operator   OperatorConfig   `koanf:"operator"`
	Store      StoreConfig      `koanf:"store"`
	Workspace  WorkspaceConfig  `koanf:"workspace"`
	Monitor    MonitorConfig    `koanf:"monitor"`
	Executor   ExecutorConfig   `koanf:"executor"`
	Git        GitConfig        `koanf:"git"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Logging    LoggingConfig    `koanf:"logging"`

	// AnalyticsEnabled and Editor are recognised config-surface keys with no
	// sink in this core (telemetry export and editor launching are both
	// external collaborators here); they are parsed so the config schema
	// matches the documented surface but are otherwise inert.
	AnalyticsEnabled bool         `koanf:"analytics_enabled"`
	Editor           EditorConfig `koanf:"editor"`

	// DisableTelemetry and SentryDSN mirror the unprefixed DISABLE_TELEMETRY
	// and SENTRY_DSN environment variables the core consults; neither feeds
	// an actual sink here, consistent with dropping telemetry export.
	DisableTelemetry bool
	SentryDSN        string
}

type EditorConfig struct {
	EditorType    string `koanf:"editor_type"`
	CustomCommand string `koanf:"custom_command"`
}

// OperatorConfig configures the thin operator HTTP API.
type OperatorConfig struct {
	ListenAddr  string `koanf:"listen_addr"`
	BearerToken string `koanf:"bearer_token"`
}

// StoreConfig configures the SQLite system of record (C7).
type StoreConfig struct {
	Path string `koanf:"path"`
}

// WorkspaceConfig configures where per-attempt worktrees live on disk.
type WorkspaceConfig struct {
	Root string `koanf:"root"`
}

// MonitorConfig configures the Execution Monitor's steady-state loop (C6).
type MonitorConfig struct {
	PollInterval   time.Duration `koanf:"poll_interval"`
	KillGraceLimit time.Duration `koanf:"kill_grace_limit"`
}

// ExecutorConfig configures the default executor variant and per-variant
// binary resolution.
type ExecutorConfig struct {
	Default   string            `koanf:"default"`
	Binaries  map[string]string `koanf:"binaries"`
	MaxLineKB int               `koanf:"max_line_kb"`
}

type GitConfig struct {
	DefaultPRBase   string            `koanf:"default_pr_base"`
	CommitAuthor    string            `koanf:"commit_author"`
	CommitEmail     string            `koanf:"commit_email"`
	BranchPrefix    string            `koanf:"branch_prefix"`
	ProviderDomains map[string]string `koanf:"provider_domains"`
}

type EncryptionConfig struct {
	Key string `koanf:"key"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Operator: OperatorConfig{
			ListenAddr: ":8080",
		},
		Store: StoreConfig{
			Path: "db.sqlite",
		},
		Workspace: WorkspaceConfig{
			Root: "worktrees",
		},
		Monitor: MonitorConfig{
			PollInterval:   2 * time.Second,
			KillGraceLimit: 5 * time.Second,
		},
		Executor: ExecutorConfig{
			Default: "echo",
			Binaries: map[string]string{
				"claude":   "claude",
				"amp":      "amp",
				"gemini":   "gemini",
				"aider":    "aider",
				"codex":    "codex",
				"opencode": "opencode",
			},
			MaxLineKB: 1024,
		},
		Git: GitConfig{
			DefaultPRBase:   "main",
			CommitAuthor:    "codeforge-bot",
			CommitEmail:     "codeforge@noreply",
			BranchPrefix:    "codeforge/",
			ProviderDomains: map[string]string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from an optional YAML file, then environment
// variables. Later sources override earlier ones.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")
	cfg := Defaults()

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	} else {
		_ = k.Load(file.Provider("codeforge.yaml"), yaml.Parser())
	}

	// CODEFORGE_STORE__PATH -> store.path. Double underscore separates
	// nesting levels; single underscore within a level is preserved.
	err := k.Load(env.Provider("CODEFORGE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "CODEFORGE_")
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyCompatEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyCompatEnv reads a small set of unprefixed environment variables
// consulted by the core independent of the CODEFORGE_ namespace above:
// HOST and PORT/BACKEND_PORT build operator.listen_addr, and
// DISABLE_TELEMETRY/SENTRY_DSN are recorded but never wired to a sink.
func applyCompatEnv(cfg *Config) {
	host := os.Getenv("HOST")
	port := os.Getenv("PORT")
	if port == "" {
		port = os.Getenv("BACKEND_PORT")
	}
	if host != "" || port != "" {
		cfg.Operator.ListenAddr = host + ":" + port
	}

	if v := os.Getenv("DISABLE_TELEMETRY"); v != "" {
		cfg.DisableTelemetry = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
}

func validate(cfg *Config) error {
	if cfg.Operator.BearerToken == "" {
		return fmt.Errorf("config: operator.bearer_token is required (set CODEFORGE_OPERATOR__BEARER_TOKEN)")
	}
	if cfg.Encryption.Key == "" {
		return fmt.Errorf("config: encryption.key is required (set CODEFORGE_ENCRYPTION__KEY)")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	return nil
}
