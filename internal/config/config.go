// Package config loads and validates the orchestrator's YAML configuration
// file and overlays the environment variables recognized in the CLI surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved configuration for a wrenchbot process.
type Config struct {
	Server        ServerConfig
	Agent         AgentConfig
	Queue         QueueConfig
	Store         StoreConfig
	Log           LogChannelConfig
	RepoCache     RepoCacheConfig
	Worker        WorkerConfig
	BotIdentities []string
	Filters       []FilterConfig
	Logging       LoggingConfig
	Webhook       WebhookConfig
}

// ServerConfig controls the dispatcher/read-API HTTP bind and the metrics
// scrape port.
type ServerConfig struct {
	WebhookPort string
	MetricsPort string
}

// AgentConfig describes how to invoke the LLM command-line subprocess. The
// core never inspects prompts or model choice (spec non-goal); it only
// needs enough to launch, bound and classify the subprocess.
type AgentConfig struct {
	Provider        string // "claude-cli" | "codex-cli" | "gemini-cli"
	Command         string // binary to exec
	PlanTimeout     time.Duration
	ExecuteTimeout  time.Duration
	RetryCount      int
	MaxAttempts     int
	MaxOutputLines  int
	HeartbeatPeriod time.Duration
}

// QueueConfig configures the two-named-queue priority backend.
type QueueConfig struct {
	DSN             string
	ClaimVisibility time.Duration
	HighWater       int
}

// StoreConfig configures the durable task store.
type StoreConfig struct {
	DSN string
}

// LogChannelConfig configures the append-only per-task log channel.
type LogChannelConfig struct {
	DSN             string
	RetentionPeriod time.Duration
	MaxLinesPerTask int
}

// RepoCacheConfig configures the repository cache manager's working-copy
// root and clone depth.
type RepoCacheConfig struct {
	Root       string
	CloneDepth int
}

// WorkerConfig controls the agent worker pool.
type WorkerConfig struct {
	Count          int
	DryRun         bool
	CooldownPeriod time.Duration
}

// FilterConfig scopes a webhook handler's should_process decision to a set
// of conditions, e.g. {"repo": ["org/repo"], "event_type": ["issue_comment"]}.
type FilterConfig struct {
	Name       string
	Conditions map[string][]string
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// WebhookConfig controls the static bind and optional shared-secret auth
// used by surfaces (like the error-reporter webhook) that don't carry a
// per-installation HMAC secret.
type WebhookConfig struct {
	Port string
	Path string
	Auth WebhookAuthConfig
}

// WebhookAuthConfig describes a static bearer-token auth scheme.
type WebhookAuthConfig struct {
	Type  string
	Token string
}

var supportedAgentProviders = map[string]bool{
	"claude-cli": true,
	"codex-cli":  true,
	"gemini-cli": true,
}

// rawConfig mirrors Config but with duration fields left as strings, since
// yaml.v3 has no native time.Duration unmarshaling.
type rawConfig struct {
	Server struct {
		WebhookPort string `yaml:"webhook_port"`
		MetricsPort string `yaml:"metrics_port"`
	} `yaml:"server"`
	Agent struct {
		Provider        string `yaml:"provider"`
		Command         string `yaml:"command"`
		PlanTimeout     string `yaml:"plan_timeout"`
		ExecuteTimeout  string `yaml:"execute_timeout"`
		RetryCount      int    `yaml:"retry_count"`
		MaxAttempts     int    `yaml:"max_attempts"`
		MaxOutputLines  int    `yaml:"max_output_lines"`
		HeartbeatPeriod string `yaml:"heartbeat_period"`
	} `yaml:"agent"`
	Queue struct {
		DSN             string `yaml:"dsn"`
		ClaimVisibility string `yaml:"claim_visibility"`
		HighWater       int    `yaml:"high_water"`
	} `yaml:"queue"`
	Store struct {
		DSN string `yaml:"dsn"`
	} `yaml:"store"`
	Log struct {
		DSN             string `yaml:"dsn"`
		RetentionPeriod string `yaml:"retention_period"`
		MaxLinesPerTask int    `yaml:"max_lines_per_task"`
	} `yaml:"log"`
	RepoCache struct {
		Root       string `yaml:"root"`
		CloneDepth int    `yaml:"clone_depth"`
	} `yaml:"repo_cache"`
	Worker struct {
		Count          int    `yaml:"count"`
		DryRun         bool   `yaml:"dry_run"`
		CooldownPeriod string `yaml:"cooldown_period"`
	} `yaml:"worker"`
	BotIdentities []string       `yaml:"bot_identities"`
	Filters       []FilterConfig `yaml:"filters"`
	Logging       struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhook struct {
		Port string `yaml:"port"`
		Path string `yaml:"path"`
		Auth struct {
			Type  string `yaml:"type"`
			Token string `yaml:"token"`
		} `yaml:"auth"`
	} `yaml:"webhook"`
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// Load reads, parses and validates the config file at path, applying
// environment overrides from loadFromEnv afterward.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config := &Config{}
	config.Server.WebhookPort = raw.Server.WebhookPort
	config.Server.MetricsPort = raw.Server.MetricsPort

	config.Agent.Provider = raw.Agent.Provider
	config.Agent.Command = raw.Agent.Command
	config.Agent.RetryCount = raw.Agent.RetryCount
	config.Agent.MaxAttempts = raw.Agent.MaxAttempts
	config.Agent.MaxOutputLines = raw.Agent.MaxOutputLines

	planTimeout, err := parseDuration(raw.Agent.PlanTimeout, 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.Agent.PlanTimeout = planTimeout

	executeTimeout, err := parseDuration(raw.Agent.ExecuteTimeout, 60*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.Agent.ExecuteTimeout = executeTimeout

	heartbeat, err := parseDuration(raw.Agent.HeartbeatPeriod, 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.Agent.HeartbeatPeriod = heartbeat

	config.Queue.DSN = raw.Queue.DSN
	config.Queue.HighWater = raw.Queue.HighWater
	claimVisibility, err := parseDuration(raw.Queue.ClaimVisibility, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.Queue.ClaimVisibility = claimVisibility

	config.Store.DSN = raw.Store.DSN

	config.Log.DSN = raw.Log.DSN
	config.Log.MaxLinesPerTask = raw.Log.MaxLinesPerTask
	retention, err := parseDuration(raw.Log.RetentionPeriod, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.Log.RetentionPeriod = retention

	config.RepoCache.Root = raw.RepoCache.Root
	config.RepoCache.CloneDepth = raw.RepoCache.CloneDepth

	config.Worker.Count = raw.Worker.Count
	config.Worker.DryRun = raw.Worker.DryRun
	cooldown, err := parseDuration(raw.Worker.CooldownPeriod, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.Worker.CooldownPeriod = cooldown

	config.BotIdentities = raw.BotIdentities
	config.Filters = raw.Filters

	config.Logging.Level = raw.Logging.Level
	config.Logging.Format = raw.Logging.Format

	config.Webhook.Port = raw.Webhook.Port
	config.Webhook.Path = raw.Webhook.Path
	config.Webhook.Auth.Type = raw.Webhook.Auth.Type
	config.Webhook.Auth.Token = raw.Webhook.Auth.Token

	if err := validate(config); err != nil {
		return nil, err
	}

	if err := loadFromEnv(config); err != nil {
		return nil, err
	}

	return config, nil
}

// validate enforces required fields and applies soft defaults for optional
// ones, matching the boot-time contract exercised by tests.
func validate(config *Config) error {
	if config.Agent.Provider == "" {
		config.Agent.Provider = "claude-cli"
	}
	if !supportedAgentProviders[config.Agent.Provider] {
		return fmt.Errorf("unsupported agent provider: %s", config.Agent.Provider)
	}

	if config.Agent.Command == "" {
		config.Agent.Command = config.Agent.Provider
	}

	if config.Agent.MaxOutputLines == 0 {
		config.Agent.MaxOutputLines = 10000
	}
	if config.Agent.MaxOutputLines <= 0 {
		return fmt.Errorf("agent max output lines must be greater than 0")
	}

	if config.Agent.MaxAttempts == 0 {
		config.Agent.MaxAttempts = 5
	}

	if config.RepoCache.Root == "" {
		return fmt.Errorf("repository cache root is required")
	}

	if config.Worker.Count == 0 {
		config.Worker.Count = 5
	}
	if config.Worker.Count <= 0 {
		return fmt.Errorf("worker count must be greater than 0")
	}

	if config.Queue.HighWater == 0 {
		config.Queue.HighWater = 1000
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}

	return nil
}

// loadFromEnv overlays the environment variables recognized by the CLI
// surface (spec §6) onto an already-loaded config.
func loadFromEnv(config *Config) error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.Server.WebhookPort = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		config.Server.WebhookPort = v
		config.Webhook.Port = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		config.Server.MetricsPort = v
	}

	if v := os.Getenv("QUEUE_DSN"); v != "" {
		config.Queue.DSN = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		config.Store.DSN = v
	}
	if v := os.Getenv("LOG_DSN"); v != "" {
		config.Log.DSN = v
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_COUNT: %w", err)
		}
		config.Worker.Count = n
	}
	if v := os.Getenv("PLAN_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PLAN_TIMEOUT_SECONDS: %w", err)
		}
		config.Agent.PlanTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("EXECUTE_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid EXECUTE_TIMEOUT_SECONDS: %w", err)
		}
		config.Agent.ExecuteTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("CLAIM_VISIBILITY_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CLAIM_VISIBILITY_SECONDS: %w", err)
		}
		config.Queue.ClaimVisibility = time.Duration(n) * time.Second
	}
	if v := os.Getenv("QUEUE_HIGH_WATER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid QUEUE_HIGH_WATER: %w", err)
		}
		config.Queue.HighWater = n
	}
	if v := os.Getenv("LOG_RETENTION_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_RETENTION_SECONDS: %w", err)
		}
		config.Log.RetentionPeriod = time.Duration(n) * time.Second
	}
	if v := os.Getenv("LOG_MAX_LINES_PER_TASK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_MAX_LINES_PER_TASK: %w", err)
		}
		config.Log.MaxLinesPerTask = n
	}
	if v := os.Getenv("REPO_CACHE_ROOT"); v != "" {
		config.RepoCache.Root = v
	}
	if v := os.Getenv("REPO_CLONE_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REPO_CLONE_DEPTH: %w", err)
		}
		config.RepoCache.CloneDepth = n
	}
	if v := os.Getenv("BOT_IDENTITIES"); v != "" {
		config.BotIdentities = strings.Split(v, ",")
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		config.Agent.MaxAttempts = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DRY_RUN: %w", err)
		}
		config.Worker.DryRun = b
	}

	return nil
}
