package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
// A .env file in the working directory, when present, is loaded first so
// ${VAR} references can resolve against it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse interpolates, decodes, defaults and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "threadstream"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/threadstream.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8090"
	}
	if cfg.API.KeepaliveInterval == 0 {
		cfg.API.KeepaliveInterval = 15 * time.Second
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 10 * time.Second
	}
	if cfg.API.ReplayBuffer == 0 {
		cfg.API.ReplayBuffer = 500
	}
	if cfg.API.ReplayTTL == 0 {
		cfg.API.ReplayTTL = 5 * time.Minute
	}
	if cfg.API.IdempotencyTTL == 0 {
		cfg.API.IdempotencyTTL = 5 * time.Minute
	}
	if cfg.API.IdempotencyMaxEntries == 0 {
		cfg.API.IdempotencyMaxEntries = 1000
	}
	if cfg.API.MessageRatePerMinute == 0 {
		cfg.API.MessageRatePerMinute = 30
	}
	if cfg.API.MessageMaxLen == 0 {
		cfg.API.MessageMaxLen = 4000
	}
	if cfg.Threads.RotateAfter == 0 {
		cfg.Threads.RotateAfter = 30 * time.Minute
	}
	if cfg.Threads.SweepSchedule == "" {
		cfg.Threads.SweepSchedule = "* * * * *"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "stub"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Agent.QueueCapacity == 0 {
		cfg.Agent.QueueCapacity = 100
	}
	if cfg.Agent.EnqueueTimeout == 0 {
		cfg.Agent.EnqueueTimeout = 2 * time.Second
	}
	if cfg.Agent.RunTimeout == 0 {
		cfg.Agent.RunTimeout = 2 * time.Minute
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if err := unresolved("api.token", cfg.API.Token); err != nil {
		return err
	}
	if cfg.API.KeepaliveInterval <= 0 {
		return fmt.Errorf("api.keepalive_interval must be positive")
	}
	if cfg.API.WriteTimeout <= 0 {
		return fmt.Errorf("api.write_timeout must be positive")
	}
	if cfg.API.ReplayBuffer < 0 {
		return fmt.Errorf("api.replay_buffer must not be negative")
	}
	if cfg.API.ReplayTTL <= 0 {
		return fmt.Errorf("api.replay_ttl must be positive")
	}
	if cfg.API.IdempotencyTTL <= 0 {
		return fmt.Errorf("api.idempotency_ttl must be positive")
	}
	if cfg.API.IdempotencyMaxEntries <= 0 {
		return fmt.Errorf("api.idempotency_max_entries must be positive")
	}
	if cfg.API.MessageRatePerMinute <= 0 {
		return fmt.Errorf("api.message_rate_per_minute must be positive")
	}
	if cfg.API.MessageMaxLen <= 0 {
		return fmt.Errorf("api.message_max_len must be positive")
	}
	if cfg.Threads.RotateAfter <= 0 {
		return fmt.Errorf("threads.rotate_after must be positive")
	}
	if !gronx.IsValid(cfg.Threads.SweepSchedule) {
		return fmt.Errorf("threads.sweep_schedule is not a valid cron expression (got %q)", cfg.Threads.SweepSchedule)
	}
	switch cfg.LLM.Provider {
	case "stub":
	case "anthropic", "openai":
		if cfg.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for provider %q", cfg.LLM.Provider)
		}
		if err := unresolved("llm.api_key", cfg.LLM.APIKey); err != nil {
			return err
		}
	case "ollama":
	default:
		return fmt.Errorf("llm.provider must be one of: stub, anthropic, openai, ollama (got %q)", cfg.LLM.Provider)
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if cfg.Agent.QueueCapacity <= 0 {
		return fmt.Errorf("agent.queue_capacity must be positive")
	}
	if cfg.Agent.RunTimeout <= 0 {
		return fmt.Errorf("agent.run_timeout must be positive")
	}
	return nil
}

func unresolved(key, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", key, matches[1])
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
