package config

import "time"

// Config represents the complete threadstream configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Threads  ThreadsConfig  `yaml:"threads"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server and event stream settings.
type APIConfig struct {
	Listen                string        `yaml:"listen"`
	Token                 string        `yaml:"token"`
	KeepaliveInterval     time.Duration `yaml:"keepalive_interval"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
	SingleViewer          bool          `yaml:"single_viewer"`
	ReplayBuffer          int           `yaml:"replay_buffer"`
	ReplayTTL             time.Duration `yaml:"replay_ttl"`
	IdempotencyTTL        time.Duration `yaml:"idempotency_ttl"`
	IdempotencyMaxEntries int           `yaml:"idempotency_max_entries"`
	MessageRatePerMinute  int           `yaml:"message_rate_per_minute"`
	MessageMaxLen         int           `yaml:"message_max_len"`
}

// ThreadsConfig defines thread lifecycle policy.
type ThreadsConfig struct {
	RotateAfter   time.Duration `yaml:"rotate_after"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	RotateFailed  bool          `yaml:"rotate_failed"`
}

// LLMConfig defines the LLM provider settings.
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AgentConfig defines agent runtime behavior.
type AgentConfig struct {
	QueueCapacity  int           `yaml:"queue_capacity"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	SystemPrompt   string        `yaml:"system_prompt"`
}
