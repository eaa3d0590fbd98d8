// Package config holds the runtime-mutable configuration surface. Values
// are layered default < config file < environment < flags via viper, with
// .env loading for local development. The Manager guards mutation and
// notifies listeners so dependents (rate limiters, the LLM client holder)
// can rebuild when relevant fields change.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultModel           = "gpt-4o-mini"
	DefaultBaseURL         = "https://api.openai.com/v1"
	DefaultMaxConcurrent   = 3
	DefaultMaxCallsPerHour = 200
	DefaultMaxOrchIter     = 50
	DefaultMaxToolLoops    = 20
	DefaultMaxAttempts     = 3
	DefaultWorkers         = 3
	DefaultTemperature     = 0.3
	DefaultMaxTokens       = 4096
)

// Config captures every user-configurable setting.
type Config struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	Model   string `json:"model" mapstructure:"model"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	MaxConcurrent   int `json:"max_concurrent" mapstructure:"max_concurrent"`
	MaxCallsPerHour int `json:"max_calls_per_hour" mapstructure:"max_calls_per_hour"`

	MaxOrchIterations int `json:"max_orch_iterations" mapstructure:"max_orch_iterations"`
	MaxToolLoops      int `json:"max_tool_loops" mapstructure:"max_tool_loops"`
	MaxAttempts       int `json:"max_attempts" mapstructure:"max_attempts"`
	Workers           int `json:"workers" mapstructure:"workers"`

	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`

	// Context manager policy knobs (characters, 1 token ~ 4 chars).
	ContextBudgetChars        int `json:"context_budget_chars" mapstructure:"context_budget_chars"`
	ContextSummarizeThreshold int `json:"context_summarize_threshold" mapstructure:"context_summarize_threshold"`
	ContextKeepRecent         int `json:"context_keep_recent" mapstructure:"context_keep_recent"`

	// Guidance about known tool limits, injected into every worker
	// system prompt.
	WorkerLimitations string `json:"worker_limitations" mapstructure:"worker_limitations"`

	// Extra base commands permitted for execute_command, on top of the
	// builtin allow-list.
	AllowedCommands []string `json:"allowed_commands" mapstructure:"allowed_commands"`

	// Override for the verifier's auto-detected commands.
	VerifyCommands []string `json:"verify_commands" mapstructure:"verify_commands"`

	// Dashboard listen address; empty disables the HTTP facade.
	Listen string `json:"listen" mapstructure:"listen"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Model:                     DefaultModel,
		BaseURL:                   DefaultBaseURL,
		MaxConcurrent:             DefaultMaxConcurrent,
		MaxCallsPerHour:           DefaultMaxCallsPerHour,
		MaxOrchIterations:         DefaultMaxOrchIter,
		MaxToolLoops:              DefaultMaxToolLoops,
		MaxAttempts:               DefaultMaxAttempts,
		Workers:                   DefaultWorkers,
		Temperature:               DefaultTemperature,
		MaxTokens:                 DefaultMaxTokens,
		ContextBudgetChars:        96_000,
		ContextSummarizeThreshold: 64_000,
		ContextKeepRecent:         8,
	}
}

// Load builds a Config from defaults, ~/.codeswarm/config.yaml, a local
// .env file, and CODESWARM_* environment variables.
func Load() (Config, error) {
	_ = godotenv.Load() // absent .env is fine

	v := viper.New()
	def := Default()
	v.SetDefault("model", def.Model)
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("max_concurrent", def.MaxConcurrent)
	v.SetDefault("max_calls_per_hour", def.MaxCallsPerHour)
	v.SetDefault("max_orch_iterations", def.MaxOrchIterations)
	v.SetDefault("max_tool_loops", def.MaxToolLoops)
	v.SetDefault("max_attempts", def.MaxAttempts)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("temperature", def.Temperature)
	v.SetDefault("max_tokens", def.MaxTokens)
	v.SetDefault("context_budget_chars", def.ContextBudgetChars)
	v.SetDefault("context_summarize_threshold", def.ContextSummarizeThreshold)
	v.SetDefault("context_keep_recent", def.ContextKeepRecent)
	v.SetDefault("worker_limitations", def.WorkerLimitations)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".codeswarm"))
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("CODESWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxCallsPerHour < 1 {
		c.MaxCallsPerHour = DefaultMaxCallsPerHour
	}
	if c.MaxOrchIterations < 1 {
		c.MaxOrchIterations = DefaultMaxOrchIter
	}
	if c.MaxToolLoops < 1 {
		c.MaxToolLoops = DefaultMaxToolLoops
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens < 1 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.ContextBudgetChars < 1 {
		c.ContextBudgetChars = 96_000
	}
	if c.ContextSummarizeThreshold < 1 {
		c.ContextSummarizeThreshold = 64_000
	}
	if c.ContextKeepRecent < 1 {
		c.ContextKeepRecent = 8
	}
	return c
}

// ChangeListener observes configuration swaps.
type ChangeListener func(old, updated Config)

// Manager guards a Config and notifies listeners on mutation.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	listeners []ChangeListener
}

// NewManager wraps cfg in a manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.normalized()}
}

// Snapshot returns a copy of the current configuration.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update applies mutate under the lock and notifies listeners outside it.
func (m *Manager) Update(mutate func(*Config)) {
	m.mu.Lock()
	old := m.cfg
	mutate(&m.cfg)
	m.cfg = m.cfg.normalized()
	updated := m.cfg
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(old, updated)
	}
}

// OnChange registers a listener for future updates.
func (m *Manager) OnChange(fn ChangeListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}
