package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/cost"
	"github.com/nidhogg/maestro/internal/orchestrator"
	"github.com/nidhogg/maestro/internal/provider"
	"github.com/nidhogg/maestro/internal/retry"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig            `json:"server"`
	Providers    []ProviderConfig        `json:"providers"`
	Models       map[string]ModelBinding `json:"models"`
	Pricing      map[string]cost.Rates   `json:"pricing,omitempty"`
	Agents       []agent.Config          `json:"agents,omitempty"`
	PromptsDir   string                  `json:"prompts_dir,omitempty"`
	Orchestrator OrchestratorConfig      `json:"orchestrator"`
	Retry        RetryConfig             `json:"retry"`
	Memory       MemoryConfig            `json:"memory"`
	RateLimit    RateLimitConfig         `json:"rate_limit"`
	Database     DatabaseConfig          `json:"database"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	LogLevel       string   `json:"log_level"`
	RequestTimeout Duration `json:"request_timeout"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

type ProviderConfig struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"` // openai | anthropic
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// ModelBinding maps a tier to a provider model, with optional fallbacks.
type ModelBinding struct {
	Provider  string             `json:"provider"`
	Model     string             `json:"model"`
	Fallbacks []provider.Binding `json:"fallbacks,omitempty"`
}

type OrchestratorConfig struct {
	SelectionTier   string   `json:"selection_tier"`
	DefaultTier     string   `json:"default_tier"`
	Timeout         Duration `json:"timeout"`
	ParallelLimit   int      `json:"parallel_limit"`
	UseLLMSelection *bool    `json:"use_llm_selection,omitempty"`
	MinConfidence   float64  `json:"min_confidence"`
	FollowHandoffs  *bool    `json:"follow_handoffs,omitempty"`
	PublishTraces   bool     `json:"publish_traces"`
}

type RetryConfig struct {
	MaxRetries    *int     `json:"max_retries,omitempty"`
	InitialDelay  Duration `json:"initial_delay"`
	MaxDelay      Duration `json:"max_delay"`
	BackoffFactor float64  `json:"backoff_factor"`
}

type MemoryConfig struct {
	MaxHistory       int      `json:"max_history"`
	MaxTokens        int      `json:"max_tokens"`
	TTL              Duration `json:"ttl"`
	MaxEntriesPerKey int      `json:"max_entries_per_key"`
	SweepInterval    Duration `json:"sweep_interval,omitempty"`
	Persist          bool     `json:"persist"`
}

// RateLimitConfig selects where agent rate limits are counted.
type RateLimitConfig struct {
	Backend string `json:"backend"` // memory | redis
	Prefix  string `json:"prefix,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir,omitempty"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// Duration is a time.Duration that reads "1.5s" style strings or plain
// milliseconds from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = Duration(120 * time.Second)
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.Prefix == "" {
		c.RateLimit.Prefix = "maestro:ratelimit:"
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
}

// Validate rejects unknown provider types and tiers and dangling
// provider references.
func (c *Config) Validate() error {
	ids := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if ids[p.ID] {
			return fmt.Errorf("duplicate provider %q", p.ID)
		}
		ids[p.ID] = true
		switch p.Type {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
	}
	for tier, b := range c.Models {
		if _, err := provider.ParseTier(tier); err != nil {
			return fmt.Errorf("models: %w", err)
		}
		if !ids[b.Provider] {
			return fmt.Errorf("models.%s: unknown provider %q", tier, b.Provider)
		}
		for _, fb := range b.Fallbacks {
			if !ids[fb.ProviderID] {
				return fmt.Errorf("models.%s fallback: unknown provider %q", tier, fb.ProviderID)
			}
		}
	}
	for tier, r := range c.Pricing {
		if _, err := provider.ParseTier(tier); err != nil {
			return fmt.Errorf("pricing: %w", err)
		}
		if r.Input < 0 || r.Output < 0 || r.Cached < 0 {
			return fmt.Errorf("pricing.%s: negative rate", tier)
		}
	}
	for _, t := range []string{c.Orchestrator.SelectionTier, c.Orchestrator.DefaultTier} {
		if t == "" {
			continue
		}
		if _, err := provider.ParseTier(t); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
	}
	if mc := c.Orchestrator.MinConfidence; mc < 0 || mc > 1 {
		return fmt.Errorf("orchestrator.min_confidence %.2f out of range [0,1]", mc)
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Database.Redis.URL == "" {
			return fmt.Errorf("rate_limit.backend redis requires database.redis.url")
		}
	default:
		return fmt.Errorf("rate_limit: unknown backend %q", c.RateLimit.Backend)
	}
	if c.Memory.Persist && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("memory.persist requires database.postgres.dsn")
	}
	return nil
}

// ProviderConfigs converts the provider section for the provider package.
func (c *Config) ProviderConfigs() []provider.ProviderConfig {
	out := make([]provider.ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		out[i] = provider.ProviderConfig{
			ID:       p.ID,
			Type:     p.Type,
			Name:     p.Name,
			Endpoint: p.Endpoint,
			APIKey:   p.APIKey,
			Timeout:  p.Timeout.Std(),
		}
	}
	return out
}

// PriceTable returns the default prices with configured overrides.
func (c *Config) PriceTable() cost.Table {
	overrides := make(cost.Table, len(c.Pricing))
	for tier, r := range c.Pricing {
		overrides[provider.ModelTier(tier)] = r
	}
	return cost.DefaultTable().Merge(overrides)
}

// RetryPolicy returns the retry settings, defaulting unset fields.
func (c *Config) RetryPolicy() retry.Config {
	out := retry.DefaultConfig()
	if c.Retry.MaxRetries != nil {
		out.MaxRetries = *c.Retry.MaxRetries
	}
	if c.Retry.InitialDelay > 0 {
		out.InitialDelay = c.Retry.InitialDelay.Std()
	}
	if c.Retry.MaxDelay > 0 {
		out.MaxDelay = c.Retry.MaxDelay.Std()
	}
	if c.Retry.BackoffFactor > 0 {
		out.BackoffFactor = c.Retry.BackoffFactor
	}
	return out
}

// ContextConfig returns the context manager settings.
func (c *Config) ContextConfig() contextmgr.Config {
	out := contextmgr.DefaultConfig()
	if c.Memory.MaxHistory > 0 {
		out.MaxHistory = c.Memory.MaxHistory
	}
	if c.Memory.MaxTokens > 0 {
		out.MaxTokens = c.Memory.MaxTokens
	}
	if c.Memory.TTL > 0 {
		out.MemoryTTL = c.Memory.TTL.Std()
	}
	if c.Memory.MaxEntriesPerKey > 0 {
		out.MaxMemoryPerKey = c.Memory.MaxEntriesPerKey
	}
	return out
}

// OrchestratorSettings returns Maestro's settings.
func (c *Config) OrchestratorSettings() orchestrator.Config {
	out := orchestrator.DefaultConfig()
	o := c.Orchestrator
	if o.SelectionTier != "" {
		out.SelectionTier = provider.ModelTier(o.SelectionTier)
	}
	if o.DefaultTier != "" {
		out.DefaultTier = provider.ModelTier(o.DefaultTier)
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout.Std()
	}
	if o.ParallelLimit > 0 {
		out.ParallelLimit = o.ParallelLimit
	}
	if o.UseLLMSelection != nil {
		out.UseLLMSelection = *o.UseLLMSelection
	}
	if o.MinConfidence > 0 {
		out.MinConfidence = o.MinConfidence
	}
	if o.FollowHandoffs != nil {
		out.FollowHandoffs = *o.FollowHandoffs
	}
	return out
}

// AgentConfigs returns the configured agents, or the built-in set when
// none are configured.
func (c *Config) AgentConfigs() []agent.Config {
	if len(c.Agents) == 0 {
		return agent.DefaultConfigs()
	}
	return c.Agents
}
