package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/maestro/internal/provider"
)

const sample = `{
  "server": {"port": ${MAESTRO_TEST_PORT:8080}, "request_timeout": "45s"},
  "providers": [
    {"id": "oa", "type": "openai", "api_key": "${MAESTRO_TEST_KEY}"},
    {"id": "claude", "type": "anthropic", "timeout": 30000}
  ],
  "models": {
    "cheap": {"provider": "oa", "model": "gpt-4o-mini"},
    "capable": {"provider": "claude", "model": "claude-sonnet-4-5",
                "fallbacks": [{"provider_id": "oa", "model": "gpt-4o"}]}
  },
  "pricing": {"cheap": {"input": 0.2, "output": 0.8, "cached": 0.1}},
  "orchestrator": {"timeout": "20s", "use_llm_selection": false},
  "retry": {"max_retries": 0, "initial_delay": "250ms"},
  "memory": {"ttl": "24h"}
}`

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("MAESTRO_TEST_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "maestro.json")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout.Std() != 45*time.Second {
		t.Errorf("unexpected request timeout %s", cfg.Server.RequestTimeout.Std())
	}
	if cfg.Providers[0].APIKey != "sk-test" {
		t.Errorf("expected api key from env, got %q", cfg.Providers[0].APIKey)
	}
	if got := cfg.ProviderConfigs()[1].Timeout; got != 30*time.Second {
		t.Errorf("expected millisecond timeout to parse, got %s", got)
	}
	if cfg.Models["capable"].Fallbacks[0].ProviderID != "oa" {
		t.Errorf("fallback not parsed: %+v", cfg.Models["capable"])
	}
}

func TestDerivedSettings(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	prices := cfg.PriceTable()
	if prices[provider.TierCheap].Input != 0.2 {
		t.Errorf("pricing override not applied: %+v", prices[provider.TierCheap])
	}
	if prices[provider.TierCapable].Output != 75 {
		t.Errorf("default prices lost: %+v", prices[provider.TierCapable])
	}

	rp := cfg.RetryPolicy()
	if rp.MaxRetries != 0 || rp.InitialDelay != 250*time.Millisecond || rp.MaxDelay != 30*time.Second {
		t.Errorf("unexpected retry policy: %+v", rp)
	}

	o := cfg.OrchestratorSettings()
	if o.UseLLMSelection || o.Timeout != 20*time.Second || !o.FollowHandoffs {
		t.Errorf("unexpected orchestrator settings: %+v", o)
	}

	if cfg.ContextConfig().MemoryTTL != 24*time.Hour {
		t.Errorf("unexpected memory ttl")
	}
	if len(cfg.AgentConfigs()) == 0 {
		t.Error("expected built-in agents when none configured")
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Errorf("expected memory rate limit backend, got %q", cfg.RateLimit.Backend)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown provider type": `{"providers":[{"id":"x","type":"grpc"}]}`,
		"unknown tier":          `{"providers":[{"id":"x","type":"openai"}],"models":{"premium":{"provider":"x","model":"m"}}}`,
		"dangling provider":     `{"models":{"cheap":{"provider":"ghost","model":"m"}}}`,
		"bad selection tier":    `{"orchestrator":{"selection_tier":"huge"}}`,
		"redis without url":     `{"rate_limit":{"backend":"redis"}}`,
		"bad duration":          `{"retry":{"initial_delay":"soon"}}`,
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Errorf("expected read error, got %v", err)
	}
}
