package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/config"
	"github.com/nidhogg/maestro/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const baseConfig = `{
  "providers": [
    {"id": "oa", "type": "openai", "endpoint": "http://127.0.0.1:1/v1", "api_key": "sk-test"},
    {"id": "claude", "type": "anthropic", "endpoint": "http://127.0.0.1:1", "api_key": "sk-test"}
  ],
  "models": {
    "cheap": {"provider": "oa", "model": "gpt-4o-mini"},
    "balanced": {"provider": "claude", "model": "claude-haiku"},
    "capable": {"provider": "claude", "model": "claude-sonnet", "fallbacks": [{"provider_id": "oa", "model": "gpt-4o"}]}
  }
}`

func TestBuildInMemory(t *testing.T) {
	cfg, err := config.Parse([]byte(baseConfig))
	require.NoError(t, err)

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Store)
	assert.Nil(t, a.Redis)
	assert.Len(t, a.Registry.IDs(), len(agent.DefaultConfigs()))
	assert.Equal(t, "gpt-4o-mini", a.Router.Model(provider.TierCheap))
	assert.Equal(t, "claude-sonnet", a.Router.Model(provider.TierCapable))
	assert.NotNil(t, a.Maestro)
	assert.Nil(t, a.Janitor)
}

func TestBuildStartsMemoryJanitor(t *testing.T) {
	cfg, err := config.Parse([]byte(baseConfig))
	require.NoError(t, err)
	cfg.Memory.SweepInterval = config.Duration(10 * time.Millisecond)

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	require.NotNil(t, a.Janitor)
	assert.Eventually(t, func() bool { return !a.Janitor.LastRun().IsZero() }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Close())
}

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := config.Parse([]byte(baseConfig))
	require.NoError(t, err)
	cfg.Database.Redis.URL = "redis://" + mr.Addr()
	cfg.RateLimit.Backend = "redis"
	cfg.Orchestrator.PublishTraces = true

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Redis)
	assert.NotNil(t, a.Traces)

	checks := a.HealthChecks()
	assert.Contains(t, checks, "provider:oa")
	assert.Contains(t, checks, "provider:claude")
	assert.NotContains(t, checks, "postgres")
	require.Contains(t, checks, "redis")
	assert.NoError(t, checks["redis"](context.Background()))
}

func TestBuildFailsWhenRequiredRedisIsDown(t *testing.T) {
	cfg, err := config.Parse([]byte(baseConfig))
	require.NoError(t, err)
	cfg.Database.Redis.URL = "redis://127.0.0.1:1"
	cfg.RateLimit.Backend = "redis"

	_, err = Build(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
