package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/chatgate/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
session:
  bridge_url: ws://localhost:7000/bridge
router:
  elevated: ["79990001122", "79990003344"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "^[.,!]", cfg.Router.Prefix)
	assert.Equal(t, 2*time.Second, cfg.Router.Cooldown)
	assert.Equal(t, 5, cfg.Supervisor.RestartCeiling)
	assert.Equal(t, 3, cfg.Supervisor.PrimaryCeiling)
	assert.Equal(t, 8*time.Second, cfg.Supervisor.FallbackDelay)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.RestartWindow)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "primary", cfg.Session.Variant)
	assert.Equal(t, []string{"79990001122", "79990003344"}, cfg.Router.Elevated)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
session:
  bridge_url: ws://localhost:7000/bridge
router:
  cooldown: 2s
`)
	t.Setenv("ROUTER_COOLDOWN", "750ms")
	t.Setenv("ROUTER_ELEVATED", "111, 222")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Router.Cooldown)
	assert.Equal(t, []string{"111", "222"}, cfg.Router.Elevated)
}

func TestLoadConfigRejectsMissingBridge(t *testing.T) {
	path := writeConfig(t, "router:\n  prefix: \"^[.]\"\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestValidateRejectsBrokenPrefix(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Session:    SessionConfig{ID: "s", BridgeURL: "ws://x", Variant: "primary", ConnectTimeout: time.Second},
		Supervisor: SupervisorConfig{RestartCeiling: 5, RestartWindow: time.Second, PrimaryCeiling: 3, PrimaryWindow: time.Second},
		Router:     RouterConfig{Prefix: "^[", HandlerTimeout: time.Second},
		Cache:      CacheConfig{RefreshTimeout: time.Second},
	}

	err := cfg.Validate()
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "router.prefix")
}

func TestValidateRejectsUnreachableFallback(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Session:    SessionConfig{ID: "s", BridgeURL: "ws://x", Variant: "primary", ConnectTimeout: time.Second},
		Supervisor: SupervisorConfig{RestartCeiling: 5, RestartWindow: time.Second, PrimaryCeiling: 5, PrimaryWindow: time.Second},
		Router:     RouterConfig{Prefix: "^[.]", HandlerTimeout: time.Second},
		Cache:      CacheConfig{RefreshTimeout: time.Second},
	}

	err := cfg.Validate()
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "primary_ceiling")
}
