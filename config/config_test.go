package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 30*time.Second, cfg.Router.CallTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolgate.yaml")
	data := `
clusterName: prod
rateLimit:
  max: 5
  window: 10s
registry:
  staleDeadline: 45s
tenants:
  - id: acme
    workspaceKeys: [WSK_acme]
    skills:
      - id: s1
        name: files
        key: SKL_files
        providers: [fs]
    providers:
      - id: fs
        transport: STDIO
        target: EDGE
        builtin: filesystem
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadWith(path, env(map[string]string{
		"TOOLGATE_RATE_LIMIT_MAX":    "1",
		"TOOLGATE_RATE_LIMIT_WINDOW": "60000",
	}))
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.ClusterName)
	assert.Equal(t, 1, cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 45*time.Second, cfg.Registry.StaleDeadline)
	require.Len(t, cfg.Tenants, 1)
	assert.Equal(t, "filesystem", cfg.Tenants[0].Providers[0].Builtin)
	assert.Equal(t, []string{"fs"}, cfg.Tenants[0].Skills[0].Providers)
}

func TestRedisURLFromEnv(t *testing.T) {
	cfg, err := LoadWith("", env(nil))
	require.NoError(t, err)
	assert.False(t, cfg.Redis.Enabled())

	cfg, err = LoadWith("", env(map[string]string{"REDIS_URL": "redis://cache:6379/2"}))
	require.NoError(t, err)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
}

func TestTrustedProxiesFromEnv(t *testing.T) {
	cfg, err := LoadWith("", env(map[string]string{"TOOLGATE_TRUSTED_PROXIES": "10.0.0.0/8, 192.0.2.1"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", " 192.0.2.1"}, cfg.RateLimit.TrustedProxies)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := LoadWith("", env(map[string]string{"TOOLGATE_CALL_TIMEOUT": "0"}))
	assert.ErrorContains(t, err, "router.callTimeout")

	_, err = LoadWith("", env(map[string]string{"TOOLGATE_RATE_LIMIT_MAX": "many"}))
	assert.ErrorContains(t, err, "TOOLGATE_RATE_LIMIT_MAX")
}

func TestValidateSharedKey(t *testing.T) {
	cfg := Defaults()
	cfg.Tenants = []TenantConfig{
		{ID: "a", WorkspaceKeys: []string{"WSK_x"}},
		{ID: "b", WorkspaceKeys: []string{"WSK_x"}},
	}
	assert.ErrorContains(t, cfg.Validate(), "shared by tenants")
}
