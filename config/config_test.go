package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvConfigGetStringFallsBackToDefault(t *testing.T) {
	env := NewEnvConfig("GWTEST")
	assert.Equal(t, "fallback", env.GetString("MISSING", "fallback"))

	t.Setenv("GWTEST_NAME", "set")
	assert.Equal(t, "set", env.GetString("NAME", "fallback"))
}

func TestEnvConfigMustGetStringPanicsWhenUnset(t *testing.T) {
	env := NewEnvConfig("GWTEST")
	os.Unsetenv("GWTEST_REQUIRED")
	assert.Panics(t, func() { env.MustGetString("REQUIRED") })
}

func TestEnvConfigGetDurationAndBool(t *testing.T) {
	env := NewEnvConfig("GWTEST")
	t.Setenv("GWTEST_TIMEOUT", "2s")
	t.Setenv("GWTEST_ENABLED", "true")

	assert.Equal(t, 2*time.Second, env.GetDuration("TIMEOUT", time.Second))
	assert.True(t, env.GetBool("ENABLED", false))
	assert.Equal(t, time.Second, env.GetDuration("UNSET_TIMEOUT", time.Second))
}

func TestLoadGatewayConfigDefaults(t *testing.T) {
	cfg := LoadGatewayConfig("GWDEFAULT")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "redis://127.0.0.1:6379", cfg.StoreURL)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
}

func TestGatewayConfigValidateRejectsMissingManifest(t *testing.T) {
	cfg := GatewayConfig{StoreURL: "redis://localhost:6379", ManifestPath: "", ReconcileInterval: time.Minute}
	assert.Error(t, cfg.Validate())
}

func TestValidatorAccumulatesErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("name", "")
	v.RequirePositiveInt("count", -1)
	v.RequireOneOf("level", "loud", []string{"quiet", "normal"})

	assert.False(t, v.IsValid())
	assert.Len(t, v.Errors(), 3)
	assert.Error(t, v.Validate())
}

func TestConfigLoaderLoadAllRequiresServiceName(t *testing.T) {
	loader := NewConfigLoader("GWLOADER")
	t.Setenv("GWLOADER_NAME", "")
	t.Setenv("GWLOADER_ENVIRONMENT", "production")
	t.Setenv("GWLOADER_LOG_LEVEL", "info")

	_, err := loader.LoadAll()
	assert.Error(t, err)

	t.Setenv("GWLOADER_NAME", "gatewayd")
	all, err := loader.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, "gatewayd", all.Service.Name)
}
