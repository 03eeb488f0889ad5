package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ProductionConfig {
	cfg := loadFromEnv()
	cfg.Database.Password = "secret"
	cfg.JWT.SecretKey = "0123456789abcdef0123456789abcdef"
	cfg.Broadcast.PersonalisationKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	return cfg
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := loadFromEnv()

	assert.Equal(t, []string{"ee", "three", "o2", "vodafone"}, cfg.Broadcast.EnabledProviders)
	assert.Equal(t, []string{"preview", "development"}, cfg.Broadcast.StubEnvironments)
	assert.Equal(t, "notifications.service.gov.uk", cfg.Broadcast.Sender)
	assert.Equal(t, "postgres", cfg.Broadcast.NumberingBackend)
	assert.Equal(t, 30*time.Second, cfg.Broadcast.TransportTimeout)
	assert.False(t, cfg.CBCProxy.Enabled)
	assert.Equal(t, "development", cfg.Deployment.Environment)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("ENABLED_CBCS", "ee, vodafone")
	t.Setenv("BROADCAST_STUB_DISPATCH_ENVIRONMENTS", "staging")
	t.Setenv("CBC_PROXY_ENABLED", "true")
	t.Setenv("BROADCAST_TRANSPORT_TIMEOUT", "5s")
	t.Setenv("ADMIN_ON_CALL_MOBILES", "+447700900001,+447700900002")

	cfg := loadFromEnv()

	assert.Equal(t, []string{"ee", "vodafone"}, cfg.Broadcast.EnabledProviders)
	assert.Equal(t, []string{"staging"}, cfg.Broadcast.StubEnvironments)
	assert.True(t, cfg.CBCProxy.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Broadcast.TransportTimeout)
	assert.Len(t, cfg.Admin.OnCallMobiles, 2)
}

func TestLoadFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("BROADCAST_WORKER_COUNT", "many")
	t.Setenv("CBC_PROXY_ENABLED", "perhaps")

	cfg := loadFromEnv()

	assert.Equal(t, 4, cfg.Broadcast.WorkerCount)
	assert.False(t, cfg.CBCProxy.Enabled)
}

func TestDispatchAllowedForStubbed(t *testing.T) {
	cfg := BroadcastConfig{StubEnvironments: []string{"preview", "development"}}

	assert.True(t, cfg.DispatchAllowedForStubbed("preview"))
	assert.True(t, cfg.DispatchAllowedForStubbed("development"))
	assert.False(t, cfg.DispatchAllowedForStubbed("live"))
	assert.False(t, cfg.DispatchAllowedForStubbed(""))
}

func TestValidateProductionConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, ValidateProductionConfig(validConfig()))
	})

	tests := []struct {
		name   string
		mutate func(*ProductionConfig)
		want   string
	}{
		{"missing password", func(c *ProductionConfig) { c.Database.Password = "" }, "DB_PASSWORD is required"},
		{"short jwt secret", func(c *ProductionConfig) { c.JWT.SecretKey = "short" }, "JWT_SECRET_KEY"},
		{"unknown provider", func(c *ProductionConfig) { c.Broadcast.EnabledProviders = []string{"ee", "orange"} }, `unknown provider "orange"`},
		{"no providers", func(c *ProductionConfig) { c.Broadcast.EnabledProviders = nil }, "ENABLED_CBCS must name"},
		{"bad numbering backend", func(c *ProductionConfig) { c.Broadcast.NumberingBackend = "etcd" }, "BROADCAST_NUMBERING_BACKEND"},
		{"redis numbering without redis", func(c *ProductionConfig) {
			c.Broadcast.NumberingBackend = "redis"
			c.Cache.Enabled = false
		}, "requires the redis cache"},
		{"short personalisation key", func(c *ProductionConfig) { c.Broadcast.PersonalisationKey = "abcd" }, "BROADCAST_PERSONALISATION_KEY"},
		{"non hex personalisation key", func(c *ProductionConfig) { c.Broadcast.PersonalisationKey = "zz" }, "BROADCAST_PERSONALISATION_KEY"},
		{"proxy without url", func(c *ProductionConfig) {
			c.CBCProxy.Enabled = true
			c.CBCProxy.BaseURL = ""
		}, "CBC_PROXY_BASE_URL"},
		{"bad log level", func(c *ProductionConfig) { c.Logging.Level = "trace" }, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateProductionConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("collects every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.Password = ""
		cfg.Broadcast.WorkerCount = 0

		err := ValidateProductionConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DB_PASSWORD is required; ")
		assert.Contains(t, err.Error(), "BROADCAST_WORKER_COUNT must be positive")
	})
}

func TestLoadEnvFile(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), ".env")))
	})

	t.Run("existing environment wins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("BROADCAST_QUEUE_NAME=from-file\nBROADCAST_SENDER=file.example\n"), 0o600))
		t.Setenv("BROADCAST_QUEUE_NAME", "from-env")
		t.Setenv("BROADCAST_SENDER", "")
		os.Unsetenv("BROADCAST_SENDER")

		require.NoError(t, loadEnvFile(path))

		assert.Equal(t, "from-env", os.Getenv("BROADCAST_QUEUE_NAME"))
		assert.Equal(t, "file.example", os.Getenv("BROADCAST_SENDER"))
	})
}
