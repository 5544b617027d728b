package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
db:
  host: localhost
  name: claims
  user: claims
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 1, cfg.DB.PoolMin)
	assert.Equal(t, 20, cfg.DB.PoolMax)
	assert.Equal(t, 3600, cfg.Cache.TTLSBSSeconds)
	assert.Equal(t, 300, cfg.Cache.TTLAISeconds)
	assert.Equal(t, 200, cfg.Pipeline.InflightMax)
	assert.Equal(t, 45000, cfg.Pipeline.StageDeadlines.Submit)
	assert.Equal(t, "SHA256withRSA", cfg.Signer.Algorithm)
	assert.Equal(t, 10000, cfg.RateLimit.TrackedKeysMax)
	assert.Equal(t, 3, cfg.NPHIES.RetriesMax)
}

func TestLoad_RejectsUnknownOptions(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "8080"
  turbo_mode: true
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverridesPassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "from-env")
	path := writeConfig(t, `
db:
  host: localhost
  password: from-file
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DB.Password)
	assert.Contains(t, cfg.DB.DSN(), "password=from-env")
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"pool min over max", func(c *Config) { c.DB.PoolMin = 50 }},
		{"bad algorithm", func(c *Config) { c.Signer.Algorithm = "SHA1withRSA" }},
		{"bad key source", func(c *Config) { c.Signer.KeySource = "kms" }},
		{"bad port", func(c *Config) { c.Server.Port = "http" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
