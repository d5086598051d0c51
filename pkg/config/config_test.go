package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
server: "127.0.0.1:4433"
users:
  "00000000-0000-0000-0000-000000000001": "p"
tls:
  self_sign: true
auth_timeout: "2s"
gc_interval: "1s"
gc_lifetime: "5s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4433", cfg.Server)
	assert.Equal(t, "p", cfg.Users["00000000-0000-0000-0000-000000000001"])
	assert.True(t, cfg.TLS.SelfSign)
	assert.Equal(t, 2*time.Second, cfg.AuthTimeout.D())
	// defaults still apply for fields left unset
	assert.Equal(t, 1500, cfg.MaxExternalPacketSize)
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "config.toml", `
server = "127.0.0.1:4433"
[users]
"00000000-0000-0000-0000-000000000001" = "p"
[tls]
self_sign = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4433", cfg.Server)
	assert.True(t, cfg.TLS.SelfSign)
}

func TestForceTOMLEnv(t *testing.T) {
	path := writeTemp(t, "config.conf", `
server = "127.0.0.1:4433"
[users]
"00000000-0000-0000-0000-000000000001" = "p"
[tls]
self_sign = true
`)
	t.Setenv("TUIC_FORCE_TOML", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4433", cfg.Server)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty server", func(c *Config) { c.Server = "" }, "listen address"},
		{"empty users", func(c *Config) { c.Users = nil }, "users table"},
		{"no tls material", func(c *Config) { c.TLS = TLSConfig{} }, "tls:"},
		{"low mtu", func(c *Config) { c.QUIC.MinMTU = 1000 }, "1200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Users["u"] = "p"
			cfg.TLS.SelfSign = true
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, WriteSample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Users)
	assert.True(t, cfg.TLS.SelfSign)
}
