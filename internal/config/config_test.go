package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresKeyAndCert(t *testing.T) {
	_, err := Load([]string{})
	require.Error(t, err)

	_, err = Load([]string{"--key=/tmp/key.pem"})
	require.Error(t, err)

	_, err = Load([]string{"--cert=/tmp/cert.pem"})
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load([]string{"--key=/tmp/key.pem", "--cert=/tmp/cert.pem"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/key.pem", cfg.KeyPath)
	assert.Equal(t, "/tmp/cert.pem", cfg.CertPath)
	assert.Equal(t, "[::]:4433", cfg.WebTransportListen)
	assert.Equal(t, "[::]:4434", cfg.WebSocketListen)
	assert.Equal(t, "[::]:3446", cfg.RushListen)
	assert.Equal(t, "ssl.key", cfg.RushKeyPath)
	assert.Equal(t, "ssl.crt", cfg.RushCertPath)
	assert.Equal(t, "127.0.0.1:8080", cfg.WHIPListen)
	assert.Equal(t, ":9095", cfg.MetricsListen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogDevelopment)
}

func TestLoad_FlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{
		"--key=/tmp/key.pem",
		"--cert=/tmp/cert.pem",
		"--wt_listen=127.0.0.1:9000",
		"--log_level=debug",
		"--log_development=true",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.WebTransportListen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogDevelopment)
}

func TestLoad_RejectsUnknownFlag(t *testing.T) {
	_, err := Load([]string{"--key=/tmp/key.pem", "--cert=/tmp/cert.pem", "--not-a-flag"})
	require.Error(t, err)
}
