package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "env", cfg.SecretBackend)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := "addr: \":9090\"\nlog_level: debug\ndatabase_url: postgres://localhost/gw\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Addr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "postgres://localhost/gw", cfg.DatabaseURL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9090\"\n"), 0o600))

	t.Setenv("GATEWAY_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Addr)
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("GATEWAY_LOG_LEVEL", "loud")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_AWSBackendRequiresRegion(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_BACKEND", "aws")

	_, err := Load("")
	require.Error(t, err)
}
