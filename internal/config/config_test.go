package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/digest"
)

func TestReadFilesAppliesOverridesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.forgeconfig")
	local := filepath.Join(dir, "local.forgeconfig")
	require.NoError(t, os.WriteFile(base, []byte(`
[build]
numworkers = 4
workdir = .build-base

[cas]
root = /tmp/base-cas
`), 0o644))
	require.NoError(t, os.WriteFile(local, []byte(`
[build]
workdir = .build-local
`), 0o644))

	cfg, err := ReadFiles(base, local)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Build.NumWorkers)
	assert.Equal(t, ".build-local", cfg.Build.WorkDir) // local overrides base
	assert.Equal(t, "/tmp/base-cas", cfg.CAS.Root)
}

func TestReadFilesMissingFileIsNotAnError(t *testing.T) {
	cfg, err := ReadFiles(filepath.Join(t.TempDir(), "does-not-exist.forgeconfig"))
	require.NoError(t, err)
	assert.Equal(t, Default().Build.WorkDir, cfg.Build.WorkDir)
}

func TestApplyEnvOverridesMatchingFields(t *testing.T) {
	t.Setenv("COMPATIBLE", "true")
	t.Setenv("REMOTE_EXECUTION_ADDRESS", "remote.example:443")
	t.Setenv("REMOTE_EXECUTION_PROPERTIES", "os:linux;arch:amd64")
	t.Setenv("TLS_CA_CERT", "/etc/forge/ca.pem")
	t.Setenv("GIT_SSL_NO_VERIFY", "1")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.True(t, cfg.CAS.Compatible)
	assert.Equal(t, "remote.example:443", cfg.Remote.ExecutionAddress)
	assert.Equal(t, map[string]string{"os": "linux", "arch": "amd64"}, cfg.Remote.ExecutionProperties)
	assert.Equal(t, "/etc/forge/ca.pem", cfg.TLS.CACert)
	assert.True(t, cfg.Git.SSLNoVerify)
	assert.Equal(t, digest.Compatible, cfg.DigestMode())
}

func TestApplyEnvRejectsMalformedProperties(t *testing.T) {
	t.Setenv("REMOTE_EXECUTION_PROPERTIES", "not-a-kv-pair")
	cfg := Default()
	assert.Error(t, cfg.ApplyEnv())
}

func TestPropertiesOrdersIntoModelProperties(t *testing.T) {
	cfg := Default()
	cfg.Remote.ExecutionProperties = map[string]string{"os": "linux"}
	props := cfg.Properties()
	require.Len(t, props, 1)
	assert.Equal(t, "os", props[0].Name)
	assert.Equal(t, "linux", props[0].Value)
}

func TestRetryConfigFallsBackToDefaultsForZeroFields(t *testing.T) {
	cfg := Default()
	rc := cfg.RetryConfig()
	assert.Equal(t, 1*time.Second, rc.InitialBackoff)
	assert.Equal(t, 30*time.Second, rc.MaxBackoff)
	assert.Equal(t, 3, rc.MaxAttempts)

	cfg.Retry.MaxAttempts = 7
	rc = cfg.RetryConfig()
	assert.Equal(t, 7, rc.MaxAttempts)
}
