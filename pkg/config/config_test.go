package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.PersistInterval)
	assert.Equal(t, "loop/", cfg.Defaults.BranchPrefix)
	assert.Equal(t, "LOOP_COMPLETE", cfg.Defaults.StopPattern)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDir), 0o755))
	content := []byte("log_level: debug\ndefaults:\n  max_iterations: 7\n  branch_prefix: agent/\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigDir, "looper.yaml"), content, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7, cfg.Defaults.MaxIterations)
	assert.Equal(t, "agent/", cfg.Defaults.BranchPrefix)
	// Untouched fields keep defaults.
	assert.Equal(t, "LOOP_COMPLETE", cfg.Defaults.StopPattern)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.PersistInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Defaults.StopPattern = ""
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.LogLevel = "warn"
	require.NoError(t, cfg.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "warn", loaded.LogLevel)
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{"ANTHROPIC_API_KEY": "sk-test"}
	require.NoError(t, EncryptSecretsFile(dir, "hunter2", secrets))
	assert.True(t, SecretsFileExists(dir))

	decrypted, err := DecryptSecretsFile(dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", decrypted["ANTHROPIC_API_KEY"])

	_, err = DecryptSecretsFile(dir, "wrong-password")
	assert.Error(t, err)
}

func TestGetSecretPrecedence(t *testing.T) {
	SetDecryptedSecrets(map[string]string{"LOOPER_TEST_SECRET": "from-file"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	value, err := GetSecret("LOOPER_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-file", value)

	t.Setenv("LOOPER_TEST_ENV_ONLY", "from-env")
	value, err = GetSecret("LOOPER_TEST_ENV_ONLY")
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	_, err = GetSecret("LOOPER_TEST_ABSENT")
	assert.Error(t, err)
}
