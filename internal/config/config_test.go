package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, vars map[string]string) {
	t.Helper()

	for k, v := range vars {
		original, had := os.LookupEnv(k)

		require.NoError(t, os.Setenv(k, v))

		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, original)
			} else {
				_ = os.Unsetenv(k)
			}
		})
	}
}

func TestLoadRequiresStorageURLAndToken(t *testing.T) {
	withEnv(t, map[string]string{"FACTENGINE_STORAGE_URL": "", "FACTENGINE_API_TOKEN": ""})

	_, err := Load("")
	require.ErrorIs(t, err, ErrStorageURLEmpty)
}

func TestLoadAppliesDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		"FACTENGINE_STORAGE_URL": "postgres://localhost/factengine",
		"FACTENGINE_API_TOKEN":   "s3cr3t",
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, int64(4<<20), cfg.BatchMaxBytes)
	assert.Equal(t, 0, cfg.IngestRateLimit)
}

func TestLoadEnvOverridesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: \":9090\"\nstorage_url: \"postgres://file/db\"\napi_token: \"file-token\"\n"), 0o600))

	withEnv(t, map[string]string{
		"FACTENGINE_STORAGE_URL": "postgres://env/db",
		"FACTENGINE_API_TOKEN":   "",
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.BindAddr)
	assert.Equal(t, "postgres://env/db", cfg.StorageURL)
	assert.Equal(t, "file-token", cfg.APIToken)
}

func TestLoadMissingYAMLFileIsNotAnError(t *testing.T) {
	withEnv(t, map[string]string{
		"FACTENGINE_STORAGE_URL": "postgres://localhost/factengine",
		"FACTENGINE_API_TOKEN":   "s3cr3t",
	})

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
}
