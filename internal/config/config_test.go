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
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, `
[database]
rta = "postgres://localhost/rta"
bulletinboard = "postgres://localhost/board"

[signing]
public = "pub"
private = "priv"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint(1000), cfg.SearchCacheSize)
	assert.False(t, cfg.RequireValidatedEmail)
}

func TestLoadOverridesDefaultsWhenPresent(t *testing.T) {
	path := writeConfig(t, `
search_cache_size = 42
require_validated_email = true

[database]
rta = "postgres://localhost/rta"
bulletinboard = "postgres://localhost/board"

[signing]
public = "pub"
private = "priv"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint(42), cfg.SearchCacheSize)
	assert.True(t, cfg.RequireValidatedEmail)
}

func TestLoadRejectsMissingDatabaseSection(t *testing.T) {
	path := writeConfig(t, `
[signing]
public = "pub"
private = "priv"
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "database")
}

func TestLoadRejectsMissingSigningSection(t *testing.T) {
	path := writeConfig(t, `
[database]
rta = "postgres://localhost/rta"
bulletinboard = "postgres://localhost/board"
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "signing")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}
