package vocabulary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.model")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestOpenParsesDocsFrequenciesAndKeywords(t *testing.T) {
	path := writeFixture(t, "DOCS 1000\nF broadband 50\nF funding 200\nK nbn broadband\n")

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "broadband", m.Canonicalize("NBN"))
	assert.Equal(t, "town", m.Canonicalize("town"), "unlisted token passes through unchanged")

	rareIDF := m.IDF("broadband")
	commonIDF := m.IDF("funding")
	assert.Greater(t, rareIDF, commonIDF, "rarer token should weigh more than a common one")
}

func TestIDFUnknownTokenIsNeutral(t *testing.T) {
	path := writeFixture(t, "DOCS 1000\nF broadband 50\n")
	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 1.0, m.IDF("neverseen"))
}
