package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := `# provider keys
GEMINI_KEY="abc123"
export CLAUDE_KEY='xyz'
EMPTY=
not a pair
PLAIN = value with spaces
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	values, err := LoadEnvFile(path, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"GEMINI_KEY": "abc123",
		"CLAUDE_KEY": "xyz",
		"PLAIN":      "value with spaces",
	}, values)
}

func TestLoadEnvFileMissing(t *testing.T) {
	values, err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env"), arbor.NewLogger())
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestChainLookup(t *testing.T) {
	lookup := ChainLookup(
		MapLookup(map[string]string{"A": "first"}),
		MapLookup(map[string]string{"A": "second", "B": "b"}),
	)
	v, ok := lookup("A")
	assert.True(t, ok)
	assert.Equal(t, "first", v)

	v, ok = lookup("B")
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = lookup("C")
	assert.False(t, ok)
}
