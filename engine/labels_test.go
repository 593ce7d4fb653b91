package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabels(t *testing.T) {
	l := ParseLabels("person\r\nbicycle\n\n  \ncar\n")
	assert.Equal(t, Labels{"person", "bicycle", "car"}, l)
	assert.Empty(t, ParseLabels(""))
}

func TestLabelsResolve(t *testing.T) {
	l := Labels{"person", "bicycle", "car"}
	tests := []struct {
		class    int
		expected string
	}{
		{1, "person"},
		{3, "car"},
		// out of range falls back to the first label
		{0, "person"},
		{4, "person"},
		{-1, "person"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, l.Resolve(tt.class), "class %d", tt.class)
	}
	assert.Equal(t, UnknownLabel, Labels(nil).Resolve(1))
}

func TestLoadLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\n"), 0o644))

	l, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, Labels{"a", "b"}, l)

	_, err = LoadLabels(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}
