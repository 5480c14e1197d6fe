package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp switches to a fresh temp dir for the test, restoring the
// original working directory on cleanup (t.Chdir requires Go 1.24+).
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLogFiles_WritesThrough(t *testing.T) {
	chdirTemp(t)

	logs := NewLogFiles()
	logs.WriteEvent("CH1: Initialized Test Pack (2.5Ah, 0.050Ω)")
	logs.WriteTrace("CH1 -> VOLT 4.100")
	logs.Close()

	entries, err := os.ReadDir("logs")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// ReadDir sorts by name, so event_* precedes scpi_*.
	assert.True(t, strings.HasPrefix(entries[0].Name(), "event_"))
	assert.True(t, strings.HasPrefix(entries[1].Name(), "scpi_"))

	event, err := os.ReadFile(filepath.Join("logs", entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(event), "CH1: Initialized Test Pack")
	assert.True(t, strings.HasPrefix(string(event), "[20"), "bracketed timestamp prefix")

	trace, err := os.ReadFile(filepath.Join("logs", entries[1].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(trace), "CH1 -> VOLT 4.100")
}

func TestLogFiles_WriteAfterCloseIsIgnored(t *testing.T) {
	chdirTemp(t)

	logs := NewLogFiles()
	logs.Close()
	logs.WriteEvent("dropped")

	entries, err := os.ReadDir("logs")
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join("logs", e.Name()))
		require.NoError(t, err)
		assert.Empty(t, string(data))
	}
}
