package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wsync.log")
	logger, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	Component(logger, "store").Debug("blob stored")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logger":"store"`)
	assert.Contains(t, string(data), "blob stored")
}

func TestNewFiltersBelowLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wsync.log")
	logger, err := New(Config{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	logger.Info("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
}

func TestComponentNilLogger(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, Component(nil, "x"))
}
