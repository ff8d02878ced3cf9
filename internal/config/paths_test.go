package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDir_XDG(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("XDG only applies on Linux")
	}

	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	assert.Equal(t, "/xdg/config/autolog", DefaultConfigDir())
	assert.Equal(t, "/xdg/config/autolog/config.toml", DefaultConfigPath())
}

func TestDefaultDataDir_XDG(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("XDG only applies on Linux")
	}

	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	assert.Equal(t, "/xdg/data/autolog", DefaultDataDir())
	assert.Equal(t, "/xdg/data/autolog/autolog.pid", PIDFilePath())
	assert.Equal(t, "/xdg/data/autolog/session.json", SessionPath())
	assert.Equal(t, "/xdg/data/autolog/autolog.db", StorageConfig{}.ResolvedDBPath())
}

func TestResolvedDBPath_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "autolog", "q.db"), StorageConfig{DBPath: "~/autolog/q.db"}.ResolvedDBPath())
	assert.Equal(t, "/abs/q.db", StorageConfig{DBPath: "/abs/q.db"}.ResolvedDBPath())
	assert.Equal(t, "~user/q.db", StorageConfig{DBPath: "~user/q.db"}.ResolvedDBPath())
}
