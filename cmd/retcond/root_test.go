package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon-sync/retcon/internal/config"
)

func TestResolvedConfigPath_CLIOverridesEnv(t *testing.T) {
	dir := t.TempDir()
	cliPath := filepath.Join(dir, "cli.toml")
	envPath := filepath.Join(dir, "env.toml")

	require.NoError(t, os.WriteFile(cliPath, []byte(""), 0o644))
	require.NoError(t, os.WriteFile(envPath, []byte(""), 0o644))

	got := resolvedConfigPath(config.EnvOverrides{ConfigPath: envPath}, config.CLIOverrides{ConfigPath: cliPath})
	assert.Equal(t, cliPath, got)
}

func TestResolvedConfigPath_MissingFileIsEmpty(t *testing.T) {
	got := resolvedConfigPath(config.EnvOverrides{}, config.CLIOverrides{ConfigPath: "/nonexistent/retcon.toml"})
	assert.Equal(t, "", got)
}
