package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "retcon.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeTOML(t, `
[server]
address = "tcp://0.0.0.0:60179"

[store]
dsn = "retcon.db"

[[entities]]
name = "customer"
policy = "ignoreConflicts"

[[entities.sources]]
name = "db1"
driver = "memsource"

[[entities.sources]]
name = "db2"
driver = "memsource"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://0.0.0.0:60179", cfg.Server.Address)
	require.Len(t, cfg.Entities, 1)
	assert.Equal(t, "customer", cfg.Entities[0].Name)
	require.Len(t, cfg.Entities[0].Sources, 2)
	assert.Equal(t, defaultWorkerCount(), cfg.Workers.Count)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeTOML(t, `
[server]
adress = "tcp://0.0.0.0:60179"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
}

func TestLoad_MissingEntities(t *testing.T) {
	path := writeTOML(t, `
[server]
address = "tcp://0.0.0.0:60179"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entities")
}

func TestLoad_TrustSourceRequiresTrustedSource(t *testing.T) {
	path := writeTOML(t, `
[[entities]]
name = "customer"
policy = "trustSource"

[[entities.sources]]
name = "db1"
driver = "memsource"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy_trusted_source")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, defaultAddress, cfg.Server.Address)
}

func TestResolve_EnvAndCLIOverrides(t *testing.T) {
	path := writeTOML(t, `
[[entities]]
name = "customer"

[[entities.sources]]
name = "db1"
driver = "memsource"

[[entities.sources]]
name = "db2"
driver = "memsource"
`)

	addr := "tcp://0.0.0.0:9999"

	cfg, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{Address: &addr})
	require.NoError(t, err)
	assert.Equal(t, addr, cfg.Server.Address)
}
