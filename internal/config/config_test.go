package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults_Valid(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidate_MaxWorkersRange(t *testing.T) {
	cfg := Defaults()
	cfg.MaxWorkers = 0
	require.Error(t, Validate(cfg))

	cfg.MaxWorkers = 9
	require.Error(t, Validate(cfg))

	cfg.MaxWorkers = 8
	require.NoError(t, Validate(cfg))
}

func TestValidate_ProjectDirShape(t *testing.T) {
	cfg := Defaults()
	cfg.ProjectDir = "relative/path"
	require.Error(t, Validate(cfg))

	cfg.ProjectDir = "/abs/path/to-project"
	require.NoError(t, Validate(cfg))
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Defaults()
	cfg.MaxWorkers = 6
	require.NoError(t, Save(path, cfg))

	require.FileExists(t, path)

	// Saving again must not fail on an existing file (temp+rename path).
	cfg.MaxWorkers = 7
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var reloaded Config
	require.NoError(t, yaml.Unmarshal(data, &reloaded))
	require.Equal(t, 7, reloaded.MaxWorkers)
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))
	require.FileExists(t, path)
}
