package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-labs/issue-orchestrator/internal/config"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

func TestBuildRegistryRegistersClaudeAndCodex(t *testing.T) {
	cfg := &config.Config{}
	reg := buildRegistry(cfg)

	_, ok := reg.Get(models.EngineClaude)
	assert.True(t, ok)
	_, ok = reg.Get(models.EngineCodex)
	assert.True(t, ok)
}

func TestRunEnginesListFailsOnMissingConfig(t *testing.T) {
	cmd := &cobra.Command{}
	err := runEnginesList(cmd, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRunConfigValidateFailsOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: not-a-driver\n"), 0o644))

	cmd := &cobra.Command{}
	err := runConfigValidate(cmd, path)
	assert.Error(t, err)
}
