package claude

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

func TestNewExecutorDefaultsBinary(t *testing.T) {
	e := NewExecutor("")
	assert.Equal(t, BinaryName, e.binary)
}

func TestEngineType(t *testing.T) {
	e := NewExecutor("claude")
	assert.Equal(t, models.EngineClaude, e.EngineType())
}

func TestBaseArgsIncludesModelAndPermissionMode(t *testing.T) {
	e := NewExecutor("claude")
	args := e.baseArgs(engine.SpawnOpts{Model: "claude-opus-4", PermissionMode: models.PermissionModePlan})

	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "claude-opus-4")
	assert.Contains(t, args, "plan")
}

func TestBaseArgsAutoPermissionMapsToAcceptEdits(t *testing.T) {
	e := NewExecutor("claude")
	args := e.baseArgs(engine.SpawnOpts{PermissionMode: models.PermissionModeAuto})
	assert.Contains(t, args, "acceptEdits")
}

func TestBaseArgsDefaultPermissionAddsNoFlag(t *testing.T) {
	e := NewExecutor("claude")
	args := e.baseArgs(engine.SpawnOpts{PermissionMode: models.PermissionModeDefault})
	assert.NotContains(t, args, "--permission-mode")
}

func TestSpawnFollowUpRequiresExternalSessionID(t *testing.T) {
	e := NewExecutor("claude")
	_, err := e.SpawnFollowUp(context.Background(), engine.SpawnOpts{}, nil)
	require.Error(t, err)
}

func TestCancelNilSpawnedProcessIsNoop(t *testing.T) {
	e := NewExecutor("claude")
	assert.NoError(t, e.Cancel(context.Background(), nil))
}

func TestGetAvailabilityReportsUninstalledForUnknownBinary(t *testing.T) {
	e := NewExecutor("definitely-not-a-real-binary-xyz")
	avail := e.GetAvailability(context.Background())
	assert.False(t, avail.Installed)
	assert.Equal(t, models.EngineClaude, avail.EngineType)
	assert.NotEmpty(t, avail.Error)
}

func TestGetModelsReturnsStaticTable(t *testing.T) {
	e := NewExecutor("claude")
	got, err := e.GetModels(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	for _, m := range got {
		assert.Equal(t, models.EngineClaude, m.EngineType)
	}
}
