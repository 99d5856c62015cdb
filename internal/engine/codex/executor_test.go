package codex

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
	e := NewExecutor("codex")
	assert.Equal(t, models.EngineCodex, e.EngineType())
}

func TestSpawnFollowUpRequiresExternalSessionID(t *testing.T) {
	e := NewExecutor("codex")
	_, err := e.SpawnFollowUp(context.Background(), engine.SpawnOpts{}, nil)
	require.Error(t, err)
}

func TestCancelNilSpawnedProcessIsNoop(t *testing.T) {
	e := NewExecutor("codex")
	assert.NoError(t, e.Cancel(context.Background(), nil))
}

func TestGetAvailabilityFallsBackThenFails(t *testing.T) {
	e := NewExecutor("definitely-not-a-real-binary-xyz")
	avail := e.GetAvailability(context.Background())
	assert.False(t, avail.Installed)
	assert.Equal(t, models.EngineCodex, avail.EngineType)
}
