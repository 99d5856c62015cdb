package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
	"github.com/orchestra-labs/issue-orchestrator/internal/safeenv"
)

type fakeExecutor struct {
	engineType models.EngineType
	availDelay time.Duration
	available  bool
}

func (f *fakeExecutor) EngineType() models.EngineType { return f.engineType }

func (f *fakeExecutor) Spawn(ctx context.Context, opts SpawnOpts, builder *safeenv.Builder) (*SpawnedProcess, error) {
	return nil, nil
}

func (f *fakeExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOpts, builder *safeenv.Builder) (*SpawnedProcess, error) {
	return nil, nil
}

func (f *fakeExecutor) Cancel(ctx context.Context, sp *SpawnedProcess) error { return nil }

func (f *fakeExecutor) GetAvailability(ctx context.Context) models.EngineAvailability {
	if f.availDelay > 0 {
		select {
		case <-time.After(f.availDelay):
		case <-ctx.Done():
		}
	}
	return models.EngineAvailability{EngineType: f.engineType, Installed: f.available}
}

func (f *fakeExecutor) GetModels(ctx context.Context) ([]models.Model, error) { return nil, nil }

func (f *fakeExecutor) NewNormalizer(rules []normalize.WriteFilterRule) normalize.Normalizer {
	return nil
}

func TestRegistryGetReturnsRegisteredExecutor(t *testing.T) {
	claude := &fakeExecutor{engineType: models.EngineClaude, available: true}
	r := NewRegistry(claude)

	got, ok := r.Get(models.EngineClaude)
	require.True(t, ok)
	assert.Same(t, claude, got)

	_, ok = r.Get(models.EngineCodex)
	assert.False(t, ok)
}

func TestGetAvailableRunsAllProbesConcurrently(t *testing.T) {
	claude := &fakeExecutor{engineType: models.EngineClaude, availDelay: 50 * time.Millisecond, available: true}
	codex := &fakeExecutor{engineType: models.EngineCodex, availDelay: 50 * time.Millisecond, available: false}
	r := NewRegistry(claude, codex)

	start := time.Now()
	reports := r.GetAvailable(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 90*time.Millisecond, "probes should run in parallel, not sequentially")
	require.Len(t, reports, 2)

	byEngine := map[models.EngineType]bool{}
	for _, rep := range reports {
		byEngine[rep.EngineType] = rep.Installed
	}
	assert.True(t, byEngine[models.EngineClaude])
	assert.False(t, byEngine[models.EngineCodex])
}

func TestGetAvailableEmptyRegistry(t *testing.T) {
	r := NewRegistry()
	reports := r.GetAvailable(context.Background())
	assert.Empty(t, reports)
}
