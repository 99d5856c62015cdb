package issueengine

import (
	"bufio"
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	engpkg "github.com/orchestra-labs/issue-orchestrator/internal/engine"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/eventbus"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
	"github.com/orchestra-labs/issue-orchestrator/internal/pending"
	"github.com/orchestra-labs/issue-orchestrator/internal/procmgr"
	"github.com/orchestra-labs/issue-orchestrator/internal/safeenv"
	"github.com/orchestra-labs/issue-orchestrator/internal/storage"
	"github.com/orchestra-labs/issue-orchestrator/internal/telemetry"
)

// sharedTestMetrics avoids promauto's duplicate-registration panic: every
// test in this package that needs non-nil metrics shares one instance.
var (
	metricsOnce sync.Once
	sharedM     *telemetry.Metrics
)

func testMetrics() *telemetry.Metrics {
	metricsOnce.Do(func() { sharedM = telemetry.NewMetrics() })
	return sharedM
}

// echoNormalizer turns each raw line directly into a single assistant
// message entry, so tests can drive recognizable log content through the
// reader loop without depending on any real engine's wire format.
type echoNormalizer struct{}

func (echoNormalizer) Parse(line string) []models.NormalizedEntry {
	return []models.NormalizedEntry{{EntryType: models.EntryAssistantMessage, Content: line}}
}

// fakeExecutor spawns a real short-lived process (so procmgr.Wait and the
// process-manager lifecycle are exercised for real) while letting the test
// script control the stdout stream and any injected failures.
type fakeExecutor struct {
	engineType models.EngineType

	mu          sync.Mutex
	spawnErr    error
	cmdArgs     []string // defaults to "true" when empty
	cancelCalls int
}

func newFakeExecutor(t models.EngineType) *fakeExecutor {
	return &fakeExecutor{engineType: t, cmdArgs: []string{"true"}}
}

func (f *fakeExecutor) EngineType() models.EngineType { return f.engineType }

// buildSpawned starts a real process and forwards its real stdout lines to
// a channel that closes on EOF (i.e. when the process's stdout fd closes,
// which happens exactly when the process exits). Same "channel lifetime
// tracks process lifetime" contract a real executor provides, needed so
// cancellation timing isn't decoupled from process lifetime.
func (f *fakeExecutor) buildSpawned() (*engpkg.SpawnedProcess, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		err := f.spawnErr
		f.mu.Unlock()
		return nil, err
	}
	args := f.cmdArgs
	f.mu.Unlock()

	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()

	return &engpkg.SpawnedProcess{Cmd: cmd, Stdout: ch}, nil
}

func (f *fakeExecutor) Spawn(ctx context.Context, opts engpkg.SpawnOpts, builder *safeenv.Builder) (*engpkg.SpawnedProcess, error) {
	return f.buildSpawned()
}

func (f *fakeExecutor) SpawnFollowUp(ctx context.Context, opts engpkg.SpawnOpts, builder *safeenv.Builder) (*engpkg.SpawnedProcess, error) {
	return f.Spawn(ctx, opts, builder)
}

func (f *fakeExecutor) Cancel(ctx context.Context, sp *engpkg.SpawnedProcess) error {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
	if sp.Cmd.Process != nil {
		_ = sp.Cmd.Process.Kill()
	}
	return nil
}

func (f *fakeExecutor) GetAvailability(ctx context.Context) models.EngineAvailability {
	return models.EngineAvailability{EngineType: f.engineType, Installed: true}
}

func (f *fakeExecutor) GetModels(ctx context.Context) ([]models.Model, error) { return nil, nil }

func (f *fakeExecutor) NewNormalizer(rules []normalize.WriteFilterRule) normalize.Normalizer {
	return echoNormalizer{}
}

type testHarness struct {
	engine   *Engine
	store    *storage.Store
	bus      *eventbus.Bus
	pm       *procmgr.Manager
	executor *fakeExecutor
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := storage.Open("sqlite", ":memory:", storage.DefaultConfig(), testMetrics(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	pm := procmgr.New(nil, testMetrics())
	pq := pending.New(store)
	exec := newFakeExecutor(models.EngineClaude)
	reg := engpkg.NewRegistry(exec)
	builder := safeenv.NewBuilder()

	e := New(reg, pm, store, pq, bus, builder, nil, testMetrics(), nil, nil)
	return &testHarness{engine: e, store: store, bus: bus, pm: pm, executor: exec}
}

// awaitSettled blocks until a settled event for issueID arrives or the test
// times out.
func awaitSettled(t *testing.T, bus *eventbus.Bus, issueID string) eventbus.Event {
	t.Helper()
	sub := bus.Subscribe(eventbus.KindIssueSettled, issueID)
	defer sub.Unsubscribe()
	return recvEvent(t, sub)
}

func recvEvent(t *testing.T, sub *eventbus.Subscription) eventbus.Event {
	t.Helper()
	select {
	case e := <-sub.Ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}
