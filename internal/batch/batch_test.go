package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowingwolf/waveflow/internal/configresolve"
	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/executor"
	"github.com/snowingwolf/waveflow/internal/plugin"
	"github.com/snowingwolf/waveflow/internal/scheduler"
	"github.com/snowingwolf/waveflow/internal/storage"
	"github.com/snowingwolf/waveflow/internal/stream"
)

type noExplicit struct{}

func (noExplicit) Explicit() configresolve.ExplicitConfig { return configresolve.ExplicitConfig{} }

var metricSchema = plugin.OutputSchema{RecordLayout: []plugin.FieldDescriptor{{Name: "value", GoType: "f8"}}}

// metricSource computes one row per run, optionally failing for configured
// run IDs or failing the first N attempts of a run (to exercise retry).
type metricSource struct {
	mu          sync.Mutex
	failRuns    map[string]bool
	failAttempt map[string]int // remaining failures before success
	calls       map[string]int
}

func newMetricSource() *metricSource {
	return &metricSource{
		failRuns:    make(map[string]bool),
		failAttempt: make(map[string]int),
		calls:       make(map[string]int),
	}
}

func (s *metricSource) Info() plugin.Info {
	return plugin.Info{Provides: "metric", Version: "1.0.0", OutputKind: plugin.Static, OutputSchema: metricSchema}
}

func (s *metricSource) Compute(ctx context.Context, rc plugin.RunContext, runID string, opts plugin.ResolvedOptions) (interface{}, error) {
	s.mu.Lock()
	s.calls[runID]++
	fail := s.failRuns[runID]
	if n := s.failAttempt[runID]; n > 0 {
		s.failAttempt[runID] = n - 1
		fail = true
	}
	s.mu.Unlock()

	if fail {
		return nil, errs.New(errs.IOError, "metric compute failed for "+runID)
	}
	return []storage.Row{{"value": 1.0}}, nil
}

func newTestSchedulerForBatch(t *testing.T, source *metricSource) *scheduler.Scheduler {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(source, false))
	return scheduler.New(registry, store, executor.GetManager(), noExplicit{}, nil, 0)
}

func TestProcessRunsContinuesOnPerRunFailure(t *testing.T) {
	source := newMetricSource()
	source.failRuns["run-2"] = true
	sched := newTestSchedulerForBatch(t, source)

	result, err := ProcessRuns(context.Background(), sched, Config{
		RunIDs:   []string{"run-1", "run-2", "run-3"},
		DataName: "metric",
	})
	require.NoError(t, err)

	assert.Contains(t, result.Results, "run-1")
	assert.Contains(t, result.Results, "run-3")
	assert.Contains(t, result.Errors, "run-2")
	assert.NotContains(t, result.Results, "run-2")
	assert.Equal(t, 3, result.Meta["total"])
	assert.Equal(t, 2, result.Meta["succeeded"])
	assert.Equal(t, 1, result.Meta["failed"])
	assert.NotEmpty(t, result.Meta["batch_id"])
}

func TestProcessRunsRetriesUpToMaxRetries(t *testing.T) {
	source := newMetricSource()
	source.failAttempt["run-1"] = 2 // fails twice, succeeds on 3rd attempt
	sched := newTestSchedulerForBatch(t, source)

	result, err := ProcessRuns(context.Background(), sched, Config{
		RunIDs:     []string{"run-1"},
		DataName:   "metric",
		MaxRetries: 2,
	})
	require.NoError(t, err)
	assert.Contains(t, result.Results, "run-1")
	assert.NotContains(t, result.Errors, "run-1")
	assert.Equal(t, 3, source.calls["run-1"])
}

func TestProcessRunsGivesUpAfterMaxRetriesExhausted(t *testing.T) {
	source := newMetricSource()
	source.failRuns["run-1"] = true
	sched := newTestSchedulerForBatch(t, source)

	result, err := ProcessRuns(context.Background(), sched, Config{
		RunIDs:     []string{"run-1"},
		DataName:   "metric",
		MaxRetries: 1,
	})
	require.NoError(t, err)
	assert.Contains(t, result.Errors, "run-1")
	assert.Equal(t, 2, source.calls["run-1"]) // initial attempt + 1 retry
}

func TestProcessRunsRaisePolicyReturnsError(t *testing.T) {
	source := newMetricSource()
	source.failRuns["run-1"] = true
	sched := newTestSchedulerForBatch(t, source)

	result, err := ProcessRuns(context.Background(), sched, Config{
		RunIDs:   []string{"run-1"},
		DataName: "metric",
		OnError:  Raise,
	})
	require.Error(t, err)
	assert.Contains(t, result.Errors, "run-1")
}

func TestProcessRunsSkipsAlreadySucceededRuns(t *testing.T) {
	source := newMetricSource()
	sched := newTestSchedulerForBatch(t, source)

	ledger := NewMemoryLedger()
	require.NoError(t, ledger.RecordResult("run-1", "metric", nil))

	result, err := ProcessRuns(context.Background(), sched, Config{
		RunIDs:   []string{"run-1", "run-2"},
		DataName: "metric",
		Ledger:   ledger,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, source.calls["run-1"])
	assert.Equal(t, 1, source.calls["run-2"])
	assert.NotContains(t, result.Results, "run-1")
	assert.Contains(t, result.Results, "run-2")
}

func TestProcessRunsRespectsPreCancelledToken(t *testing.T) {
	source := newMetricSource()
	sched := newTestSchedulerForBatch(t, source)

	token := stream.NewCancellationToken()
	token.Cancel()

	result, err := ProcessRuns(context.Background(), sched, Config{
		RunIDs:   []string{"run-1", "run-2"},
		DataName: "metric",
		Token:    token,
	})
	require.NoError(t, err)

	assert.Len(t, result.Errors, 2)
	for _, runErr := range result.Errors {
		assert.Equal(t, errs.Cancelled, errs.KindOf(runErr))
	}
	assert.Equal(t, 0, source.calls["run-1"])
	assert.Equal(t, 0, source.calls["run-2"])
}

func TestProcessRunsReportsProgress(t *testing.T) {
	source := newMetricSource()
	sched := newTestSchedulerForBatch(t, source)

	var lastDone, lastTotal atomic.Int32
	var calls atomic.Int32
	result, err := ProcessRuns(context.Background(), sched, Config{
		RunIDs:   []string{"run-1", "run-2", "run-3"},
		DataName: "metric",
		Progress: func(done, total int) {
			calls.Add(1)
			lastDone.Store(int32(done))
			lastTotal.Store(int32(total))
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(3), lastDone.Load())
	assert.Equal(t, int32(3), lastTotal.Load())
	assert.Len(t, result.Results, 3)
}

func TestMemoryLedgerTracksSuccessOnly(t *testing.T) {
	ledger := NewMemoryLedger()
	require.NoError(t, ledger.RecordResult("run-1", "metric", errs.New(errs.IOError, "boom")))
	ok, err := ledger.AlreadySucceeded("run-1", "metric")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.RecordResult("run-1", "metric", nil))
	ok, err = ledger.AlreadySucceeded("run-1", "metric")
	require.NoError(t, err)
	assert.True(t, ok)
}
