package background

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowingwolf/waveflow/internal/cachemaint"
	"github.com/snowingwolf/waveflow/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestGenerateLockIDIsDeterministic(t *testing.T) {
	a := GenerateLockID("cache-maintenance")
	b := GenerateLockID("cache-maintenance")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, GenerateLockID("other-task"))
	assert.GreaterOrEqual(t, a, int64(0))
}

func TestMaintenanceSweepByRunWithoutRunIDKeepsArtifact(t *testing.T) {
	store := newTestStore(t)
	key := "run-1/_cache/raw-aaaa1111"
	require.NoError(t, store.Save(key, []byte("a"), nil, storage.Metadata{Count: 1, RecordSize: 1}))

	analyzer := cachemaint.NewAnalyzer(store)
	diagnostics := cachemaint.NewDiagnostics(analyzer, store, nil)
	cleaner := cachemaint.NewCleaner(analyzer, diagnostics, store)

	sweep := NewMaintenanceSweep(analyzer, cleaner, MaintenanceConfig{
		Strategy:   cachemaint.StrategyByRun,
		TargetSizeMB: 0,
	})

	// StrategyByRun with no RunID selects nothing, so the sweep must finish
	// without error and leave the artifact in place.
	require.NoError(t, sweep(context.Background()))
	assert.True(t, store.Exists(key))
}

func TestMaintenanceSweepNoOpWhenNothingToReclaim(t *testing.T) {
	store := newTestStore(t)
	analyzer := cachemaint.NewAnalyzer(store)
	diagnostics := cachemaint.NewDiagnostics(analyzer, store, nil)
	cleaner := cachemaint.NewCleaner(analyzer, diagnostics, store)

	sweep := NewMaintenanceSweep(analyzer, cleaner, MaintenanceConfig{Strategy: cachemaint.StrategyLRU})
	assert.NoError(t, sweep(context.Background()))
}

func TestStartMaintenanceTickerByRunWithoutRunIDKeepsArtifact(t *testing.T) {
	store := newTestStore(t)
	key := "run-1/_cache/raw-aaaa1111"
	require.NoError(t, store.Save(key, []byte("a"), nil, storage.Metadata{Count: 1, RecordSize: 1}))

	analyzer := cachemaint.NewAnalyzer(store)
	diagnostics := cachemaint.NewDiagnostics(analyzer, store, nil)
	cleaner := cachemaint.NewCleaner(analyzer, diagnostics, store)

	stop := StartMaintenance(context.Background(), analyzer, cleaner, MaintenanceConfig{
		Interval: 10 * time.Millisecond,
		Strategy: cachemaint.StrategyByRun,
	})
	defer stop()

	// StrategyByRun without a RunID selects no entries, so the artifact
	// must survive even after several ticks.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, store.Exists(key))
}

func TestStartMaintenanceStopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	analyzer := cachemaint.NewAnalyzer(store)
	diagnostics := cachemaint.NewDiagnostics(analyzer, store, nil)
	cleaner := cachemaint.NewCleaner(analyzer, diagnostics, store)

	stop := StartMaintenance(context.Background(), analyzer, cleaner, MaintenanceConfig{
		Interval: time.Hour,
		Strategy: cachemaint.StrategyLRU,
	})

	assert.NotPanics(t, func() {
		stop()
		stop()
	})
}

func TestStartMaintenanceInvalidCronExprDisablesSweep(t *testing.T) {
	store := newTestStore(t)
	analyzer := cachemaint.NewAnalyzer(store)
	diagnostics := cachemaint.NewDiagnostics(analyzer, store, nil)
	cleaner := cachemaint.NewCleaner(analyzer, diagnostics, store)

	stop := StartMaintenance(context.Background(), analyzer, cleaner, MaintenanceConfig{
		CronExpr: "not a cron expression",
		Strategy: cachemaint.StrategyLRU,
	})
	assert.NotPanics(t, stop)
}
