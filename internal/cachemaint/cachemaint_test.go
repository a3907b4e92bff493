package cachemaint

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowingwolf/waveflow/internal/plugin"
	"github.com/snowingwolf/waveflow/internal/storage"
)

// stubSource is a minimal plugin.Source fixture, just enough to register a
// Provides name and Version for the diagnostics registry-lookup path.
type stubSource struct {
	name    string
	version string
}

func (s *stubSource) Info() plugin.Info {
	return plugin.Info{Provides: s.name, Version: s.version, OutputKind: plugin.Static}
}

func (s *stubSource) Compute(ctx context.Context, rc plugin.RunContext, runID string, opts plugin.ResolvedOptions) (interface{}, error) {
	return []storage.Row{}, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestScanIndexesArtifacts(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", []byte("abc"), nil, storage.Metadata{Count: 1, RecordSize: 3}))
	require.NoError(t, store.Save("run-1/_cache/filtered-bbbb2222", []byte("de"), nil, storage.Metadata{Count: 1, RecordSize: 2}))

	analyzer := NewAnalyzer(store)
	entries, err := analyzer.Scan(false)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.DataName] = true
		assert.Equal(t, "run-1", e.RunID)
	}
	assert.True(t, names["raw"])
	assert.True(t, names["filtered"])
}

func TestScanIncrementalSkipsIndexedEntries(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", []byte("abc"), nil, storage.Metadata{Count: 1, RecordSize: 3}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	require.NoError(t, store.Save("run-1/_cache/filtered-bbbb2222", []byte("de"), nil, storage.Metadata{Count: 1, RecordSize: 2}))

	entries, err := analyzer.Scan(false)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDiagnoseFlagsSizeMismatch(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", []byte("abc"), nil, storage.Metadata{Count: 5, RecordSize: 3}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	diagnostics := NewDiagnostics(analyzer, store, nil)
	issues, err := diagnostics.Diagnose("", true)
	require.NoError(t, err)

	var found bool
	for _, issue := range issues {
		if issue.Kind == IssueSizeMismatch {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDiagnoseFlagsOrphanFile(t *testing.T) {
	store := newTestStore(t)
	key := "run-1/_cache/raw-aaaa1111"
	require.NoError(t, store.Save(key, []byte("abc"), nil, storage.Metadata{Count: 1, RecordSize: 3}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	// Delete the files out-of-band; the analyzer's index still holds the
	// stale entry since scans are incremental.
	require.NoError(t, store.Delete(key))

	diagnostics := NewDiagnostics(analyzer, store, nil)
	issues, err := diagnostics.Diagnose("", true)
	require.NoError(t, err)

	var found bool
	for _, issue := range issues {
		if issue.Kind == IssueOrphanFile {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDiagnoseFlagsPluginVersionMismatch(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", []byte("a"), nil, storage.Metadata{Count: 1, RecordSize: 1, PluginVersion: "1.0.0"}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(&stubSource{name: "raw", version: "2.0.0"}, false))

	diagnostics := NewDiagnostics(analyzer, store, registry)
	issues, err := diagnostics.Diagnose("", true)
	require.NoError(t, err)

	var found bool
	for _, issue := range issues {
		if issue.Kind == IssueVersionMismatch {
			found = true
			assert.Contains(t, issue.Message, "1.0.0")
			assert.Contains(t, issue.Message, "2.0.0")
		}
	}
	assert.True(t, found)
}

func TestDiagnoseSkipsPluginVersionCheckWhenRegistryAbsent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", []byte("a"), nil, storage.Metadata{Count: 1, RecordSize: 1, PluginVersion: "1.0.0"}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	diagnostics := NewDiagnostics(analyzer, store, nil)
	issues, err := diagnostics.Diagnose("", true)
	require.NoError(t, err)

	for _, issue := range issues {
		assert.NotEqual(t, IssueVersionMismatch, issue.Kind)
	}
}

func TestCleanerLRUSelectsOldestFirst(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", make([]byte, 100), nil, storage.Metadata{Count: 1, RecordSize: 100}))
	require.NoError(t, store.Save("run-1/_cache/filtered-bbbb2222", make([]byte, 100), nil, storage.Metadata{Count: 1, RecordSize: 100}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	entries := analyzer.Entries()
	require.Len(t, entries, 2)

	diagnostics := NewDiagnostics(analyzer, store, nil)
	cleaner := NewCleaner(analyzer, diagnostics, store)

	plan, err := cleaner.PlanCleanup(CleanupOptions{
		Strategy:   StrategyLRU,
		MaxEntries: 1,
	})
	require.NoError(t, err)
	require.Len(t, plan.Selected, 1)
	assert.Equal(t, int64(100), plan.ReclaimedBytes)

	// the selected entry is never newer than the one left behind
	for _, e := range entries {
		if e.Key != plan.Selected[0].Key {
			assert.False(t, e.ModTime.Before(plan.Selected[0].ModTime))
		}
	}
}

func TestCleanerByRunFiltersScope(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", []byte("a"), nil, storage.Metadata{Count: 1, RecordSize: 1}))
	require.NoError(t, store.Save("run-2/_cache/raw-bbbb2222", []byte("b"), nil, storage.Metadata{Count: 1, RecordSize: 1}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	diagnostics := NewDiagnostics(analyzer, store, nil)
	cleaner := NewCleaner(analyzer, diagnostics, store)

	plan, err := cleaner.PlanCleanup(CleanupOptions{Strategy: StrategyByRun, RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, plan.Selected, 1)
	assert.Equal(t, "run-1", plan.Selected[0].RunID)
}

func TestCleanerExecuteDeletesSelected(t *testing.T) {
	store := newTestStore(t)
	key := "run-1/_cache/raw-aaaa1111"
	require.NoError(t, store.Save(key, []byte("a"), nil, storage.Metadata{Count: 1, RecordSize: 1}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	diagnostics := NewDiagnostics(analyzer, store, nil)
	cleaner := NewCleaner(analyzer, diagnostics, store)

	plan, err := cleaner.PlanCleanup(CleanupOptions{Strategy: StrategyByRun, RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, plan.Selected, 1)

	require.NoError(t, cleaner.Execute(plan))
	assert.False(t, store.Exists(key))
}

func TestCleanupPlanIsDryRunByDefault(t *testing.T) {
	store := newTestStore(t)
	key := "run-1/_cache/raw-aaaa1111"
	require.NoError(t, store.Save(key, []byte("a"), nil, storage.Metadata{Count: 1, RecordSize: 1}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	diagnostics := NewDiagnostics(analyzer, store, nil)
	cleaner := NewCleaner(analyzer, diagnostics, store)

	_, err = cleaner.PlanCleanup(CleanupOptions{Strategy: StrategyByRun, RunID: "run-1"})
	require.NoError(t, err)

	assert.True(t, store.Exists(key))
}

func TestStatsCollectorAggregates(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", make([]byte, 10), nil, storage.Metadata{Count: 1, RecordSize: 10}))
	require.NoError(t, store.Save("run-2/_cache/raw-bbbb2222", make([]byte, 20), nil, storage.Metadata{Count: 1, RecordSize: 20}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	stats := NewStatsCollector(analyzer).Collect()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, int64(30), stats.TotalSizeBytes)
	assert.Equal(t, 2, stats.PerDataType["raw"].Entries)
	assert.Equal(t, int64(30), stats.PerDataType["raw"].SizeBytes)
	assert.NotEmpty(t, stats.TotalSizeHuman)
}

func TestWriteCSVSortedByName(t *testing.T) {
	stats := Stats{
		PerDataType: map[string]TypeStats{
			"zeta":  {Entries: 1, SizeBytes: 10},
			"alpha": {Entries: 2, SizeBytes: 20},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, stats))

	r := csv.NewReader(&buf)
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + 2 rows
	assert.Equal(t, "alpha", records[1][0])
	assert.Equal(t, "zeta", records[2][0])
}

func TestWriteJSONRoundTrips(t *testing.T) {
	stats := Stats{TotalEntries: 3, TotalSizeBytes: 42}
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, stats))
	assert.Contains(t, buf.String(), `"total_entries": 3`)
}

func TestKeepRecentDaysExcludesNewEntries(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("run-1/_cache/raw-aaaa1111", []byte("a"), nil, storage.Metadata{Count: 1, RecordSize: 1}))

	analyzer := NewAnalyzer(store)
	_, err := analyzer.Scan(false)
	require.NoError(t, err)

	diagnostics := NewDiagnostics(analyzer, store, nil)
	cleaner := NewCleaner(analyzer, diagnostics, store)

	plan, err := cleaner.PlanCleanup(CleanupOptions{
		Strategy:       StrategyLRU,
		MaxEntries:     0,
		KeepRecentDays: 7,
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Selected)

	_ = time.Now()
}
