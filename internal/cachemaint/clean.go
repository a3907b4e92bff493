package cachemaint

import (
	"sort"
	"time"

	"github.com/snowingwolf/waveflow/internal/storage"
)

// Strategy names one cleanup selection policy.
type Strategy string

const (
	StrategyLRU             Strategy = "LRU"
	StrategyOldest          Strategy = "OLDEST"
	StrategyLargest         Strategy = "LARGEST"
	StrategyVersionMismatch Strategy = "VERSION_MISMATCH"
	StrategyFailedIntegrity Strategy = "FAILED_INTEGRITY"
	StrategyByRun           Strategy = "BY_RUN"
	StrategyByDataType      Strategy = "BY_DATA_TYPE"
)

// CleanupOptions parameterizes a cleanup plan.
type CleanupOptions struct {
	Strategy       Strategy
	TargetSizeMB   int64 // LRU/OLDEST/LARGEST: stop once under this total
	MaxEntries     int   // LRU/OLDEST/LARGEST: stop once entry count is at or below this
	KeepRecentDays int   // never select entries newer than this many days
	RunID          string
	DataName       string
}

// CleanupPlan is the result of PlanCleanup: the entries selected for
// removal and the projected space reclaimed. Always produced for
// inspection; Cleaner.Execute actually deletes.
type CleanupPlan struct {
	Strategy      Strategy
	Selected      []Entry
	ReclaimedBytes int64
}

// Cleaner selects and (optionally) deletes cache entries per a Strategy.
type Cleaner struct {
	analyzer    *Analyzer
	diagnostics *Diagnostics
	store       *storage.Store
}

// NewCleaner constructs a Cleaner sharing analyzer's index.
func NewCleaner(analyzer *Analyzer, diagnostics *Diagnostics, store *storage.Store) *Cleaner {
	return &Cleaner{analyzer: analyzer, diagnostics: diagnostics, store: store}
}

// PlanCleanup selects entries for removal per opts.Strategy without
// deleting anything.
func (c *Cleaner) PlanCleanup(opts CleanupOptions) (*CleanupPlan, error) {
	entries := c.analyzer.Entries()
	entries = filterScope(entries, opts.RunID, opts.DataName)

	cutoff := time.Time{}
	if opts.KeepRecentDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -opts.KeepRecentDays)
	}
	eligible := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !cutoff.IsZero() && e.ModTime.After(cutoff) {
			continue
		}
		eligible = append(eligible, e)
	}

	var selected []Entry
	switch opts.Strategy {
	case StrategyLRU, StrategyOldest:
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].ModTime.Before(eligible[j].ModTime) })
		selected = selectBySizeOrCount(eligible, opts.TargetSizeMB, opts.MaxEntries)
	case StrategyLargest:
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].SizeBytes > eligible[j].SizeBytes })
		selected = selectBySizeOrCount(eligible, opts.TargetSizeMB, opts.MaxEntries)
	case StrategyVersionMismatch:
		for _, e := range eligible {
			if e.Meta == nil || e.Meta.StorageVersion != storage.CurrentStorageVersion {
				selected = append(selected, e)
			}
		}
	case StrategyFailedIntegrity:
		issues, err := c.diagnostics.Diagnose(opts.RunID, true)
		if err != nil {
			return nil, err
		}
		bad := make(map[string]bool)
		for _, issue := range issues {
			if issue.Kind == IssueChecksumFailure || issue.Kind == IssueSizeMismatch || issue.Kind == IssueMissingMetadata {
				bad[issue.Key] = true
			}
		}
		for _, e := range eligible {
			if bad[e.Key] {
				selected = append(selected, e)
			}
		}
	case StrategyByRun:
		for _, e := range eligible {
			if e.RunID == opts.RunID {
				selected = append(selected, e)
			}
		}
	case StrategyByDataType:
		for _, e := range eligible {
			if e.DataName == opts.DataName {
				selected = append(selected, e)
			}
		}
	default:
		selected = nil
	}

	var reclaimed int64
	for _, e := range selected {
		reclaimed += e.SizeBytes
	}

	return &CleanupPlan{Strategy: opts.Strategy, Selected: selected, ReclaimedBytes: reclaimed}, nil
}

// Execute deletes every entry in plan. Callers should inspect a dry-run
// plan before calling this, per the seven strategies' default dry_run=true
// policy.
func (c *Cleaner) Execute(plan *CleanupPlan) error {
	for _, e := range plan.Selected {
		if err := c.store.Delete(e.Key); err != nil {
			return err
		}
	}
	return nil
}

func filterScope(entries []Entry, runID, dataName string) []Entry {
	if runID == "" && dataName == "" {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if runID != "" && e.RunID != runID {
			continue
		}
		if dataName != "" && e.DataName != dataName {
			continue
		}
		out = append(out, e)
	}
	return out
}

// selectBySizeOrCount walks entries in the order given (already sorted by
// the caller's chosen policy) and selects a prefix to delete until either
// the remaining total size is at or below targetSizeMB or the remaining
// count is at or below maxEntries, whichever constraint is configured.
func selectBySizeOrCount(entries []Entry, targetSizeMB int64, maxEntries int) []Entry {
	if targetSizeMB <= 0 && maxEntries <= 0 {
		return entries
	}

	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}

	targetBytes := targetSizeMB * 1024 * 1024
	var selected []Entry
	remaining := len(entries)
	for _, e := range entries {
		sizeOK := targetSizeMB <= 0 || total <= targetBytes
		countOK := maxEntries <= 0 || remaining <= maxEntries
		if sizeOK && countOK {
			break
		}
		selected = append(selected, e)
		total -= e.SizeBytes
		remaining--
	}
	return selected
}
