// Package cachemaint implements the cache maintenance tools: an incremental
// artifact scanner, a diagnostics pass, a cleanup planner with seven
// strategies, and a stats collector exporting JSON or CSV.
package cachemaint

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/storage"
)

// Entry is one indexed artifact: its cache key plus the metadata and file
// stats the scanner observed.
type Entry struct {
	RunID      string
	DataName   string
	HashPrefix string
	Key        string
	Meta       *storage.Metadata
	SizeBytes  int64
	ModTime    time.Time
}

// Analyzer walks the storage root and indexes every artifact. Scans are
// incremental by default: previously indexed entries are kept unless
// ForceRefresh is requested, avoiding a full re-stat of every artifact on
// every maintenance tick.
type Analyzer struct {
	store *storage.Store

	mu      sync.Mutex
	entries map[string]Entry // keyed by Key
}

// NewAnalyzer constructs an Analyzer over store.
func NewAnalyzer(store *storage.Store) *Analyzer {
	return &Analyzer{store: store, entries: make(map[string]Entry)}
}

// Scan walks the storage root and refreshes the entry index. If
// forceRefresh is false, entries already indexed are kept as they are: new
// artifacts are added, but changed files are not re-read and entries whose
// files have been removed stay in the index (Diagnostics reports those as
// orphans). A forced refresh rebuilds the index from scratch.
func (a *Analyzer) Scan(forceRefresh bool) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if forceRefresh {
		a.entries = make(map[string]Entry)
	}

	err := filepath.Walk(a.store.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // tolerate transient stat errors mid-scan
		}
		if info.IsDir() || !strings.HasSuffix(path, ".bin") {
			return nil
		}

		rel, err := filepath.Rel(a.store.Root, path)
		if err != nil {
			return nil
		}
		parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[1], "_cache/") {
			return nil // not a cache artifact (e.g. a side-effect file)
		}
		runID := parts[0]
		stem := strings.TrimSuffix(strings.TrimPrefix(parts[1], "_cache/"), ".bin")
		idx := strings.LastIndex(stem, "-")
		if idx < 0 {
			return nil
		}
		dataName, hashPrefix := stem[:idx], stem[idx+1:]
		key := runID + "/_cache/" + stem

		if !forceRefresh {
			if _, ok := a.entries[key]; ok {
				return nil
			}
		}

		meta, _ := a.store.LoadMetadata(key)
		a.entries[key] = Entry{
			RunID:      runID,
			DataName:   dataName,
			HashPrefix: hashPrefix,
			Key:        key,
			Meta:       meta,
			SizeBytes:  info.Size(),
			ModTime:    info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "scanning storage root", err)
	}

	out := make([]Entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	return out, nil
}

// Entries returns the currently indexed entries without rescanning.
func (a *Analyzer) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	return out
}
