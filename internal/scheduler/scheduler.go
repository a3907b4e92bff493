// Package scheduler implements the Context Scheduler: the canonical
// get_data entry point, cache-aware execution planning, and dependency
// analysis.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/snowingwolf/waveflow/internal/configresolve"
	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/executor"
	"github.com/snowingwolf/waveflow/internal/lineage"
	"github.com/snowingwolf/waveflow/internal/plugin"
	"github.com/snowingwolf/waveflow/internal/storage"
)

// Scheduler is the canonical entry point coordinating the plugin registry,
// lineage hashing, configuration resolution, the executor manager, and the
// storage backend.
type Scheduler struct {
	Registry *plugin.Registry
	Store    *storage.Store
	Manager  *executor.Manager

	lineageCache  *lineage.Cache
	hashPrefixLen int

	explicit ExplicitConfigSource
	inferred configresolve.AdapterInferred

	resultsMu sync.RWMutex
	results   map[string]interface{}

	// OnCacheEvent, if set, is invoked on every in-memory hit, disk hit,
	// miss, and artifact write (used by internal/notify and internal/metrics).
	OnCacheEvent func(event CacheEvent)
}

// ExplicitConfigSource supplies the explicit per-plugin and global
// configuration sources the resolver consults.
type ExplicitConfigSource interface {
	Explicit() configresolve.ExplicitConfig
}

// CacheEvent describes a storage state change for optional observers.
type CacheEvent struct {
	Kind    string // "hit_memory" | "hit_disk" | "miss" | "written"
	RunID   string
	Name    string
	Key     string
	Message string
}

// New constructs a Scheduler. hashPrefixLen of 0 uses lineage.HashPrefixLen.
func New(registry *plugin.Registry, store *storage.Store, mgr *executor.Manager, explicit ExplicitConfigSource, inferred configresolve.AdapterInferred, hashPrefixLen int) *Scheduler {
	if hashPrefixLen <= 0 {
		hashPrefixLen = lineage.HashPrefixLen
	}
	return &Scheduler{
		Registry:      registry,
		Store:         store,
		Manager:       mgr,
		lineageCache:  lineage.NewCache(),
		hashPrefixLen: hashPrefixLen,
		explicit:      explicit,
		inferred:      inferred,
		results:       make(map[string]interface{}),
	}
}

// InvalidateLineageCache clears lineage memoization, called after plugin
// registration changes or ambient configuration changes.
func (s *Scheduler) InvalidateLineageCache() {
	s.lineageCache.Invalidate()
}

func resultKey(runID, name string) string { return runID + "/" + name }

func (s *Scheduler) cachedResult(runID, name string) (interface{}, bool) {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	v, ok := s.results[resultKey(runID, name)]
	return v, ok
}

func (s *Scheduler) storeResult(runID, name string, v interface{}) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	s.results[resultKey(runID, name)] = v
}

func (s *Scheduler) emit(ev CacheEvent) {
	if s.OnCacheEvent != nil {
		s.OnCacheEvent(ev)
	}
}

// schedulerRunContext adapts Scheduler to plugin.RunContext for a specific
// run, so Compute implementations can recursively call GetData.
type schedulerRunContext struct {
	s     *Scheduler
	ctx   context.Context
	owner interface{}
}

func (rc *schedulerRunContext) GetData(ctx context.Context, runID, name string) (interface{}, error) {
	return rc.s.getData(ctx, runID, name, rc.owner)
}

func (rc *schedulerRunContext) SideEffectDir(runID, pluginName string) (string, error) {
	return rc.s.Store.SideEffectDir(runID, pluginName)
}

// GetData is the public entry point: compute lineage, consult caches, and
// (re)execute the plugin providing name within runID as needed.
func (s *Scheduler) GetData(ctx context.Context, runID, name string) (interface{}, error) {
	owner := new(int) // unique per top-level call; recursive calls reuse it
	return s.getData(ctx, runID, name, owner)
}

func (s *Scheduler) getData(ctx context.Context, runID, name string, owner interface{}) (interface{}, error) {
	// Step 1: in-memory lookup.
	if v, ok := s.cachedResult(runID, name); ok {
		s.emit(CacheEvent{Kind: "hit_memory", RunID: runID, Name: name})
		return v, nil
	}

	ok, waitErr := s.Registry.Enter(runID, name, owner)
	if !ok {
		if waitErr != nil {
			return nil, waitErr
		}
		// Another goroutine finished the computation; read the now-cached result.
		if v, ok := s.cachedResult(runID, name); ok {
			return v, nil
		}
		return nil, errs.New(errs.IOError, "computation finished but produced no cached result").WithRun(runID).WithPlugin(name)
	}

	var finalErr error
	defer func() { s.Registry.Exit(runID, name, finalErr) }()

	entry, err := s.Registry.Get(name)
	if err != nil {
		finalErr = err
		return nil, err
	}

	// Step 2: lineage and cache-key computation.
	l, key, err := s.lineageAndKey(runID, name)
	if err != nil {
		finalErr = err
		return nil, err
	}

	runCtx := &schedulerRunContext{s: s, ctx: ctx, owner: owner}

	// Step 3: disk lookup.
	if s.Store.Exists(key) {
		meta, err := s.Store.LoadMetadata(key)
		if err == nil {
			currentHash, hashErr := l.Hash()
			if hashErr == nil && metaLineageMatches(meta.Lineage, currentHash) {
				if watchOK := s.watchSignatureMatches(ctx, runCtx, entry.Source, runID, meta.WatchSignature); !watchOK {
					log.Warn().Str("run_id", runID).Str("plugin", name).Msg("watch signature stale on disk artifact, recomputing")
				} else {
					view, meta, err := s.Store.Load(key)
					if err == nil {
						rows, decodeErr := storage.DecodeRows(toFieldDescriptors(entry.Info.OutputSchema), view.Bytes, meta.Count)
						view.Close()
						if decodeErr == nil {
							s.storeResult(runID, name, rows)
							s.emit(CacheEvent{Kind: "hit_disk", RunID: runID, Name: name, Key: key})
							return rows, nil
						}
					}
				}
			} else {
				log.Warn().Str("run_id", runID).Str("plugin", name).Msg("lineage mismatch on disk artifact, recomputing")
			}
		}
	}

	s.emit(CacheEvent{Kind: "miss", RunID: runID, Name: name, Key: key})

	// Step 4: dependency resolution. Static dependencies come from the
	// plugin's declared Info.DependsOn; a plugin may additionally implement
	// DynamicDepends to add dependencies only known once the run's actual
	// inputs (e.g. discovered channels) are inspected.
	deps := entry.Info.DependsOn
	if dyn, ok := entry.Source.(plugin.DynamicDepends); ok {
		extra, err := dyn.ResolveDependsOn(ctx, runCtx, runID)
		if err != nil {
			finalErr = errs.Wrap(errs.DependencyError, "resolving dynamic dependencies", err).WithRun(runID).WithPlugin(name)
			return nil, finalErr
		}
		deps = append(append([]plugin.Dependency{}, deps...), extra...)
	}
	for _, dep := range deps {
		if _, err := s.getData(ctx, runID, dep.Name, owner); err != nil {
			finalErr = errs.Wrap(errs.DependencyError, fmt.Sprintf("resolving dependency %q", dep.Name), err).WithRun(runID).WithPlugin(name)
			return nil, finalErr
		}
	}

	resolver := configresolve.NewResolver(s.explicitFor(name), s.inferred)
	rc, err := resolver.Resolve(entry.Info, entry.Info.Version)
	if err != nil {
		finalErr = err
		return nil, err
	}

	// Step 5: execute.
	value, computeErr := entry.Source.Compute(ctx, runCtx, runID, rc.Options())
	if computeErr != nil {
		if handler, ok := entry.Source.(plugin.ErrorHandler); ok {
			computeErr = handler.OnError(ctx, runCtx, computeErr)
		}
		if cleanup, ok := entry.Source.(plugin.Cleanup); ok {
			_ = cleanup.Cleanup(ctx, runCtx)
		}
		finalErr = errs.Wrap(errs.IOError, "plugin compute failed", computeErr).WithRun(runID).WithPlugin(name)
		return nil, finalErr
	}
	if cleanup, ok := entry.Source.(plugin.Cleanup); ok {
		_ = cleanup.Cleanup(ctx, runCtx)
	}

	// Step 6 & 7: validate and persist (Static only; Stream handled by the
	// caller via StreamGetData, since a stream value is an iterator the
	// scheduler cannot eagerly encode).
	if entry.Info.OutputKind == plugin.Stream {
		s.storeResult(runID, name, value) // one-shot: not re-cached across processes
		return value, nil
	}

	rows, ok := value.([]storage.Row)
	if !ok {
		finalErr = errs.New(errs.SchemaMismatch, fmt.Sprintf("plugin %q returned %T, expected []storage.Row", name, value)).WithRun(runID).WithPlugin(name)
		return nil, finalErr
	}

	schema := toFieldDescriptors(entry.Info.OutputSchema)
	data, err := storage.EncodeRows(schema, rows)
	if err != nil {
		finalErr = errs.Wrap(errs.SchemaMismatch, "encoding plugin output", err).WithRun(runID).WithPlugin(name)
		return nil, finalErr
	}

	recSize, _ := storage.RecordSize(schema)
	hashHex, _ := l.Hash()
	var watchSig string
	if provider, ok := entry.Source.(plugin.LineageProvider); ok {
		watchSig, err = provider.GetLineage(ctx, runCtx, runID)
		if err != nil {
			finalErr = errs.Wrap(errs.IOError, "computing watch signature", err).WithRun(runID).WithPlugin(name)
			return nil, finalErr
		}
	}
	meta := storage.Metadata{
		Lineage:        map[string]interface{}{"hash": hashHex},
		PluginVersion:  entry.Info.Version,
		Count:          int64(len(rows)),
		RecordSize:     recSize,
		TimeUnit:       entry.Info.TimeUnit,
		WatchSignature: watchSig,
	}

	if err := s.Store.Save(key, data, schemaDescriptor(schema), meta); err != nil {
		finalErr = err
		return nil, err
	}

	s.emit(CacheEvent{Kind: "written", RunID: runID, Name: name, Key: key})
	s.storeResult(runID, name, rows)
	return rows, nil
}

func (s *Scheduler) explicitFor(pluginName string) configresolve.ExplicitConfig {
	if s.explicit == nil {
		return configresolve.ExplicitConfig{}
	}
	return s.explicit.Explicit()
}

// buildLineage recursively builds (and memoizes) the Lineage for name and
// every transitive dependency, to arbitrary depth.
func (s *Scheduler) buildLineage(name string) (*lineage.Lineage, error) {
	return s.lineageCache.GetOrBuild(name, func() (*lineage.Lineage, error) {
		entry, err := s.Registry.Get(name)
		if err != nil {
			return nil, err
		}
		resolver := configresolve.NewResolver(s.explicitFor(name), s.inferred)
		rc, err := resolver.Resolve(entry.Info, entry.Info.Version)
		if err != nil {
			return nil, err
		}
		return lineage.Build(entry.Info, rc.TrackedSubset(), s.buildLineage)
	})
}

func (s *Scheduler) lineageAndKey(runID, name string) (*lineage.Lineage, string, error) {
	l, err := s.buildLineage(name)
	if err != nil {
		return nil, "", err
	}
	key, err := s.lineageCache.KeyFor(runID, name, s.hashPrefixLen, func() (*lineage.Lineage, error) { return l, nil })
	if err != nil {
		return nil, "", err
	}
	return l, key, nil
}

// watchSignatureMatches recomputes a plugin's current LineageProvider watch
// signature, if it implements one, and compares it to the one recorded
// against the disk artifact. Plugins without externally-watched inputs never
// implement LineageProvider, so the absence of one is always a match.
func (s *Scheduler) watchSignatureMatches(ctx context.Context, rc plugin.RunContext, source plugin.Source, runID, recorded string) bool {
	provider, ok := source.(plugin.LineageProvider)
	if !ok {
		return true
	}
	current, err := provider.GetLineage(ctx, rc, runID)
	if err != nil {
		log.Warn().Str("run_id", runID).Err(err).Msg("failed to recompute watch signature, treating as stale")
		return false
	}
	return current == recorded
}

func metaLineageMatches(metaLineage map[string]interface{}, currentHash string) bool {
	if metaLineage == nil {
		return false
	}
	h, _ := metaLineage["hash"].(string)
	return h == currentHash
}

func toFieldDescriptors(schema plugin.OutputSchema) []plugin.FieldDescriptor {
	if schema.RecordLayout != nil {
		return schema.RecordLayout
	}
	return schema.ColumnLayout
}

func schemaDescriptor(schema []plugin.FieldDescriptor) interface{} {
	out := make([]map[string]interface{}, len(schema))
	for i, f := range schema {
		out[i] = map[string]interface{}{"name": f.Name, "type": f.GoType, "array_len": f.ArrayLen}
	}
	return out
}
