package plugin

import (
	"fmt"
	"sync"

	"github.com/snowingwolf/waveflow/internal/errs"
)

// RegistryEntry pairs a plugin's static Info with its Source implementation.
type RegistryEntry struct {
	Info   Info
	Source Source
}

// Registry validates plugins on registration, resolves execution order, and
// guards against re-entrant execution of the same (run_id, name) pair.
//
// Generalized from the teacher's flat map[string]*RegistryEntry into a graph
// with recorded depends_on edges, since this domain's plugins form a DAG the
// teacher's ingestion sources never needed to express.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*RegistryEntry

	// resolveMemo and layersMemo cache resolve()/execution_layers() results;
	// invalidated wholesale on any registration change, matching the spec's
	// "execution-plan memoization is invalidated atomically with
	// registration changes".
	resolveMemo map[string][]string
	layersMemo  map[string][][]string

	inFlightMu sync.Mutex
	inFlight   map[string]*inFlightEntry
}

type inFlightEntry struct {
	done chan struct{}
	err  error
	goid interface{} // opaque owner token, compared by identity
}

// NewRegistry constructs an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:     make(map[string]*RegistryEntry),
		resolveMemo: make(map[string][]string),
		layersMemo:  make(map[string][][]string),
		inFlight:    make(map[string]*inFlightEntry),
	}
}

var globalRegistry = NewRegistry()

// GetRegistry returns the process-wide plugin registry singleton.
func GetRegistry() *Registry {
	return globalRegistry
}

// Register adds a plugin to the registry. Deferred dependency validation:
// depends_on names are not required to already be registered, so
// registration order is unconstrained; missing dependencies surface as
// DependencyError at resolve/execution time instead.
func (r *Registry) Register(source Source, allowOverride bool) error {
	info := source.Info()
	if info.Provides == "" {
		return errs.New(errs.ConfigError, "plugin must declare a non-empty provides name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[info.Provides]; exists && !allowOverride {
		return errs.New(errs.ConfigError, fmt.Sprintf("plugin %q already registered", info.Provides))
	}

	r.entries[info.Provides] = &RegistryEntry{Info: info, Source: source}
	r.invalidateMemoLocked()
	return nil
}

// Get returns the registry entry for name.
func (r *Registry) Get(name string) (*RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, errs.New(errs.DependencyError, fmt.Sprintf("plugin %q not registered", name)).WithPlugin(name)
	}
	return entry, nil
}

// List returns the Info of every registered plugin.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Info)
	}
	return out
}

func (r *Registry) invalidateMemoLocked() {
	r.resolveMemo = make(map[string][]string)
	r.layersMemo = make(map[string][][]string)
}

// Resolve returns a topological ordering of name and its transitive
// dependencies, dependencies before dependents, using DFS with
// temporary/permanent marks. Cached after the first call per name.
func (r *Registry) Resolve(name string) ([]string, error) {
	r.mu.RLock()
	if cached, ok := r.resolveMemo[name]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock in case another goroutine populated it.
	if cached, ok := r.resolveMemo[name]; ok {
		return cached, nil
	}

	order := make([]string, 0, len(r.entries))
	temp := make(map[string]bool)
	perm := make(map[string]bool)

	var visit func(n string, path []string) error
	visit = func(n string, path []string) error {
		if perm[n] {
			return nil
		}
		if temp[n] {
			cyclePath := append(append([]string{}, path...), n)
			return errs.New(errs.CycleDetected, fmt.Sprintf("cycle: %v", cyclePath))
		}
		entry, ok := r.entries[n]
		if !ok {
			return errs.New(errs.DependencyError, fmt.Sprintf("unknown dependency %q", n)).WithPlugin(n)
		}

		temp[n] = true
		for _, dep := range entry.Info.DependsOn {
			if err := visit(dep.Name, append(path, n)); err != nil {
				return err
			}
		}
		temp[n] = false
		perm[n] = true
		order = append(order, n)
		return nil
	}

	if err := visit(name, nil); err != nil {
		return nil, err
	}

	r.resolveMemo[name] = order
	return order, nil
}

// ExecutionLayers groups the topological order of name into depth-ordered
// sets: plugins in the same set share no dependency relationship and are
// candidates for parallel execution.
func (r *Registry) ExecutionLayers(name string) ([][]string, error) {
	r.mu.RLock()
	if cached, ok := r.layersMemo[name]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	order, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.layersMemo[name]; ok {
		return cached, nil
	}

	depth := make(map[string]int, len(order))
	for _, n := range order {
		entry := r.entries[n]
		maxDep := -1
		for _, dep := range entry.Info.DependsOn {
			if d, ok := depth[dep.Name]; ok && d > maxDep {
				maxDep = d
			}
		}
		depth[n] = maxDep + 1
	}

	var layers [][]string
	for _, n := range order {
		d := depth[n]
		for len(layers) <= d {
			layers = append(layers, nil)
		}
		layers[d] = append(layers[d], n)
	}

	r.layersMemo[name] = layers
	return layers, nil
}

// Enter registers that goroutine-identity `owner` is about to compute
// (runID, name). If another goroutine already holds the slot it blocks
// until that computation finishes, then returns its error (if any) and
// ok=false, meaning the caller should not compute and should instead read
// the now-completed result. If the *same* owner re-enters, it returns
// ReentrantExecution immediately rather than deadlocking.
func (r *Registry) Enter(runID, name string, owner interface{}) (ok bool, waitErr error) {
	key := runID + "/" + name

	r.inFlightMu.Lock()
	existing, busy := r.inFlight[key]
	if !busy {
		r.inFlight[key] = &inFlightEntry{done: make(chan struct{}), goid: owner}
		r.inFlightMu.Unlock()
		return true, nil
	}
	r.inFlightMu.Unlock()

	if existing.goid == owner {
		return false, errs.New(errs.ReentrantExecution, fmt.Sprintf("re-entrant computation of %s", key)).WithRun(runID).WithPlugin(name)
	}

	<-existing.done
	return false, existing.err
}

// Exit releases the re-entrancy guard slot for (runID, name), recording
// finalErr for any waiters and waking them up. Must be called exactly once
// per successful Enter that returned ok=true, in a defer so it runs on all
// exit paths.
func (r *Registry) Exit(runID, name string, finalErr error) {
	key := runID + "/" + name

	r.inFlightMu.Lock()
	entry, ok := r.inFlight[key]
	if !ok {
		r.inFlightMu.Unlock()
		return
	}
	delete(r.inFlight, key)
	r.inFlightMu.Unlock()

	entry.err = finalErr
	close(entry.done)
}
