package executor

import (
	"context"
	"runtime"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/snowingwolf/waveflow/internal/errs"
)

// Profile is a named workload characteristic: I/O-bound work wants many
// lightweight workers, CPU-bound work wants roughly one worker per core.
type Profile string

const (
	IOIntensive   Profile = "io_intensive"
	CPUIntensive  Profile = "cpu_intensive"
	LargeData     Profile = "large_data"
	SmallData     Profile = "small_data"
)

// ProfileSpec declares a profile's worker bounds and default queue size.
type ProfileSpec struct {
	MinWorkers int
	MaxWorkers int
	QueueSize  int
}

func defaultProfiles() map[Profile]ProfileSpec {
	cores := runtime.NumCPU()
	return map[Profile]ProfileSpec{
		IOIntensive:  {MinWorkers: 4, MaxWorkers: 64, QueueSize: 256},
		CPUIntensive: {MinWorkers: 1, MaxWorkers: cores, QueueSize: 64},
		LargeData:    {MinWorkers: 1, MaxWorkers: maxInt(cores/2, 1), QueueSize: 16},
		SmallData:    {MinWorkers: 2, MaxWorkers: cores * 2, QueueSize: 512},
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// handle is a reference-counted, profile-keyed pool.
type handle struct {
	pool     *Pool
	refCount int
	spec     ProfileSpec
}

// Manager is the process-wide singleton registry of profile-keyed pools. It
// is constructed once via sync.Once and never reinitialized.
type Manager struct {
	mu       sync.Mutex
	handles  map[Profile]*handle
	profiles map[Profile]ProfileSpec
	balancer *LoadBalancer
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// GetManager returns the process-wide Manager, constructing it exactly once
// on first call via sync.Once.
func GetManager() *Manager {
	managerOnce.Do(func() {
		manager = &Manager{
			handles:  make(map[Profile]*handle),
			profiles: defaultProfiles(),
		}
	})
	return manager
}

// ConfigureProfile overrides the default ProfileSpec for p. Must be called
// before the profile's first GetExecutor.
func (m *Manager) ConfigureProfile(p Profile, spec ProfileSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p] = spec
}

// EnableLoadBalancer attaches a dynamic load balancer sampling utilization
// to adjust active worker counts within each profile's declared bounds.
func (m *Manager) EnableLoadBalancer(lb *LoadBalancer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balancer = lb
}

// Handle is a guarded reference to a profile's pool; callers must call
// Release when done.
type Handle struct {
	manager *Manager
	profile Profile
	Pool    *Pool
}

// GetExecutor returns a reference-counted handle to profile's pool,
// starting it if this is the first acquisition.
func (m *Manager) GetExecutor(ctx context.Context, profile Profile) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[profile]
	if !ok {
		spec, ok := m.profiles[profile]
		if !ok {
			return nil, errs.New(errs.ConfigError, "unknown executor profile: "+string(profile))
		}
		maxWorkers := spec.MaxWorkers
		if m.balancer != nil {
			maxWorkers = m.balancer.Suggest(spec, 0)
			log.Debug().Str("profile", string(profile)).Int("max_workers", maxWorkers).Msg("load balancer sized new pool")
		}
		pool := NewPool(PoolConfig{Name: string(profile), MaxWorkers: maxWorkers, QueueSize: spec.QueueSize})
		pool.Start(ctx)
		h = &handle{pool: pool, spec: spec}
		m.handles[profile] = h
	}
	h.refCount++

	return &Handle{manager: m, profile: profile, Pool: h.pool}, nil
}

// Release decrements the handle's reference count, stopping the underlying
// pool once it reaches zero. Release never blocks: the pool's Stop (which
// waits for its running tasks) runs in a background goroutine whatever the
// value of wait.
func (h *Handle) Release(wait bool) {
	m := h.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	hd, ok := m.handles[h.profile]
	if !ok {
		return
	}
	hd.refCount--
	if hd.refCount <= 0 {
		delete(m.handles, h.profile)
		go hd.pool.Stop()
	}
}

// funcTask wraps a plain function as a Task for ParallelMap/ParallelApply.
type funcTask struct {
	id string
	fn func(ctx context.Context) error
}

func (t *funcTask) Execute(ctx context.Context) error { return t.fn(ctx) }
func (t *funcTask) ID() string                        { return t.id }

// ParallelMap applies fn to every element of items using profile's pool,
// preserving input order in the result and propagating the first
// encountered error after cancelling remaining in-flight work.
func ParallelMap[T any, R any](ctx context.Context, m *Manager, profile Profile, items []T, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	handle, err := m.GetExecutor(ctx, profile)
	if err != nil {
		return nil, err
	}
	defer handle.Release(true)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]R, len(items))
	errCh := make(chan error, len(items))
	var once sync.Once
	var firstErr error

	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		task := &funcTask{id: strconv.Itoa(i), fn: func(ctx context.Context) error {
			defer wg.Done()
			r, err := fn(runCtx, item)
			if err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
				errCh <- err
				return err
			}
			results[i] = r
			return nil
		}}

		if err := handle.Pool.SubmitWait(runCtx, task); err != nil {
			wg.Done()
			once.Do(func() {
				firstErr = err
				cancel()
			})
			break
		}
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// ParallelApply applies fn to every row of a dataframe-like slice of
// records, returning the per-row results, using the same ordering and
// error-propagation semantics as ParallelMap.
func ParallelApply[T any, R any](ctx context.Context, m *Manager, profile Profile, rows []T, fn func(ctx context.Context, row T) (R, error)) ([]R, error) {
	return ParallelMap(ctx, m, profile, rows, fn)
}

// LoadBalancer samples CPU/memory utilization to suggest a worker count
// within [MinWorkers, MaxWorkers] for a profile. Adjustment is advisory:
// callers (the Manager) may use Suggest to resize a pool between
// submissions; pools do not resize mid-flight.
type LoadBalancer struct {
	SampleFn func() (cpuPercent, memPercent float64)
	// Thresholds above which the balancer favors fewer workers.
	CPUHighWatermark float64
	MemHighWatermark float64
}

// NewLoadBalancer constructs a LoadBalancer with reasonable default
// watermarks (80% CPU, 85% memory) and a runtime.NumGoroutine()-derived
// default sampler when none is supplied.
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{
		CPUHighWatermark: 0.8,
		MemHighWatermark: 0.85,
		SampleFn:         defaultSample,
	}
}

// defaultSample approximates utilization without an external metrics
// dependency: goroutine count against a per-core budget stands in for CPU
// pressure, and heap-in-use against the Go runtime's current Sys footprint
// stands in for memory pressure. Both are clamped to [0, 1].
func defaultSample() (cpuPercent, memPercent float64) {
	cores := runtime.NumCPU()
	goroutineBudget := cores * 100
	cpuPercent = float64(runtime.NumGoroutine()) / float64(goroutineBudget)
	if cpuPercent > 1 {
		cpuPercent = 1
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.Sys > 0 {
		memPercent = float64(mem.HeapAlloc) / float64(mem.Sys)
	}
	if memPercent > 1 {
		memPercent = 1
	}
	return cpuPercent, memPercent
}

// Suggest returns a worker count within spec's bounds. While CPU and memory
// are both below their watermarks it returns MaxWorkers; otherwise it
// reduces toward MinWorkers in proportion to how far the mean of the two
// watermark-relative ratios exceeds 1, reaching MinWorkers at a mean of 2.
func (lb *LoadBalancer) Suggest(spec ProfileSpec, estimatedTaskSize int64) int {
	cpu, mem := lb.SampleFn()
	if cpu < lb.CPUHighWatermark && mem < lb.MemHighWatermark {
		return spec.MaxWorkers
	}

	load := (cpu/lb.CPUHighWatermark + mem/lb.MemHighWatermark) / 2
	if load > 2 {
		load = 2
	}
	scaled := spec.MaxWorkers - int(float64(spec.MaxWorkers-spec.MinWorkers)*(load-1))
	if scaled < spec.MinWorkers {
		scaled = spec.MinWorkers
	}
	if scaled > spec.MaxWorkers {
		scaled = spec.MaxWorkers
	}

	log.Debug().Float64("cpu", cpu).Float64("mem", mem).Int("suggested_workers", scaled).Msg("load balancer suggestion")
	return scaled
}
