// Package metrics exposes Prometheus collectors for cache hit/miss rates,
// executor pool utilization, and storage read/write latency.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snowingwolf/waveflow/internal/executor"
	"github.com/snowingwolf/waveflow/internal/scheduler"
)

// Collectors bundles every metric this package registers, so callers can
// register them once against a single prometheus.Registerer.
type Collectors struct {
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheWrites      prometheus.Counter
	StorageReadTime   prometheus.Histogram
	StorageWriteTime  prometheus.Histogram
	ExecutorActive    *prometheus.GaugeVec
}

// NewCollectors constructs the collector set, unregistered.
func NewCollectors() *Collectors {
	return &Collectors{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waveflow", Subsystem: "cache", Name: "hits_total",
			Help: "Number of get_data calls satisfied from memory or disk cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waveflow", Subsystem: "cache", Name: "misses_total",
			Help: "Number of get_data calls that required recomputation.",
		}),
		CacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waveflow", Subsystem: "cache", Name: "writes_total",
			Help: "Number of artifacts written to the storage backend.",
		}),
		StorageReadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "waveflow", Subsystem: "storage", Name: "read_seconds",
			Help: "Time spent loading one artifact.", Buckets: prometheus.DefBuckets,
		}),
		StorageWriteTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "waveflow", Subsystem: "storage", Name: "write_seconds",
			Help: "Time spent saving one artifact.", Buckets: prometheus.DefBuckets,
		}),
		ExecutorActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "waveflow", Subsystem: "executor", Name: "active_workers",
			Help: "Active worker goroutines per executor profile.",
		}, []string{"profile"}),
	}
}

// Register registers every collector against reg.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{c.CacheHits, c.CacheMisses, c.CacheWrites, c.StorageReadTime, c.StorageWriteTime, c.ExecutorActive} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// OnCacheEvent adapts scheduler cache events into counter increments,
// suitable for wiring into scheduler.Scheduler.OnCacheEvent.
func (c *Collectors) OnCacheEvent(ev scheduler.CacheEvent) {
	switch ev.Kind {
	case "hit_memory", "hit_disk":
		c.CacheHits.Inc()
	case "miss":
		c.CacheMisses.Inc()
	case "written":
		c.CacheWrites.Inc()
	}
}

// ObserveStorageRead records how long one artifact load took.
func (c *Collectors) ObserveStorageRead(d time.Duration) {
	c.StorageReadTime.Observe(d.Seconds())
}

// ObserveStorageWrite records how long one artifact save took.
func (c *Collectors) ObserveStorageWrite(d time.Duration) {
	c.StorageWriteTime.Observe(d.Seconds())
}

// SampleExecutor polls mgr's active worker counts per profile and updates
// the corresponding gauge. Intended to be called periodically (e.g. from a
// cachemaint-style background ticker).
func (c *Collectors) SampleExecutor(ctx context.Context, mgr *executor.Manager, profiles []executor.Profile) {
	for _, p := range profiles {
		handle, err := mgr.GetExecutor(ctx, p)
		if err != nil {
			continue
		}
		c.ExecutorActive.WithLabelValues(string(p)).Set(float64(handle.Pool.ActiveWorkers()))
		handle.Release(false)
	}
}
