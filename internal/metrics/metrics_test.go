package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowingwolf/waveflow/internal/executor"
	"github.com/snowingwolf/waveflow/internal/scheduler"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m io_prometheus_client.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewCollectorsRegistersCleanly(t *testing.T) {
	c := NewCollectors()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	// registering the same collectors against the same registry twice must
	// fail, proving Register actually registered them the first time.
	assert.Error(t, c.Register(reg))
}

func TestOnCacheEventIncrementsWritesOnly(t *testing.T) {
	c := NewCollectors()

	c.OnCacheEvent(scheduler.CacheEvent{Kind: "written"})
	assert.Equal(t, float64(1), counterValue(t, c.CacheWrites))

	c.OnCacheEvent(scheduler.CacheEvent{Kind: "read"})
	assert.Equal(t, float64(1), counterValue(t, c.CacheWrites))
	assert.Equal(t, float64(0), counterValue(t, c.CacheHits))
}

func TestOnCacheEventIncrementsHitsForMemoryAndDisk(t *testing.T) {
	c := NewCollectors()

	c.OnCacheEvent(scheduler.CacheEvent{Kind: "hit_memory"})
	c.OnCacheEvent(scheduler.CacheEvent{Kind: "hit_disk"})

	assert.Equal(t, float64(2), counterValue(t, c.CacheHits))
	assert.Equal(t, float64(0), counterValue(t, c.CacheMisses))
}

func TestOnCacheEventIncrementsMisses(t *testing.T) {
	c := NewCollectors()

	c.OnCacheEvent(scheduler.CacheEvent{Kind: "miss"})

	assert.Equal(t, float64(1), counterValue(t, c.CacheMisses))
	assert.Equal(t, float64(0), counterValue(t, c.CacheHits))
}

func TestObserveStorageTimingsRecordSamples(t *testing.T) {
	c := NewCollectors()
	c.ObserveStorageRead(10 * time.Millisecond)
	c.ObserveStorageWrite(20 * time.Millisecond)

	var readMetric io_prometheus_client.Metric
	require.NoError(t, c.StorageReadTime.Write(&readMetric))
	assert.Equal(t, uint64(1), readMetric.GetHistogram().GetSampleCount())

	var writeMetric io_prometheus_client.Metric
	require.NoError(t, c.StorageWriteTime.Write(&writeMetric))
	assert.Equal(t, uint64(1), writeMetric.GetHistogram().GetSampleCount())
}

func TestSampleExecutorSetsGaugePerProfile(t *testing.T) {
	c := NewCollectors()
	mgr := executor.GetManager()

	c.SampleExecutor(context.Background(), mgr, []executor.Profile{executor.IOIntensive})

	gauge, err := c.ExecutorActive.GetMetricWithLabelValues(string(executor.IOIntensive))
	require.NoError(t, err)

	var m io_prometheus_client.Metric
	require.NoError(t, gauge.Write(&m))
	assert.GreaterOrEqual(t, m.GetGauge().GetValue(), float64(0))
}

func TestSampleExecutorSkipsUnknownProfile(t *testing.T) {
	c := NewCollectors()
	mgr := executor.GetManager()

	assert.NotPanics(t, func() {
		c.SampleExecutor(context.Background(), mgr, []executor.Profile{executor.Profile("does-not-exist")})
	})
}
