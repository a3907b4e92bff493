// Package timerange builds sorted time indices over cached record data and
// answers time-bounded slice queries via binary search, with a small result
// LRU cache keyed by (index key, start, end).
package timerange

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/scheduler"
	"github.com/snowingwolf/waveflow/internal/storage"
)

// Index is a sorted time index over one (run, name[, channel]) artifact:
// parallel slices of time value and the row's position in the artifact.
type Index struct {
	Times      []int64
	RowIndices []int
}

// BuildTimeIndex reads runID/name's cached rows via sched and builds a
// sorted Index, preferring timeField over a "timestamp_ps" fallback column
// when both are present (the raw digitizer timestamp is a poor sort key
// across channel resets; an explicit time field always wins when declared).
func BuildTimeIndex(ctx context.Context, sched *scheduler.Scheduler, runID, name, timeField string) (*Index, error) {
	value, err := sched.GetData(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	rows, ok := value.([]storage.Row)
	if !ok {
		return nil, errs.New(errs.SchemaMismatch, fmt.Sprintf("%q is not a record array, cannot build a time index", name)).WithRun(runID).WithPlugin(name)
	}

	field := timeField
	if field == "" {
		field = "time"
	}
	if len(rows) > 0 {
		if _, ok := rows[0][field]; !ok {
			if _, ok := rows[0]["timestamp_ps"]; ok {
				field = "timestamp_ps"
			}
		}
	}

	idx := &Index{Times: make([]int64, 0, len(rows)), RowIndices: make([]int, 0, len(rows))}
	for i, row := range rows {
		t, err := toInt64(row[field])
		if err != nil {
			return nil, errs.Wrap(errs.SchemaMismatch, fmt.Sprintf("row %d field %q", i, field), err).WithRun(runID).WithPlugin(name)
		}
		idx.Times = append(idx.Times, t)
		idx.RowIndices = append(idx.RowIndices, i)
	}

	sort.Sort(byTime{idx})
	return idx, nil
}

// BuildChannelIndices builds one Index per channel, keyed "name_ch{channel}",
// for multi-channel artifacts carrying a "channel" field.
func BuildChannelIndices(ctx context.Context, sched *scheduler.Scheduler, runID, name, timeField string) (map[string]*Index, error) {
	value, err := sched.GetData(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	rows, ok := value.([]storage.Row)
	if !ok {
		return nil, errs.New(errs.SchemaMismatch, fmt.Sprintf("%q is not a record array", name)).WithRun(runID).WithPlugin(name)
	}

	field := timeField
	if field == "" {
		field = "time"
	}

	byChannel := make(map[string]*Index)
	for i, row := range rows {
		ch, err := toInt64(row["channel"])
		if err != nil {
			return nil, errs.New(errs.SchemaMismatch, "channel indexing requires a channel field").WithRun(runID).WithPlugin(name)
		}
		key := fmt.Sprintf("%s_ch%d", name, ch)
		idx, ok := byChannel[key]
		if !ok {
			idx = &Index{}
			byChannel[key] = idx
		}
		t, err := toInt64(row[field])
		if err != nil {
			return nil, errs.Wrap(errs.SchemaMismatch, fmt.Sprintf("row %d field %q", i, field), err).WithRun(runID).WithPlugin(name)
		}
		idx.Times = append(idx.Times, t)
		idx.RowIndices = append(idx.RowIndices, i)
	}

	for _, idx := range byChannel {
		sort.Sort(byTime{idx})
	}
	return byChannel, nil
}

type byTime struct{ idx *Index }

func (b byTime) Len() int      { return len(b.idx.Times) }
func (b byTime) Swap(i, j int) {
	b.idx.Times[i], b.idx.Times[j] = b.idx.Times[j], b.idx.Times[i]
	b.idx.RowIndices[i], b.idx.RowIndices[j] = b.idx.RowIndices[j], b.idx.RowIndices[i]
}
func (b byTime) Less(i, j int) bool { return b.idx.Times[i] < b.idx.Times[j] }

// Slice returns the row indices whose time falls within [start, end).
func (idx *Index) Slice(start, end int64) []int {
	lo := sort.Search(len(idx.Times), func(i int) bool { return idx.Times[i] >= start })
	hi := sort.Search(len(idx.Times), func(i int) bool { return idx.Times[i] >= end })
	if lo >= hi {
		return nil
	}
	return idx.RowIndices[lo:hi]
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("cannot interpret %T as a time value", v)
	}
}

// queryKey identifies one memoized range query.
type queryKey struct {
	indexKey string
	start    int64
	end      int64
}

// Cache is a small bounded LRU over range-query results, avoiding repeated
// binary searches for the same (index, window) pair within one run.
// Hand-rolled over container/list rather than a pack dependency: no example
// repo imports a standalone LRU cache directly (the one available,
// dgraph-io/ristretto, is only a transitive dependency of the teacher's own
// cache layer, never imported by name in any teacher package).
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[queryKey]*list.Element
}

type cacheEntry struct {
	key   queryKey
	value []int
}

// NewCache constructs a result cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &Cache{capacity: capacity, ll: list.New(), items: make(map[queryKey]*list.Element)}
}

// Get returns a memoized slice for (indexKey, start, end), promoting it to
// most-recently-used.
func (c *Cache) Get(indexKey string, start, end int64) ([]int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := queryKey{indexKey: indexKey, start: start, end: end}
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheEntry).value, true
	}
	return nil, false
}

// Put memoizes value for (indexKey, start, end), evicting the least
// recently used entry if the cache is at capacity.
func (c *Cache) Put(indexKey string, start, end int64, value []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := queryKey{indexKey: indexKey, start: start, end: end}
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).value = value
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, value: value})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// TimeRange resolves runID/name's cached time index (building and caching
// it if absent), and returns the row indices within [start, end), using the
// result cache to skip the binary search on repeat queries.
type TimeRange struct {
	sched     *scheduler.Scheduler
	indices   map[string]*Index
	indicesMu sync.Mutex
	results   *Cache
}

// NewTimeRange constructs a TimeRange query helper over sched.
func NewTimeRange(sched *scheduler.Scheduler) *TimeRange {
	return &TimeRange{sched: sched, indices: make(map[string]*Index), results: NewCache(256)}
}

func (t *TimeRange) indexKey(runID, name, channel string) string {
	if channel == "" {
		return runID + "/" + name
	}
	return runID + "/" + name + "_ch" + channel
}

// Query returns the row indices in [startTime, endTime) for name within
// runID, optionally scoped to one channel.
func (t *TimeRange) Query(ctx context.Context, runID, name string, startTime, endTime int64, channel string) ([]int, error) {
	key := t.indexKey(runID, name, channel)

	if cached, ok := t.results.Get(key, startTime, endTime); ok {
		return cached, nil
	}

	t.indicesMu.Lock()
	idx, ok := t.indices[key]
	t.indicesMu.Unlock()

	if !ok {
		var err error
		if channel == "" {
			idx, err = BuildTimeIndex(ctx, t.sched, runID, name, "")
		} else {
			var byChannel map[string]*Index
			byChannel, err = BuildChannelIndices(ctx, t.sched, runID, name, "")
			if err == nil {
				idx, ok = byChannel[key[len(runID)+1:]]
				if !ok {
					return nil, errs.New(errs.SchemaMismatch, "no such channel: "+channel).WithRun(runID).WithPlugin(name)
				}
			}
		}
		if err != nil {
			return nil, err
		}
		t.indicesMu.Lock()
		t.indices[key] = idx
		t.indicesMu.Unlock()
	}

	result := idx.Slice(startTime, endTime)
	t.results.Put(key, startTime, endTime, result)
	return result, nil
}

// EpochResolver supplies a run's epoch (nanoseconds since the Unix epoch)
// for converting absolute datetime queries into the relative "time" values
// an index is built over. Auto-extraction (from file naming, a CSV header,
// or the first event's timestamp) is an adapter-specific concern left to
// the caller; this package only applies whatever epoch it is given.
type EpochResolver func(runID string) (epochNs int64, err error)

// QueryAbsolute converts start and end, absolute nanoseconds since the Unix
// epoch, into run-relative times by subtracting runID's epoch (from epoch,
// or overrideEpochNs if non-zero) and delegates to Query.
func (t *TimeRange) QueryAbsolute(ctx context.Context, runID, name string, start, end int64, channel string, epoch EpochResolver, overrideEpochNs int64) ([]int, error) {
	epochNs := overrideEpochNs
	if epochNs == 0 {
		if epoch == nil {
			return nil, errs.New(errs.ConfigError, "absolute time queries require an epoch resolver or an explicit override").WithRun(runID).WithPlugin(name)
		}
		var err error
		epochNs, err = epoch(runID)
		if err != nil {
			return nil, err
		}
	}
	return t.Query(ctx, runID, name, start-epochNs, end-epochNs, channel)
}
