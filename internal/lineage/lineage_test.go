package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowingwolf/waveflow/internal/plugin"
)

func TestHashStableUnderMapOrdering(t *testing.T) {
	a := &Lineage{
		PluginName:             "filtered",
		PluginVersion:          "1.0.0",
		OutputSchemaDescriptor: "[(value,float64,0)]",
		ResolvedConfigTracked:  map[string]interface{}{"cutoff_hz": 50, "order": 4},
	}
	b := &Lineage{
		PluginName:             "filtered",
		PluginVersion:          "1.0.0",
		OutputSchemaDescriptor: "[(value,float64,0)]",
		ResolvedConfigTracked:  map[string]interface{}{"order": 4, "cutoff_hz": 50},
	}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestHashNormalizesNumericTypes(t *testing.T) {
	a := &Lineage{PluginName: "x", ResolvedConfigTracked: map[string]interface{}{"n": int(3)}}
	b := &Lineage{PluginName: "x", ResolvedConfigTracked: map[string]interface{}{"n": float64(3.0)}}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestHashChangesWithTrackedValue(t *testing.T) {
	a := &Lineage{PluginName: "filtered", ResolvedConfigTracked: map[string]interface{}{"cutoff_hz": 50}}
	b := &Lineage{PluginName: "filtered", ResolvedConfigTracked: map[string]interface{}{"cutoff_hz": 60}}

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	assert.NotEqual(t, ha, hb)
}

func TestHashIncludesDependencyLineage(t *testing.T) {
	dep1 := &Lineage{PluginName: "raw", PluginVersion: "1.0.0"}
	dep2 := &Lineage{PluginName: "raw", PluginVersion: "2.0.0"}

	a := &Lineage{PluginName: "filtered", DependsOn: map[string]*Lineage{"raw": dep1}}
	b := &Lineage{PluginName: "filtered", DependsOn: map[string]*Lineage{"raw": dep2}}

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	assert.NotEqual(t, ha, hb)
}

func TestPrefixTruncatesHash(t *testing.T) {
	l := &Lineage{PluginName: "peaks"}
	prefix, err := l.Prefix(8)
	require.NoError(t, err)
	assert.Len(t, prefix, 8)

	full, err := l.Hash()
	require.NoError(t, err)
	assert.Equal(t, full[:8], prefix)
}

func TestPrefixClampsOutOfRangeLength(t *testing.T) {
	l := &Lineage{PluginName: "peaks"}
	full, err := l.Hash()
	require.NoError(t, err)

	prefix, err := l.Prefix(0)
	require.NoError(t, err)
	assert.Equal(t, full, prefix)

	prefix, err = l.Prefix(1000)
	require.NoError(t, err)
	assert.Equal(t, full, prefix)
}

func TestCacheGetOrBuildMemoizes(t *testing.T) {
	c := NewCache()
	calls := 0
	build := func() (*Lineage, error) {
		calls++
		return &Lineage{PluginName: "filtered"}, nil
	}

	l1, err := c.GetOrBuild("filtered", build)
	require.NoError(t, err)
	l2, err := c.GetOrBuild("filtered", build)
	require.NoError(t, err)

	assert.Same(t, l1, l2)
	assert.Equal(t, 1, calls)
}

func TestCacheInvalidateClearsMemo(t *testing.T) {
	c := NewCache()
	calls := 0
	build := func() (*Lineage, error) {
		calls++
		return &Lineage{PluginName: "filtered"}, nil
	}

	_, err := c.GetOrBuild("filtered", build)
	require.NoError(t, err)
	c.Invalidate()
	_, err = c.GetOrBuild("filtered", build)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestKeyForFormat(t *testing.T) {
	c := NewCache()
	build := func() (*Lineage, error) {
		return &Lineage{PluginName: "filtered"}, nil
	}

	key, err := c.KeyFor("run-42", "filtered", 8, build)
	require.NoError(t, err)
	assert.Contains(t, key, "run-42/_cache/filtered-")
	assert.Len(t, key, len("run-42/_cache/filtered-")+8)
}

func TestBuildRecursesIntoDependencies(t *testing.T) {
	depLineages := map[string]*Lineage{
		"raw": {PluginName: "raw"},
	}

	info := plugin.Info{
		Provides:  "filtered",
		Version:   "1.0.0",
		DependsOn: []plugin.Dependency{{Name: "raw"}},
	}
	l, err := Build(info, map[string]interface{}{"cutoff_hz": 50}, func(dep string) (*Lineage, error) {
		return depLineages[dep], nil
	})
	require.NoError(t, err)

	assert.Equal(t, "filtered", l.PluginName)
	require.Contains(t, l.DependsOn, "raw")
	assert.Equal(t, "raw", l.DependsOn["raw"].PluginName)
}
