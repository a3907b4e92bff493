package configresolve

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/plugin"
)

// captureLogs temporarily redirects the global zerolog logger to a buffer,
// restoring it once the test completes.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func infoWithCutoff() plugin.Info {
	return plugin.Info{
		Provides: "filtered",
		Options: map[string]plugin.Option{
			"cutoff_hz": {Type: plugin.OptionFloat, Default: 30.0, TrackInLineage: true},
		},
	}
}

func TestResolvePrecedencePerPluginWinsOverGlobal(t *testing.T) {
	r := NewResolver(ExplicitConfig{
		PerPlugin: map[string]map[string]interface{}{"filtered": {"cutoff_hz": 50.0}},
		Global:    map[string]interface{}{"cutoff_hz": 40.0},
	}, nil)

	rc, err := r.Resolve(infoWithCutoff(), "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 50.0, rc.Values["cutoff_hz"].Value)
	assert.Equal(t, OriginExplicit, rc.Values["cutoff_hz"].Origin)
}

func TestResolvePrecedenceGlobalWinsOverInferred(t *testing.T) {
	r := NewResolver(
		ExplicitConfig{Global: map[string]interface{}{"cutoff_hz": 40.0}},
		AdapterInferred{"filtered": {"cutoff_hz": 20.0}},
	)

	rc, err := r.Resolve(infoWithCutoff(), "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 40.0, rc.Values["cutoff_hz"].Value)
	assert.Equal(t, OriginExplicit, rc.Values["cutoff_hz"].Origin)
}

func TestResolvePrecedenceInferredWinsOverDefault(t *testing.T) {
	r := NewResolver(ExplicitConfig{}, AdapterInferred{"filtered": {"cutoff_hz": 20.0}})

	rc, err := r.Resolve(infoWithCutoff(), "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 20.0, rc.Values["cutoff_hz"].Value)
	assert.Equal(t, OriginAdapterInferred, rc.Values["cutoff_hz"].Origin)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := NewResolver(ExplicitConfig{}, nil)

	rc, err := r.Resolve(infoWithCutoff(), "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 30.0, rc.Values["cutoff_hz"].Value)
	assert.Equal(t, OriginDefault, rc.Values["cutoff_hz"].Origin)
}

func TestResolveRejectsExplicitForRemovedOption(t *testing.T) {
	info := plugin.Info{
		Provides: "filtered",
		Options: map[string]plugin.Option{
			"window": {Type: plugin.OptionString, Deprecated: true, RemovedIn: "2.0.0"},
		},
	}
	r := NewResolver(ExplicitConfig{
		PerPlugin: map[string]map[string]interface{}{"filtered": {"window": "hann"}},
	}, nil)

	_, err := r.Resolve(info, "2.0.0")
	require.Error(t, err)
	assert.Equal(t, errs.ConfigError, errs.KindOf(err))
}

func TestResolveAllowsRemovedOptionBeforeRemovalVersion(t *testing.T) {
	info := plugin.Info{
		Provides: "filtered",
		Options: map[string]plugin.Option{
			"window": {Type: plugin.OptionString, Default: "hann", Deprecated: true, RemovedIn: "2.0.0"},
		},
	}
	r := NewResolver(ExplicitConfig{
		PerPlugin: map[string]map[string]interface{}{"filtered": {"window": "hamming"}},
	}, nil)

	rc, err := r.Resolve(info, "1.5.0")
	require.NoError(t, err)
	assert.Equal(t, "hamming", rc.Values["window"].Value)
}

func TestResolveRunsValidateHook(t *testing.T) {
	info := plugin.Info{
		Provides: "resample",
		Options: map[string]plugin.Option{
			"rate": {
				Type:    plugin.OptionInt,
				Default: 1000,
				Validate: func(v interface{}) error {
					if v.(int) <= 0 {
						return errs.New(errs.ConfigError, "rate must be positive")
					}
					return nil
				},
			},
		},
	}
	r := NewResolver(ExplicitConfig{Global: map[string]interface{}{"rate": -5}}, nil)

	_, err := r.Resolve(info, "1.0.0")
	require.Error(t, err)
	assert.Equal(t, errs.ConfigError, errs.KindOf(err))
}

func TestResolveAliasFallsThroughToExplicit(t *testing.T) {
	info := plugin.Info{
		Provides: "filtered",
		Options: map[string]plugin.Option{
			"cutoff_hz": {Type: plugin.OptionFloat, Default: 30.0, AliasOf: "cutoff"},
		},
	}
	r := NewResolver(ExplicitConfig{
		PerPlugin: map[string]map[string]interface{}{"filtered": {"cutoff": 45.0}},
	}, nil)

	rc, err := r.Resolve(info, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 45.0, rc.Values["cutoff_hz"].Value)
}

func TestResolveAliasFallthroughLogsDeprecationWarning(t *testing.T) {
	buf := captureLogs(t)

	info := plugin.Info{
		Provides: "filtered",
		Options: map[string]plugin.Option{
			"cutoff_hz": {Type: plugin.OptionFloat, Default: 30.0, AliasOf: "cutoff"},
		},
	}
	r := NewResolver(ExplicitConfig{
		PerPlugin: map[string]map[string]interface{}{"filtered": {"cutoff": 45.0}},
	}, nil)

	_, err := r.Resolve(info, "1.0.0")
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "deprecated alias")
	assert.Contains(t, buf.String(), "cutoff_hz")
}

func TestResolveDoesNotWarnWhenExplicitNameUsedDirectly(t *testing.T) {
	buf := captureLogs(t)

	info := plugin.Info{
		Provides: "filtered",
		Options: map[string]plugin.Option{
			"cutoff_hz": {Type: plugin.OptionFloat, Default: 30.0, AliasOf: "cutoff"},
		},
	}
	r := NewResolver(ExplicitConfig{
		PerPlugin: map[string]map[string]interface{}{"filtered": {"cutoff_hz": 45.0}},
	}, nil)

	_, err := r.Resolve(info, "1.0.0")
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestResolveConvertsDurationStringToDeclaredUnit(t *testing.T) {
	info := plugin.Info{
		Provides: "resample",
		Options: map[string]plugin.Option{
			"window": {Type: plugin.OptionDuration, Default: 0.0, Unit: "ms"},
		},
	}
	r := NewResolver(ExplicitConfig{
		Global: map[string]interface{}{"window": "250ms"},
	}, nil)

	rc, err := r.Resolve(info, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 250.0, rc.Values["window"].Value)
}

func TestResolveConvertsDurationStringAcrossUnits(t *testing.T) {
	info := plugin.Info{
		Provides: "resample",
		Options: map[string]plugin.Option{
			"window": {Type: plugin.OptionDuration, Default: 0.0, Unit: "s"},
		},
	}
	r := NewResolver(ExplicitConfig{
		Global: map[string]interface{}{"window": "1500ms"},
	}, nil)

	rc, err := r.Resolve(info, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1.5, rc.Values["window"].Value)
}

func TestResolveRejectsUnparsableDurationValue(t *testing.T) {
	info := plugin.Info{
		Provides: "resample",
		Options: map[string]plugin.Option{
			"window": {Type: plugin.OptionDuration, Default: 0.0, Unit: "ms"},
		},
	}
	r := NewResolver(ExplicitConfig{
		Global: map[string]interface{}{"window": "not-a-duration"},
	}, nil)

	_, err := r.Resolve(info, "1.0.0")
	require.Error(t, err)
	assert.Equal(t, errs.ConfigError, errs.KindOf(err))
}

func TestTrackedSubsetOnlyIncludesMarkedOptions(t *testing.T) {
	rc := &ResolvedConfig{
		Values: map[string]ResolvedValue{
			"cutoff_hz": {Value: 50.0, TrackInLineage: true},
			"debug":     {Value: true, TrackInLineage: false},
		},
	}

	tracked := rc.TrackedSubset()
	assert.Equal(t, map[string]interface{}{"cutoff_hz": 50.0}, tracked)
}
