// Package configresolve merges explicit user configuration, adapter-derived
// inferences, and plugin defaults into a ResolvedConfig, recording value
// provenance for lineage hashing.
package configresolve

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/plugin"
)

// Origin records which precedence tier produced an option's final value.
type Origin string

const (
	OriginExplicit       Origin = "explicit"
	OriginAdapterInferred Origin = "adapter_inferred"
	OriginDefault        Origin = "default"
)

// ResolvedValue is one option's finalized value plus its provenance.
type ResolvedValue struct {
	Value          interface{}
	Origin         Origin
	TrackInLineage bool
}

// ResolvedConfig is the finalized option set for one plugin execution.
type ResolvedConfig struct {
	PluginName string
	Values     map[string]ResolvedValue
}

// Options returns the plain name->value map Compute receives.
func (rc *ResolvedConfig) Options() plugin.ResolvedOptions {
	out := make(plugin.ResolvedOptions, len(rc.Values))
	for k, v := range rc.Values {
		out[k] = v.Value
	}
	return out
}

// TrackedSubset returns the canonicalization-ready map of only the options
// whose Option.TrackInLineage is true, with numeric values left as-is
// (lineage.Build normalizes them before hashing).
func (rc *ResolvedConfig) TrackedSubset() map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range rc.Values {
		if v.TrackInLineage {
			out[k] = v.Value
		}
	}
	return out
}

// ExplicitConfig is user-supplied configuration: per-plugin overrides take
// precedence over a flat global map, which itself only applies to plugins
// whose option schema declares the same name.
type ExplicitConfig struct {
	PerPlugin map[string]map[string]interface{}
	Global    map[string]interface{}
}

// AdapterInferred supplies values inferred from e.g. the active DAQ format
// spec (sampling rate, channel count). Keyed by plugin name then option
// name; absent entries simply fall through to the plugin default.
type AdapterInferred map[string]map[string]interface{}

// Resolver applies the four-tier precedence policy (explicit per-plugin >
// explicit global > adapter-inferred > default) pinned by this project's
// design notes.
type Resolver struct {
	explicit ExplicitConfig
	inferred AdapterInferred
}

// NewResolver constructs a Resolver over the given explicit and
// adapter-inferred configuration sources.
func NewResolver(explicit ExplicitConfig, inferred AdapterInferred) *Resolver {
	return &Resolver{explicit: explicit, inferred: inferred}
}

// Resolve produces the ResolvedConfig for info, applying precedence,
// validation, unit handling, and deprecation policy for every declared
// option.
func (r *Resolver) Resolve(info plugin.Info, currentVersion string) (*ResolvedConfig, error) {
	rc := &ResolvedConfig{
		PluginName: info.Provides,
		Values:     make(map[string]ResolvedValue, len(info.Options)),
	}

	names := make([]string, 0, len(info.Options))
	for name := range info.Options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		opt := info.Options[name]

		value, origin, err := r.resolveOne(info.Provides, name, opt, currentVersion)
		if err != nil {
			return nil, err
		}

		value, err = convertUnit(opt, value)
		if err != nil {
			return nil, errs.Wrap(errs.ConfigError, fmt.Sprintf("option %q has an unconvertible unit value", name), err).
				WithPlugin(info.Provides).WithOption(name)
		}

		if opt.Validate != nil {
			if err := opt.Validate(value); err != nil {
				return nil, errs.Wrap(errs.ConfigError, fmt.Sprintf("option %q failed validation", name), err).
					WithPlugin(info.Provides).WithOption(name)
			}
		}

		rc.Values[name] = ResolvedValue{
			Value:          value,
			Origin:         origin,
			TrackInLineage: opt.TrackInLineage,
		}
	}

	return rc, nil
}

func (r *Resolver) resolveOne(pluginName, optName string, opt plugin.Option, currentVersion string) (interface{}, Origin, error) {
	if opt.Deprecated && opt.RemovedIn != "" && versionAtLeast(currentVersion, opt.RemovedIn) {
		if r.explicitHas(pluginName, optName) {
			return nil, "", errs.New(errs.ConfigError,
				fmt.Sprintf("option %q was removed in %s and may no longer be used", optName, opt.RemovedIn)).
				WithPlugin(pluginName).WithOption(optName)
		}
	}

	if per, ok := r.explicit.PerPlugin[pluginName]; ok {
		if v, ok := per[optName]; ok {
			return v, OriginExplicit, nil
		}
		if opt.AliasOf != "" {
			if v, ok := per[opt.AliasOf]; ok {
				log.Warn().Str("plugin", pluginName).Str("option", optName).Str("alias_of", opt.AliasOf).
					Msg("option configured via deprecated alias, prefer the canonical name")
				return v, OriginExplicit, nil
			}
		}
	}

	if v, ok := r.explicit.Global[optName]; ok {
		return v, OriginExplicit, nil
	}

	if byPlugin, ok := r.inferred[pluginName]; ok {
		if v, ok := byPlugin[optName]; ok {
			return v, OriginAdapterInferred, nil
		}
	}

	return opt.Default, OriginDefault, nil
}

// convertUnit normalizes a resolved duration value to opt.Unit. Only
// OptionDuration options with a declared Unit are affected; string values
// (e.g. "500ms", "2s" supplied via explicit config) are parsed with
// time.ParseDuration and re-expressed as a float64 count of opt.Unit.
// Already-numeric values (inferred or default) are assumed to already be in
// the declared unit and pass through unchanged.
func convertUnit(opt plugin.Option, value interface{}) (interface{}, error) {
	if opt.Type != plugin.OptionDuration || opt.Unit == "" {
		return value, nil
	}
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, err
	}
	switch opt.Unit {
	case "ns":
		return float64(d.Nanoseconds()), nil
	case "us":
		return float64(d.Nanoseconds()) / 1e3, nil
	case "ms":
		return float64(d.Nanoseconds()) / 1e6, nil
	case "s":
		return d.Seconds(), nil
	default:
		return nil, fmt.Errorf("unsupported duration unit %q", opt.Unit)
	}
}

func (r *Resolver) explicitHas(pluginName, optName string) bool {
	if per, ok := r.explicit.PerPlugin[pluginName]; ok {
		if _, ok := per[optName]; ok {
			return true
		}
		return false
	}
	_, ok := r.explicit.Global[optName]
	return ok
}

// versionAtLeast compares two dotted numeric version strings; malformed
// input is treated as not-yet-reached (conservative: never reject an
// option due to an unparsable version).
func versionAtLeast(current, threshold string) bool {
	for _, v := range []string{current, threshold} {
		if v == "" || strings.Trim(v, "0123456789.") != "" {
			return false
		}
	}
	c := parseVersion(current)
	t := parseVersion(threshold)
	for i := 0; i < 3; i++ {
		if c[i] != t[i] {
			return c[i] > t[i]
		}
	}
	return true
}

func parseVersion(v string) [3]int {
	var out [3]int
	var part, idx int
	for _, ch := range v {
		if ch == '.' {
			if idx < 3 {
				out[idx] = part
			}
			idx++
			part = 0
			continue
		}
		if ch < '0' || ch > '9' {
			return out
		}
		part = part*10 + int(ch-'0')
	}
	if idx < 3 {
		out[idx] = part
	}
	return out
}
