// Package plugin defines the plugin contract and the registry that
// validates, stores, and topologically orders plugins for the scheduler.
package plugin

import (
	"context"
	"fmt"
)

// OptionType enumerates the primitive types an Option's value may hold.
type OptionType string

const (
	OptionInt      OptionType = "int"
	OptionFloat    OptionType = "float"
	OptionString   OptionType = "string"
	OptionBool     OptionType = "bool"
	OptionDuration OptionType = "duration"
)

// Option declares one configuration knob a plugin accepts.
type Option struct {
	Type           OptionType
	Default        interface{}
	Unit           string
	Deprecated     bool
	AliasOf        string
	RemovedIn      string
	TrackInLineage bool
	// Validate runs after type coercion and unit conversion; nil means any
	// value of the declared Type is accepted.
	Validate func(value interface{}) error
}

// Dependency names an input a plugin depends on, with an optional version
// constraint expressed the way go.mod constraints are (e.g. ">=1.2.0").
type Dependency struct {
	Name              string
	VersionConstraint string
}

// OutputKind distinguishes whole-artifact plugins from chunked producers.
type OutputKind string

const (
	Static OutputKind = "static"
	Stream OutputKind = "stream"
)

// FieldDescriptor is one named, typed component of a structured-record
// output schema, matching spec.md's "[(field_name, type_string, shape?)]".
type FieldDescriptor struct {
	Name      string
	GoType    string
	ElemBytes int
	ArrayLen  int // 0 for scalar fields
}

// OutputSchema describes the shape of a plugin's declared output. Exactly
// one of RecordLayout, ColumnLayout, or OpaqueKind should be set.
type OutputSchema struct {
	RecordLayout []FieldDescriptor
	ColumnLayout []FieldDescriptor
	OpaqueKind   string
}

// Descriptor renders the schema as the textual form used in lineage
// hashing: an explicit field list for array outputs, or the opaque kind
// string otherwise.
func (s OutputSchema) Descriptor() string {
	fields := s.RecordLayout
	if fields == nil {
		fields = s.ColumnLayout
	}
	if fields == nil {
		if s.OpaqueKind == "" {
			return "opaque"
		}
		return s.OpaqueKind
	}
	out := "["
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("(%s,%s,%d)", f.Name, f.GoType, f.ArrayLen)
	}
	return out + "]"
}

// Info is a plugin's static descriptor: everything about it that does not
// depend on a specific run. Plugin authors declare it as data, not via
// reflection, per the framework's dynamic-plugin-dispatch design.
type Info struct {
	Provides     string
	DependsOn    []Dependency
	Options      map[string]Option
	Version      string
	OutputKind   OutputKind
	OutputSchema OutputSchema
	IsSideEffect bool

	// Streaming metadata; Parallel and HaloSamples are ignored for Static
	// plugins. TimeUnit is written into the metadata of every artifact the
	// scheduler persists, which are Static outputs only.
	Parallel    bool
	HaloSamples int64
	TimeUnit    string // "ns" or "ps"; persisted into artifact metadata
}

// ResolvedOptions maps an option name to its finalized value for one
// execution, as produced by the configuration resolver.
type ResolvedOptions map[string]interface{}

// RunContext is passed into Compute so a plugin can recursively request its
// dependencies and access side-effect directories. It is an interface to
// avoid plugin importing the scheduler package (which imports plugin).
type RunContext interface {
	GetData(ctx context.Context, runID, name string) (interface{}, error)
	SideEffectDir(runID, pluginName string) (string, error)
}

// Source is the interface every plugin implements. The name mirrors the
// teacher's ingestion-source contract, generalized from asset discovery to
// waveform computation.
type Source interface {
	Info() Info
	Compute(ctx context.Context, rc RunContext, runID string, opts ResolvedOptions) (interface{}, error)
}

// ErrorHandler is an optional interface a plugin may implement to observe
// and react to its own failures before the error propagates.
type ErrorHandler interface {
	OnError(ctx context.Context, rc RunContext, err error) error
}

// Cleanup is an optional interface for plugins that hold resources across a
// single compute invocation (open file handles, temp buffers).
type Cleanup interface {
	Cleanup(ctx context.Context, rc RunContext) error
}

// DynamicDepends is an optional interface for plugins whose dependency set
// is only known at run time (e.g. depends on which channels a run's raw
// files actually contain).
type DynamicDepends interface {
	ResolveDependsOn(ctx context.Context, rc RunContext, runID string) ([]Dependency, error)
}

// LineageProvider is an optional interface for plugins with external,
// framework-invisible inputs: files on disk the plugin reads directly
// rather than declaring as a Dependency. GetLineage returns a
// WatchSignature (conventionally produced by storage.ComputeWatchSignature
// over the plugin's watched paths for this run); the scheduler persists it
// alongside the cached artifact and recomputes it on every disk-cache hit,
// falling through to recompute when a watched file's (path, size, mtime)
// has changed since the artifact was written.
type LineageProvider interface {
	GetLineage(ctx context.Context, rc RunContext, runID string) (watchSignature string, err error)
}
