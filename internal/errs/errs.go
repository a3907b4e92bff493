// Package errs defines the tagged error taxonomy shared by the scheduler,
// storage, streaming, and batch components.
package errs

import "fmt"

// Kind identifies the category of a scheduler-boundary error.
type Kind string

const (
	ConfigError        Kind = "config_error"
	DependencyError     Kind = "dependency_error"
	CycleDetected       Kind = "cycle_detected"
	ReentrantExecution  Kind = "reentrant_execution"
	CacheCorrupt        Kind = "cache_corrupt"
	StorageBusy         Kind = "storage_busy"
	SchemaMismatch      Kind = "schema_mismatch"
	PluginTimeout       Kind = "plugin_timeout"
	Cancelled           Kind = "cancelled"
	IOError             Kind = "io_error"
)

// Error is the tagged sum type propagated at the scheduler boundary. Plugin
// name and run ID are attached wherever the failure can be associated with a
// specific computation, per the user-visible failure behavior the framework
// promises.
type Error struct {
	Kind    Kind
	RunID   string
	Plugin  string
	Option  string
	Detail  string
	Wrapped error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s", e.Kind)
	if e.Plugin != "" {
		msg += fmt.Sprintf(" plugin=%s", e.Plugin)
	}
	if e.RunID != "" {
		msg += fmt.Sprintf(" run_id=%s", e.RunID)
	}
	if e.Option != "" {
		msg += fmt.Sprintf(" option=%s", e.Option)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" (%v)", e.Wrapped)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is an *Error with a matching Kind, so callers can
// use errors.Is(err, errs.New(errs.CacheCorrupt, "")) style checks, but more
// commonly callers use errs.KindOf(err) == errs.CacheCorrupt directly.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error of the given kind with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Wrapped: cause}
}

// WithRun attaches run/plugin/option context and returns the same error for
// chaining at call sites, following the teacher's fmt.Errorf("...: %w", err)
// wrapping convention but preserving the structured Kind.
func (e *Error) WithRun(runID string) *Error {
	e.RunID = runID
	return e
}

func (e *Error) WithPlugin(plugin string) *Error {
	e.Plugin = plugin
	return e
}

func (e *Error) WithOption(option string) *Error {
	e.Option = option
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}
