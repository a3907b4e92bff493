package cachemaint

import (
	"fmt"

	"github.com/snowingwolf/waveflow/internal/plugin"
	"github.com/snowingwolf/waveflow/internal/storage"
)

// Severity classifies a diagnostic finding's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IssueKind names the category of problem a Diagnostics pass can find.
type IssueKind string

const (
	IssueVersionMismatch   IssueKind = "version_mismatch"
	IssueMissingMetadata   IssueKind = "missing_metadata"
	IssueMissingData       IssueKind = "missing_data"
	IssueSizeMismatch      IssueKind = "size_mismatch"
	IssueChecksumFailure   IssueKind = "checksum_failure"
	IssueOrphanFile        IssueKind = "orphan_file"
	IssueStorageVersionBad IssueKind = "storage_version_mismatch"
)

// Issue is one diagnostic finding against a single cache entry.
type Issue struct {
	Kind     IssueKind
	Severity Severity
	Key      string
	Message  string
	// AutoFixable is true when Diagnose could repair this issue (deleting
	// an orphan, removing a corrupt pair); repair only runs when the
	// caller explicitly disables dry-run.
	AutoFixable bool
}

// Diagnostics inspects indexed entries for integrity problems.
type Diagnostics struct {
	analyzer *Analyzer
	store    *storage.Store
	registry *plugin.Registry
}

// NewDiagnostics constructs a Diagnostics pass sharing analyzer's index.
// registry is optional (nil-safe): when supplied, Diagnose also flags
// artifacts produced by a plugin version that no longer matches the
// currently registered one. Callers that only run cache housekeeping (no
// plugin registry available, e.g. the ops CLI) may pass nil.
func NewDiagnostics(analyzer *Analyzer, store *storage.Store, registry *plugin.Registry) *Diagnostics {
	return &Diagnostics{analyzer: analyzer, store: store, registry: registry}
}

// Diagnose inspects every entry (optionally scoped to one run) and returns
// the issues found. When dryRun is false, auto-fixable issues are repaired
// as they are found.
func (d *Diagnostics) Diagnose(runID string, dryRun bool) ([]Issue, error) {
	entries := d.analyzer.Entries()

	var issues []Issue
	for _, e := range entries {
		if runID != "" && e.RunID != runID {
			continue
		}

		if e.Meta == nil {
			issues = append(issues, Issue{Kind: IssueMissingMetadata, Severity: SeverityCritical, Key: e.Key, Message: "no metadata file found for artifact", AutoFixable: true})
			if !dryRun {
				d.store.Delete(e.Key)
			}
			continue
		}

		if e.Meta.StorageVersion != storage.CurrentStorageVersion {
			issues = append(issues, Issue{
				Kind: IssueStorageVersionBad, Severity: SeverityCritical, Key: e.Key,
				Message: fmt.Sprintf("storage_version %d does not match current %d", e.Meta.StorageVersion, storage.CurrentStorageVersion),
			})
			continue
		}

		if d.registry != nil {
			if entry, err := d.registry.Get(e.DataName); err == nil && entry.Info.Version != e.Meta.PluginVersion {
				issues = append(issues, Issue{
					Kind: IssueVersionMismatch, Severity: SeverityWarning, Key: e.Key,
					Message: fmt.Sprintf("artifact was produced by plugin version %q, currently registered version is %q", e.Meta.PluginVersion, entry.Info.Version),
				})
			}
		}

		if e.Meta.RecordSize > 0 && (e.Meta.Compression == nil || e.Meta.Compression.Codec == storage.CodecNone) {
			want := e.Meta.Count * e.Meta.RecordSize
			if e.SizeBytes != want {
				issues = append(issues, Issue{
					Kind: IssueSizeMismatch, Severity: SeverityCritical, Key: e.Key,
					Message: fmt.Sprintf("file size %d does not match count*record_size %d", e.SizeBytes, want),
				})
			}
		}

		if e.Meta.Checksum != nil && e.Meta.Checksum.Algorithm != storage.ChecksumNone {
			if _, _, err := d.store.Load(e.Key); err != nil {
				issues = append(issues, Issue{Kind: IssueChecksumFailure, Severity: SeverityCritical, Key: e.Key, Message: "failed to load/verify artifact: " + err.Error()})
			}
		}
	}

	issues = append(issues, d.findOrphans(entries, runID, dryRun)...)

	return issues, nil
}

// findOrphans flags indexed entries for which store.Exists no longer holds,
// e.g. artifacts whose files were removed out-of-band since the last scan or
// whose data file fails the store's validity checks.
func (d *Diagnostics) findOrphans(entries []Entry, runID string, dryRun bool) []Issue {
	var issues []Issue
	for _, e := range entries {
		if runID != "" && e.RunID != runID {
			continue
		}
		if !d.store.Exists(e.Key) {
			issues = append(issues, Issue{Kind: IssueOrphanFile, Severity: SeverityWarning, Key: e.Key, Message: "metadata exists without a valid paired data file", AutoFixable: true})
			if !dryRun {
				d.store.Delete(e.Key)
			}
		}
	}
	return issues
}
