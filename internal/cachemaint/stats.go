package cachemaint

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats is the aggregate and breakdown output of StatsCollector.Collect.
type Stats struct {
	TotalEntries     int            `json:"total_entries"`
	TotalSizeBytes   int64          `json:"total_size_bytes"`
	TotalSizeHuman   string         `json:"total_size_human"`
	PerRun           map[string]RunStats  `json:"per_run"`
	PerDataType      map[string]TypeStats `json:"per_data_type"`
	OldestEntry      string         `json:"oldest_entry,omitempty"`
	NewestEntry      string         `json:"newest_entry,omitempty"`
}

// RunStats summarizes one run's cache footprint.
type RunStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// TypeStats summarizes one data-product name's cache footprint across runs.
type TypeStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// StatsCollector aggregates size/count/age statistics over indexed entries.
type StatsCollector struct {
	analyzer *Analyzer
}

// NewStatsCollector constructs a StatsCollector sharing analyzer's index.
func NewStatsCollector(analyzer *Analyzer) *StatsCollector {
	return &StatsCollector{analyzer: analyzer}
}

// Collect computes aggregate and per-run/per-data-type breakdowns over the
// currently indexed entries.
func (s *StatsCollector) Collect() Stats {
	entries := s.analyzer.Entries()

	stats := Stats{
		PerRun:      make(map[string]RunStats),
		PerDataType: make(map[string]TypeStats),
	}

	var oldest, newest time.Time
	for _, e := range entries {
		stats.TotalEntries++
		stats.TotalSizeBytes += e.SizeBytes

		rs := stats.PerRun[e.RunID]
		rs.Entries++
		rs.SizeBytes += e.SizeBytes
		stats.PerRun[e.RunID] = rs

		ts := stats.PerDataType[e.DataName]
		ts.Entries++
		ts.SizeBytes += e.SizeBytes
		stats.PerDataType[e.DataName] = ts

		if oldest.IsZero() || e.ModTime.Before(oldest) {
			oldest = e.ModTime
			stats.OldestEntry = e.Key
		}
		if newest.IsZero() || e.ModTime.After(newest) {
			newest = e.ModTime
			stats.NewestEntry = e.Key
		}
	}

	stats.TotalSizeHuman = humanize.Bytes(uint64(stats.TotalSizeBytes))
	return stats
}

// WriteJSON writes stats as indented JSON to w.
func WriteJSON(w io.Writer, stats Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// WriteCSV writes the per-data-type breakdown as CSV to w, sorted by name
// for deterministic output.
func WriteCSV(w io.Writer, stats Stats) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"data_name", "entries", "size_bytes"}); err != nil {
		return err
	}

	names := make([]string, 0, len(stats.PerDataType))
	for name := range stats.PerDataType {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ts := stats.PerDataType[name]
		if err := cw.Write([]string{name, strconv.Itoa(ts.Entries), strconv.FormatInt(ts.SizeBytes, 10)}); err != nil {
			return err
		}
	}
	return nil
}
