// Package stream implements the chunk abstraction and the chunked
// execution engine: splitting, merging, rechunking, clipping, validation,
// and ordered (optionally parallel) compute_chunk dispatch.
package stream

import (
	"fmt"

	"github.com/snowingwolf/waveflow/internal/errs"
)

// TimeUnit is the unit chunk boundaries are expressed in. Persisted per
// artifact in metadata; mixing units within one stream without recording
// the choice is a bug the framework refuses to paper over.
type TimeUnit string

const (
	Nanoseconds  TimeUnit = "ns"
	Picoseconds  TimeUnit = "ps"
)

// Record is the minimum-viable waveform stream record.
type Record struct {
	Time      int64   // ns, absolute if epoch known else relative
	Timestamp int64   // ps, raw digitizer value
	Dt        int32   // ns sample interval
	Length    int32   // samples
	Channel   int16
	Baseline  float64
	Samples   []int16 // inline samples, or nil if Offset/HasOffset reference a pool
	Offset    int64
	HasOffset bool
}

// EndTime returns the record's end boundary: time + dt*length.
func (r Record) EndTime() int64 {
	return r.Time + int64(r.Dt)*int64(r.Length)
}

// Chunk is the streaming unit: a record batch with a half-open [Start, End)
// time boundary.
type Chunk struct {
	Data       []Record
	Start      int64
	End        int64
	RunID      string
	ChunkIndex int
	Unit       TimeUnit
	Extra      map[string]interface{}
}

func (c Chunk) set(key string, value interface{}) Chunk {
	out := c
	out.Extra = make(map[string]interface{}, len(c.Extra)+1)
	for k, v := range c.Extra {
		out.Extra[k] = v
	}
	out.Extra[key] = value
	return out
}

// WithExtra returns a copy of c with Extra[key] set to value.
func (c Chunk) WithExtra(key string, value interface{}) Chunk {
	return c.set(key, value)
}

// CheckMonotonic verifies every record satisfies time + dt*length <= end.
func CheckMonotonic(c Chunk) error {
	for i, r := range c.Data {
		if r.EndTime() > c.End {
			return errs.New(errs.SchemaMismatch, fmt.Sprintf("record %d end time %d exceeds chunk end %d", i, r.EndTime(), c.End))
		}
	}
	return nil
}

// CheckNoOverlap verifies a sequence of chunks has no overlapping
// [start, end) intervals once sorted by Start.
func CheckNoOverlap(chunks []Chunk) error {
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start < chunks[i-1].End {
			return errs.New(errs.SchemaMismatch, fmt.Sprintf("chunk %d overlaps chunk %d", chunks[i].ChunkIndex, chunks[i-1].ChunkIndex))
		}
	}
	return nil
}

// CheckSortedByTime verifies chunks are sorted by Start.
func CheckSortedByTime(chunks []Chunk) error {
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start < chunks[i-1].Start {
			return errs.New(errs.SchemaMismatch, "chunks are not sorted by start time")
		}
	}
	return nil
}

// CheckChunkBoundaries verifies Start < End and every record's unit matches
// c.Unit expectations implicitly (the caller is responsible for not mixing
// units across a stream; this only checks the structural invariant).
func CheckChunkBoundaries(c Chunk) error {
	if c.Start >= c.End {
		return errs.New(errs.SchemaMismatch, fmt.Sprintf("chunk start %d must be < end %d", c.Start, c.End))
	}
	return CheckMonotonic(c)
}

// Clip restricts c's data to [start, end), adjusting chunk boundaries. Any
// record whose Time falls outside [start, end) is dropped, following the
// halo-clip contract used to compute extended-then-clipped chunks.
func Clip(c Chunk, start, end int64) (Chunk, error) {
	if start >= end {
		return Chunk{}, errs.New(errs.SchemaMismatch, "clip range must be non-empty")
	}

	out := c
	out.Start = start
	out.End = end
	out.Data = make([]Record, 0, len(c.Data))
	for _, r := range c.Data {
		if r.Time >= start && r.Time < end {
			out.Data = append(out.Data, r)
		}
	}
	return out, nil
}

// Merge concatenates adjacent chunks in order, rechecking invariants on the
// result.
func Merge(chunks []Chunk) (Chunk, error) {
	if len(chunks) == 0 {
		return Chunk{}, errs.New(errs.SchemaMismatch, "cannot merge zero chunks")
	}
	if err := CheckSortedByTime(chunks); err != nil {
		return Chunk{}, err
	}
	if err := CheckNoOverlap(chunks); err != nil {
		return Chunk{}, err
	}

	out := Chunk{
		Start:      chunks[0].Start,
		End:        chunks[len(chunks)-1].End,
		RunID:      chunks[0].RunID,
		ChunkIndex: chunks[0].ChunkIndex,
		Unit:       chunks[0].Unit,
	}
	for _, c := range chunks {
		if c.Unit != out.Unit {
			return Chunk{}, errs.New(errs.SchemaMismatch, "cannot merge chunks with different time units")
		}
		out.Data = append(out.Data, c.Data...)
	}

	if err := CheckMonotonic(out); err != nil {
		return Chunk{}, err
	}
	return out, nil
}

// SplitByTime splits a single chunk's records into contiguous
// fixed-duration windows of the given width, each re-indexed starting from
// startIndex.
func SplitByTime(c Chunk, width int64, startIndex int) ([]Chunk, error) {
	if width <= 0 {
		return nil, errs.New(errs.ConfigError, "split width must be positive")
	}

	var out []Chunk
	for boundary := c.Start; boundary < c.End; boundary += width {
		end := boundary + width
		if end > c.End {
			end = c.End
		}
		sub, err := Clip(c, boundary, end)
		if err != nil {
			return nil, err
		}
		sub.ChunkIndex = startIndex + len(out)
		out = append(out, sub)
	}
	return out, nil
}

// SplitByCount splits a chunk's records into groups of at most n records
// each, deriving each sub-chunk's time boundary from its first and last
// record (falling back to the parent chunk's boundary for an empty tail).
func SplitByCount(c Chunk, n int, startIndex int) ([]Chunk, error) {
	if n <= 0 {
		return nil, errs.New(errs.ConfigError, "split count must be positive")
	}

	var out []Chunk
	for i := 0; i < len(c.Data); i += n {
		end := i + n
		if end > len(c.Data) {
			end = len(c.Data)
		}
		group := c.Data[i:end]

		start := c.Start
		stop := c.End
		if len(group) > 0 {
			start = group[0].Time
			stop = group[len(group)-1].EndTime()
			if stop > c.End {
				stop = c.End
			}
			if stop <= start {
				stop = start + 1
			}
		}

		out = append(out, Chunk{
			Data:       group,
			Start:      start,
			End:        stop,
			RunID:      c.RunID,
			ChunkIndex: startIndex + len(out),
			Unit:       c.Unit,
		})
	}
	return out, nil
}

// SplitByBreaks splits wherever the gap from one record's end time to the
// next record's time exceeds threshold.
func SplitByBreaks(c Chunk, threshold int64, startIndex int) ([]Chunk, error) {
	if threshold <= 0 {
		return nil, errs.New(errs.ConfigError, "break threshold must be positive")
	}
	if len(c.Data) == 0 {
		return []Chunk{c}, nil
	}

	var out []Chunk
	groupStart := 0
	for i := 1; i <= len(c.Data); i++ {
		if i == len(c.Data) || c.Data[i].Time-c.Data[i-1].EndTime() > threshold {
			group := c.Data[groupStart:i]
			start := group[0].Time
			stop := group[len(group)-1].EndTime()
			if stop <= start {
				stop = start + 1
			}
			out = append(out, Chunk{
				Data:       group,
				Start:      start,
				End:        stop,
				RunID:      c.RunID,
				ChunkIndex: startIndex + len(out),
				Unit:       c.Unit,
			})
			groupStart = i
		}
	}
	return out, nil
}

// Rechunk regroups chunks into approximately uniform sizes of targetCount
// records each, by concatenating and re-splitting.
func Rechunk(chunks []Chunk, targetCount int) ([]Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	merged, err := Merge(chunks)
	if err != nil {
		return nil, err
	}
	return SplitByCount(merged, targetCount, chunks[0].ChunkIndex)
}

// ExpandByHalo returns a copy of c with its boundaries widened by halo on
// each side (not exceeding availableStart/availableEnd), for a plugin that
// declared a halo size; the engine clips the computed result back to the
// original [Start, End) before emission.
func ExpandByHalo(c Chunk, halo int64, availableStart, availableEnd int64) Chunk {
	out := c
	out.Start = c.Start - halo
	if out.Start < availableStart {
		out.Start = availableStart
	}
	out.End = c.End + halo
	if out.End > availableEnd {
		out.End = availableEnd
	}
	return out
}
