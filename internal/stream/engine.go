package stream

import (
	"context"

	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/executor"
)

// ComputeChunkFunc computes one output chunk from one input chunk.
type ComputeChunkFunc func(ctx context.Context, chunk Chunk) (Chunk, error)

// Iterator pulls the next chunk. ok is false when the stream is exhausted;
// err is non-nil on failure (including Cancelled).
type Iterator func() (chunk Chunk, ok bool, err error)

// SliceIterator adapts a pre-materialized chunk slice into an Iterator, for
// tests and small inputs.
func SliceIterator(chunks []Chunk) Iterator {
	i := 0
	return func() (Chunk, bool, error) {
		if i >= len(chunks) {
			return Chunk{}, false, nil
		}
		c := chunks[i]
		i++
		return c, true, nil
	}
}

// HaloConfig declares a plugin's optional halo extension and the bounds of
// data actually available to draw the halo from.
type HaloConfig struct {
	Samples        int64 // 0 disables halo
	AvailableStart int64
	AvailableEnd   int64
}

func applyHalo(c Chunk, halo HaloConfig, compute ComputeChunkFunc, ctx context.Context) (Chunk, error) {
	if halo.Samples == 0 {
		return compute(ctx, c)
	}
	extended := ExpandByHalo(c, halo.Samples, halo.AvailableStart, halo.AvailableEnd)
	result, err := compute(ctx, extended)
	if err != nil {
		return Chunk{}, err
	}
	return Clip(result, c.Start, c.End)
}

// RunSerial consumes input chunks one at a time, invoking compute and
// emitting outputs lazily, checking the cancellation token before each
// pull and each emission.
func RunSerial(ctx context.Context, next Iterator, compute ComputeChunkFunc, halo HaloConfig, token *CancellationToken) Iterator {
	return func() (Chunk, bool, error) {
		if token != nil && token.IsCancelled() {
			return Chunk{}, false, errs.New(errs.Cancelled, "stream cancelled")
		}

		c, ok, err := next()
		if err != nil || !ok {
			return Chunk{}, false, err
		}

		if token != nil && token.IsCancelled() {
			return Chunk{}, false, errs.New(errs.Cancelled, "stream cancelled")
		}

		out, err := applyHalo(c, halo, compute, ctx)
		if err != nil {
			return Chunk{}, false, err
		}
		out.ChunkIndex = c.ChunkIndex
		return out, true, nil
	}
}

// defaultBatchSize implements spec.md's max(10, max_workers*3) default.
func defaultBatchSize(maxWorkers int) int {
	if maxWorkers*3 > 10 {
		return maxWorkers * 3
	}
	return 10
}

// RunParallel draws chunks from next in bounded batches, submits each batch
// to the executor profile's pool preserving order (via
// executor.ParallelMap's future_to_index-style ordered collection), yields
// results in order, then draws the next batch. Checks the cancellation
// token before each batch and before each yield; on cancellation, stops
// drawing new batches, lets in-flight tasks in the current batch finish
// (their results are discarded), and terminates. A batchSize of 0 or less
// uses defaultBatchSize(10), i.e. 30; the profile's worker count is not
// consulted.
func RunParallel(ctx context.Context, mgr *executor.Manager, profile executor.Profile, batchSize int, next Iterator, compute ComputeChunkFunc, halo HaloConfig, token *CancellationToken) Iterator {
	if batchSize <= 0 {
		batchSize = defaultBatchSize(10)
	}

	var buffer []Chunk
	bufIdx := 0
	exhausted := false

	drawBatch := func() error {
		var batch []Chunk
		for len(batch) < batchSize {
			c, ok, err := next()
			if err != nil {
				return err
			}
			if !ok {
				exhausted = true
				break
			}
			batch = append(batch, c)
		}
		if len(batch) == 0 {
			return nil
		}

		results, err := executor.ParallelMap(ctx, mgr, profile, batch, func(ctx context.Context, c Chunk) (Chunk, error) {
			out, err := applyHalo(c, halo, compute, ctx)
			if err != nil {
				return Chunk{}, err
			}
			out.ChunkIndex = c.ChunkIndex
			return out, nil
		})
		if err != nil {
			return err
		}

		buffer = results
		bufIdx = 0
		return nil
	}

	return func() (Chunk, bool, error) {
		for {
			if token != nil && token.IsCancelled() {
				return Chunk{}, false, errs.New(errs.Cancelled, "stream cancelled")
			}

			if bufIdx < len(buffer) {
				c := buffer[bufIdx]
				bufIdx++
				if token != nil && token.IsCancelled() {
					return Chunk{}, false, errs.New(errs.Cancelled, "stream cancelled")
				}
				return c, true, nil
			}

			if exhausted {
				return Chunk{}, false, nil
			}

			buffer = nil
			if err := drawBatch(); err != nil {
				return Chunk{}, false, err
			}
			if len(buffer) == 0 && exhausted {
				return Chunk{}, false, nil
			}
		}
	}
}
