// Package batch runs one data product across many runs concurrently,
// with per-run retry, configurable error handling, and progress reporting.
package batch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/executor"
	"github.com/snowingwolf/waveflow/internal/scheduler"
	"github.com/snowingwolf/waveflow/internal/stream"
)

// OnErrorPolicy controls how ProcessRuns reacts to a per-run failure.
type OnErrorPolicy string

const (
	// Continue processes every run regardless of earlier failures,
	// collecting each run's error independently.
	Continue OnErrorPolicy = "continue"
	// Stop lets in-flight runs finish but submits no further runs once the
	// first failure is observed.
	Stop OnErrorPolicy = "stop"
	// Raise cancels all in-flight and pending runs on the first failure.
	Raise OnErrorPolicy = "raise"
)

// ContextFactory builds the context passed to GetData for a specific run,
// letting callers attach per-run deadlines or trace metadata.
type ContextFactory func(runID string) context.Context

// Ledger records batch progress durably, so a crashed batch can be resumed
// without recomputing runs that already finished. MemoryLedger is the
// default, no-op-persistence implementation; PgLedger is the optional
// cluster-visible one.
type Ledger interface {
	RecordStart(runID, dataName string) error
	RecordResult(runID, dataName string, err error) error
	AlreadySucceeded(runID, dataName string) (bool, error)
}

// MemoryLedger tracks progress only for the lifetime of the process.
type MemoryLedger struct {
	mu        sync.Mutex
	succeeded map[string]bool
}

// NewMemoryLedger constructs an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{succeeded: make(map[string]bool)}
}

func ledgerKey(runID, dataName string) string { return runID + "/" + dataName }

func (l *MemoryLedger) RecordStart(runID, dataName string) error { return nil }

func (l *MemoryLedger) RecordResult(runID, dataName string, err error) error {
	if err != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.succeeded[ledgerKey(runID, dataName)] = true
	return nil
}

func (l *MemoryLedger) AlreadySucceeded(runID, dataName string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.succeeded[ledgerKey(runID, dataName)], nil
}

// Config configures one ProcessRuns invocation.
type Config struct {
	RunIDs         []string
	DataName       string
	Profile        executor.Profile
	ContextFactory ContextFactory
	MaxRetries     int
	RetryOn        func(error) bool // nil retries every error
	OnError        OnErrorPolicy
	Token          *stream.CancellationToken
	Ledger         Ledger // nil uses a fresh MemoryLedger
	Progress       func(done, total int)
}

// Result is the outcome of one ProcessRuns call.
type Result struct {
	Results       map[string]interface{}
	Errors        map[string]error
	OrderedRunIDs []string
	Meta          map[string]interface{}
}

// ProcessRuns fetches DataName for every run in RunIDs via sched, applying
// retry and the configured error policy, and returns per-run results and
// errors keyed by run ID.
func ProcessRuns(ctx context.Context, sched *scheduler.Scheduler, cfg Config) (*Result, error) {
	if cfg.OnError == "" {
		cfg.OnError = Continue
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewMemoryLedger()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batchID := uuid.New().String()
	log.Info().Str("batch_id", batchID).Str("data_name", cfg.DataName).Int("runs", len(cfg.RunIDs)).Msg("batch started")

	result := &Result{
		Results:       make(map[string]interface{}),
		Errors:        make(map[string]error),
		OrderedRunIDs: append([]string{}, cfg.RunIDs...),
		Meta:          map[string]interface{}{"batch_id": batchID},
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var stopSubmitting bool
	done := 0
	total := len(cfg.RunIDs)

	mgr := sched.Manager
	profile := cfg.Profile
	if profile == "" {
		profile = executor.IOIntensive
	}
	handle, err := mgr.GetExecutor(runCtx, profile)
	if err != nil {
		return nil, err
	}
	defer handle.Release(true)

	runOne := func(runID string) {
		defer wg.Done()

		if cfg.Token != nil && cfg.Token.IsCancelled() {
			mu.Lock()
			result.Errors[runID] = errs.New(errs.Cancelled, "batch cancelled").WithRun(runID)
			done++
			mu.Unlock()
			return
		}

		if ok, _ := ledger.AlreadySucceeded(runID, cfg.DataName); ok {
			mu.Lock()
			done++
			if cfg.Progress != nil {
				cfg.Progress(done, total)
			}
			mu.Unlock()
			return
		}

		ledger.RecordStart(runID, cfg.DataName)

		itemCtx := runCtx
		if cfg.ContextFactory != nil {
			itemCtx = cfg.ContextFactory(runID)
		}

		var value interface{}
		var runErr error
		attempts := cfg.MaxRetries + 1
		for attempt := 0; attempt < attempts; attempt++ {
			value, runErr = sched.GetData(itemCtx, runID, cfg.DataName)
			if runErr == nil {
				break
			}
			if cfg.RetryOn != nil && !cfg.RetryOn(runErr) {
				break
			}
			log.Warn().Str("run_id", runID).Str("data_name", cfg.DataName).Int("attempt", attempt+1).Err(runErr).Msg("batch run failed, retrying")
		}

		ledger.RecordResult(runID, cfg.DataName, runErr)

		mu.Lock()
		defer mu.Unlock()
		done++
		if runErr != nil {
			result.Errors[runID] = runErr
			switch cfg.OnError {
			case Stop:
				stopSubmitting = true
			case Raise:
				stopSubmitting = true
				cancel()
			}
		} else {
			result.Results[runID] = value
		}
		if cfg.Progress != nil {
			cfg.Progress(done, total)
		}
	}

	for _, runID := range cfg.RunIDs {
		mu.Lock()
		stop := stopSubmitting
		mu.Unlock()
		if stop {
			break
		}

		wg.Add(1)
		runID := runID
		task := batchTask{id: runID, fn: func(ctx context.Context) error { runOne(runID); return nil }}
		if err := handle.Pool.SubmitWait(runCtx, task); err != nil {
			wg.Done()
			mu.Lock()
			result.Errors[runID] = err
			mu.Unlock()
			if cfg.OnError == Raise {
				cancel()
				break
			}
		}
	}

	wg.Wait()

	result.Meta["total"] = total
	result.Meta["succeeded"] = len(result.Results)
	result.Meta["failed"] = len(result.Errors)

	if cfg.OnError == Raise && len(result.Errors) > 0 {
		for _, e := range result.Errors {
			return result, e
		}
	}

	return result, nil
}

type batchTask struct {
	id string
	fn func(ctx context.Context) error
}

func (t batchTask) Execute(ctx context.Context) error { return t.fn(ctx) }
func (t batchTask) ID() string                        { return t.id }
