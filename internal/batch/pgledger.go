package batch

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snowingwolf/waveflow/internal/errs"
)

// PgLedger persists batch progress in Postgres, so a ProcessRuns call that
// crashes partway through can be resumed elsewhere without recomputing runs
// that already succeeded. Grounded on the pgxpool.Pool usage pattern from
// internal/background's advisory-locked singleton task.
type PgLedger struct {
	pool *pgxpool.Pool
}

// NewPgLedger wraps pool as a Ledger. Callers are responsible for having
// created the batch_ledger table (see EnsureSchema).
func NewPgLedger(pool *pgxpool.Pool) *PgLedger {
	return &PgLedger{pool: pool}
}

// EnsureSchema creates the ledger table if it does not already exist.
func (l *PgLedger) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS batch_ledger (
			run_id     TEXT NOT NULL,
			data_name  TEXT NOT NULL,
			succeeded  BOOLEAN NOT NULL,
			last_error TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (run_id, data_name)
		)
	`)
	if err != nil {
		return errs.Wrap(errs.IOError, "creating batch_ledger table", err)
	}
	return nil
}

func (l *PgLedger) RecordStart(runID, dataName string) error {
	ctx := context.Background()
	_, err := l.pool.Exec(ctx, `
		INSERT INTO batch_ledger (run_id, data_name, succeeded, updated_at)
		VALUES ($1, $2, false, now())
		ON CONFLICT (run_id, data_name) DO NOTHING
	`, runID, dataName)
	if err != nil {
		return errs.Wrap(errs.IOError, "recording batch start", err)
	}
	return nil
}

func (l *PgLedger) RecordResult(runID, dataName string, runErr error) error {
	ctx := context.Background()
	var errText *string
	if runErr != nil {
		s := runErr.Error()
		errText = &s
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO batch_ledger (run_id, data_name, succeeded, last_error, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (run_id, data_name) DO UPDATE
		SET succeeded = EXCLUDED.succeeded, last_error = EXCLUDED.last_error, updated_at = now()
	`, runID, dataName, runErr == nil, errText)
	if err != nil {
		return errs.Wrap(errs.IOError, "recording batch result", err)
	}
	return nil
}

func (l *PgLedger) AlreadySucceeded(runID, dataName string) (bool, error) {
	ctx := context.Background()
	var succeeded bool
	err := l.pool.QueryRow(ctx, `
		SELECT succeeded FROM batch_ledger WHERE run_id = $1 AND data_name = $2
	`, runID, dataName).Scan(&succeeded)
	if err != nil {
		return false, nil // no row, or query error: treat as not yet succeeded
	}
	return succeeded, nil
}
