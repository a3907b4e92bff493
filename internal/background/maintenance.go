package background

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/snowingwolf/waveflow/internal/cachemaint"
)

// MaintenanceConfig configures the periodic cache-maintenance sweep: a scan
// followed by a cleanup plan execution under the configured strategy.
type MaintenanceConfig struct {
	// Interval runs the sweep on a fixed period. Ignored when CronExpr is
	// set and DB is nil.
	Interval     time.Duration
	InitialDelay time.Duration
	// CronExpr, when non-empty, schedules the sweep on a standard five-field
	// cron expression instead of a fixed Interval, for operators who want
	// maintenance to land in a specific off-peak window rather than every
	// N hours from process start.
	CronExpr       string
	Strategy       cachemaint.Strategy
	TargetSizeMB   int64
	KeepRecentDays int
	// DB, when non-nil, makes the sweep cluster-safe via the same
	// advisory-lock SingletonTask used for other periodic work; when nil,
	// the sweep just runs on a plain ticker (or cron schedule) in this
	// process.
	DB *pgxpool.Pool
}

// NewMaintenanceSweep builds a TaskFunc that scans store's artifact index
// and executes a cleanup plan under cfg's strategy, logging what it
// reclaimed.
func NewMaintenanceSweep(analyzer *cachemaint.Analyzer, cleaner *cachemaint.Cleaner, cfg MaintenanceConfig) TaskFunc {
	return func(ctx context.Context) error {
		if _, err := analyzer.Scan(false); err != nil {
			return err
		}

		plan, err := cleaner.PlanCleanup(cachemaint.CleanupOptions{
			Strategy:       cfg.Strategy,
			TargetSizeMB:   cfg.TargetSizeMB,
			KeepRecentDays: cfg.KeepRecentDays,
		})
		if err != nil {
			return err
		}

		if len(plan.Selected) == 0 {
			log.Debug().Msg("cache maintenance sweep found nothing to reclaim")
			return nil
		}

		if err := cleaner.Execute(plan); err != nil {
			return err
		}

		log.Info().
			Int("entries_removed", len(plan.Selected)).
			Int64("bytes_reclaimed", plan.ReclaimedBytes).
			Str("strategy", string(plan.Strategy)).
			Msg("cache maintenance sweep completed")
		return nil
	}
}

// StartMaintenance runs the sweep as a cluster-wide SingletonTask guarded by
// a Postgres advisory lock (cfg.DB != nil, always interval-driven since
// SingletonTask itself only knows fixed periods), or in a single process on
// either a cron.Cron schedule (cfg.CronExpr set) or a plain ticker.
func StartMaintenance(ctx context.Context, analyzer *cachemaint.Analyzer, cleaner *cachemaint.Cleaner, cfg MaintenanceConfig) func() {
	sweep := NewMaintenanceSweep(analyzer, cleaner, cfg)

	if cfg.DB != nil {
		task := NewSingletonTask(SingletonConfig{
			Name:         "cache-maintenance",
			DB:           cfg.DB,
			Interval:     cfg.Interval,
			InitialDelay: cfg.InitialDelay,
			TaskFn:       sweep,
			OnResult: func(acquired bool, err error) {
				if !acquired {
					log.Debug().Str("strategy", string(cfg.Strategy)).Msg("cache maintenance sweep deferred to another cluster member")
					return
				}
				if err == nil {
					log.Debug().Str("strategy", string(cfg.Strategy)).Msg("cache maintenance sweep ran on this instance")
				}
			},
		})
		task.Start(ctx)
		return task.Stop
	}

	if cfg.CronExpr != "" {
		return startCronMaintenance(ctx, sweep, cfg.CronExpr)
	}

	stopCh := make(chan struct{})
	go func() {
		if cfg.InitialDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-time.After(cfg.InitialDelay):
				if err := sweep(ctx); err != nil {
					log.Error().Err(err).Msg("cache maintenance sweep failed")
				}
			}
		}

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if err := sweep(ctx); err != nil {
					log.Error().Err(err).Msg("cache maintenance sweep failed")
				}
			}
		}
	}()

	var stopped bool
	return func() {
		if !stopped {
			stopped = true
			close(stopCh)
		}
	}
}

// startCronMaintenance schedules sweep on expr (a standard five-field cron
// expression) using a dedicated cron.Cron, returning a stop function that
// stops scheduling new runs and waits for any in-flight run to finish; the
// in-flight run itself is not cancelled.
func startCronMaintenance(ctx context.Context, sweep TaskFunc, expr string) func() {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if err := sweep(ctx); err != nil {
			log.Error().Err(err).Msg("cache maintenance sweep failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("expr", expr).Msg("invalid maintenance cron expression, maintenance disabled")
		return func() {}
	}

	c.Start()
	return func() {
		<-c.Stop().Done()
	}
}
