package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/snowingwolf/waveflow/internal/background"
	"github.com/snowingwolf/waveflow/internal/cachemaint"
	"github.com/snowingwolf/waveflow/internal/config"
	"github.com/snowingwolf/waveflow/internal/executor"
	"github.com/snowingwolf/waveflow/internal/metrics"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the periodic cache maintenance sweep and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := executor.GetManager()
	for name, spec := range cfg.Executor.Profiles {
		mgr.ConfigureProfile(executor.Profile(name), executor.ProfileSpec{
			MinWorkers: spec.MinWorkers,
			MaxWorkers: spec.MaxWorkers,
			QueueSize:  spec.QueueSize,
		})
	}
	if cfg.Executor.LoadBalancerEnabled {
		mgr.EnableLoadBalancer(executor.NewLoadBalancer())
		log.Info().Msg("executor load balancer enabled")
	}

	var pool *pgxpool.Pool
	if cfg.Maintenance.UseClusterLock {
		pool, err = initializeDatabase(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer pool.Close()
	}

	if cfg.Metrics.Enabled {
		collectors := metrics.NewCollectors()
		reg := prometheus.NewRegistry()
		if err := collectors.Register(reg); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info().Str("address", addr).Msg("metrics server started")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	var stopMaintenance func()
	if cfg.Maintenance.Enabled {
		analyzer := cachemaint.NewAnalyzer(store)
		diagnostics := cachemaint.NewDiagnostics(analyzer, store, nil)
		cleaner := cachemaint.NewCleaner(analyzer, diagnostics, store)

		maintCfg := background.MaintenanceConfig{
			Interval:       time.Duration(cfg.Maintenance.IntervalSeconds) * time.Second,
			InitialDelay:   time.Minute,
			CronExpr:       cfg.Maintenance.CronExpr,
			Strategy:       cachemaint.Strategy(cfg.Maintenance.CleanupStrategy),
			TargetSizeMB:   cfg.Maintenance.TargetSizeMB,
			KeepRecentDays: cfg.Maintenance.KeepRecentDays,
		}
		if cfg.Maintenance.UseClusterLock {
			maintCfg.DB = pool
		}

		stopMaintenance = background.StartMaintenance(ctx, analyzer, cleaner, maintCfg)
		log.Info().Dur("interval", maintCfg.Interval).Str("strategy", string(maintCfg.Strategy)).Msg("cache maintenance sweep scheduled")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if stopMaintenance != nil {
		stopMaintenance()
	}
	return nil
}

func initializeDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.BuildDSN())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.IdleConns)
	poolConfig.MaxConnLifetime = time.Duration(cfg.Database.ConnLifetime) * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
