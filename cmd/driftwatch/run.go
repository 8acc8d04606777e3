package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftwatch/driftwatch/internal/analytics"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/engine"
	"github.com/driftwatch/driftwatch/internal/head"
	"github.com/driftwatch/driftwatch/internal/health"
	"github.com/driftwatch/driftwatch/internal/ingest"
	"github.com/driftwatch/driftwatch/internal/journal"
	"github.com/driftwatch/driftwatch/internal/logging"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/progress"
	"github.com/driftwatch/driftwatch/internal/sink"
	"github.com/spf13/cobra"
)

var (
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the driftwatch sidecar",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = "info"
		}
		log := logging.NewWithLevel(logLevel)
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		pg, err := progress.Open(ctx, cfg.Process, log)
		if err != nil {
			return fmt.Errorf("open process store: %w", err)
		}
		defer pg.Close()

		ch, err := analytics.Open(ctx, cfg.Analytics, log)
		if err != nil {
			return fmt.Errorf("open analytics store: %w", err)
		}
		defer ch.Close()

		if len(cfg.Tables) > 0 {
			specs := analytics.SpecsFromConfig(cfg.Tables)
			if err := ch.EnsureTables(ctx, specs); err != nil {
				return fmt.Errorf("ensure destination tables: %w", err)
			}
			ch.SetTableLookup(analytics.StaticLookup(analytics.TableNames(specs)))
		}

		var jrn *journal.Journal
		if cfg.Journal.Path != "" {
			jrn, err = journal.Open(cfg.Journal.Path)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer jrn.Close()
		}

		var headSrc engine.HeadSource
		if len(cfg.Chains) > 0 {
			hs, err := head.NewSource(cfg.Chains, log)
			if err != nil {
				return fmt.Errorf("dial chain rpcs: %w", err)
			}
			headSrc = hs
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		if flagHealth != "" {
			healthSrv := health.Serve(flagHealth, health.Checker{
				ProcessPing:   pg.Ping,
				AnalyticsPing: ch.Ping,
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: flagMetrics, Handler: mux}
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
		}

		writer := sink.NewWriter(ch, log, mtr)
		acc := sink.NewAccumulator(writer, cfg.Batch.FlushThreshold, log)

		rec := engine.New(pg, ch, headSrc, jrn, mtr, log, cfg.Reconcile.ConfirmedBlockThreshold, false)

		interval := cfg.Reconcile.Interval()
		if !cfg.Reconcile.Enabled() {
			interval = 0
		}
		sched := engine.NewScheduler(rec, interval, log)
		if err := sched.Start(ctx); err != nil {
			return err
		}

		ingestSrv, err := ingest.Serve(cfg.Ingest.Addr, acc, log, mtr)
		if err != nil {
			return err
		}
		log.Info("ingest listener started", "addr", ingestSrv.Addr)

		// The channel keeps notifying after the first signal; repeats land in
		// the buffer and never restart the sequence below.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
			log.Info("context canceled, shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ingest.Shutdown(shutdownCtx, ingestSrv); err != nil {
			// A handler still streaming past the deadline must not feed the
			// accumulator once the drain below starts.
			log.Warn("ingest shutdown incomplete, closing", "error", err)
			_ = ingestSrv.Close()
		}
		cancel()

		sched.Stop()

		if err := acc.Drain(context.Background()); err != nil {
			log.Error("final flush failed", "error", err)
			return fmt.Errorf("final flush: %w", err)
		}

		log.Info("shutdown complete")
		return nil
	},
}
