package main

import (
	"fmt"
	"os"

	"github.com/driftwatch/driftwatch/internal/analytics"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/engine"
	"github.com/driftwatch/driftwatch/internal/head"
	"github.com/driftwatch/driftwatch/internal/journal"
	"github.com/driftwatch/driftwatch/internal/logging"
	"github.com/driftwatch/driftwatch/internal/progress"
	"github.com/spf13/cobra"
)

var flagDryRun bool

func init() {
	reconcileCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Classify and count orphans without deleting")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single reconciliation pass and exit",
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

		rec := engine.New(pg, ch, headSrc, jrn, nil, log, cfg.Reconcile.ConfirmedBlockThreshold, flagDryRun)
		if err := rec.RunOnce(ctx); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		return nil
	},
}
