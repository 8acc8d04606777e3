package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/analytics"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/engine"
	"github.com/driftwatch/driftwatch/internal/head"
	"github.com/driftwatch/driftwatch/internal/journal"
	"github.com/driftwatch/driftwatch/internal/logging"
	"github.com/driftwatch/driftwatch/internal/progress"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show per-chain watermarks and the drift decision each would get",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		log := logging.NewWithLevel("error")
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

		var heads *head.Source
		if len(cfg.Chains) > 0 {
			heads, err = head.NewSource(cfg.Chains, log)
			if err != nil {
				return fmt.Errorf("dial chain rpcs: %w", err)
			}
		}

		pgMarks, err := pg.Watermarks(ctx)
		if err != nil {
			return fmt.Errorf("process watermarks: %w", err)
		}
		chMarks, err := ch.Watermarks(ctx)
		if err != nil {
			return fmt.Errorf("analytics watermarks: %w", err)
		}

		chains := make([]uint64, 0, len(pgMarks))
		for chain := range pgMarks {
			chains = append(chains, chain)
		}
		sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

		fmt.Fprintf(out, "%-8s %-12s %-12s %-12s %s\n", "CHAIN", "PROCESS", "ANALYTICS", "HEAD", "DECISION")
		for _, chain := range chains {
			pgBlock := pgMarks[chain]
			chBlock := chMarks[chain]

			tip := pgBlock
			tipCol := "-"
			if heads != nil {
				if h, ok := heads.Head(ctx, chain); ok {
					tip = h
					tipCol = strconv.FormatUint(h, 10)
				}
			}

			d := engine.Classify(pgBlock, chBlock, tip, cfg.Reconcile.ConfirmedBlockThreshold)
			fmt.Fprintf(out, "%-8d %-12d %-12d %-12s %s\n", chain, pgBlock, chBlock, tipCol, d)
		}
		if len(chains) == 0 {
			fmt.Fprintln(out, "no chains recorded in the process store")
		}

		extras := analyticsOnlyChains(pgMarks, chMarks)
		if len(extras) > 0 {
			fmt.Fprintf(out, "analytics-only chains (never reconciled): %s\n", strings.Join(extras, ", "))
		}

		if cfg.Journal.Path != "" {
			jrn, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer jrn.Close()

			p, ok, err := jrn.LastPass(ctx)
			if err != nil {
				return fmt.Errorf("read last pass: %w", err)
			}
			if !ok {
				fmt.Fprintln(out, "\nno reconciliation passes recorded")
				return nil
			}
			fmt.Fprintf(out, "\nlast pass %s: status %s, %d chain(s), %d deletion(s), finished %s\n",
				p.ID, p.Status, p.Chains, p.Deletions, p.FinishedAt.UTC().Format(time.RFC3339))
			if p.Error != "" {
				fmt.Fprintf(out, "last pass error: %s\n", p.Error)
			}
		}
		return nil
	},
}

// analyticsOnlyChains lists chains the analytics store knows but the process
// store does not, in numeric order.
func analyticsOnlyChains(pgMarks, chMarks map[uint64]uint64) []string {
	var extras []uint64
	for chain := range chMarks {
		if _, ok := pgMarks[chain]; !ok {
			extras = append(extras, chain)
		}
	}
	sort.Slice(extras, func(i, j int) bool { return extras[i] < extras[j] })

	out := make([]string, 0, len(extras))
	for _, chain := range extras {
		out = append(out, strconv.FormatUint(chain, 10))
	}
	return out
}
