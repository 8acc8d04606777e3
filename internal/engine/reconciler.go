package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/driftwatch/driftwatch/internal/journal"
	"github.com/driftwatch/driftwatch/internal/metrics"
)

// Decision classifies one chain's watermark pair. The string forms are
// stable: they appear in logs and in the audit journal.
type Decision int

const (
	InSync Decision = iota
	BehindWillReprocess
	OrphanBeyondHead
	OrphanConfirmed
	OrphanWithinReorgWindow
)

func (d Decision) String() string {
	switch d {
	case InSync:
		return "in_sync"
	case BehindWillReprocess:
		return "behind_will_reprocess"
	case OrphanBeyondHead:
		return "orphan_beyond_head"
	case OrphanConfirmed:
		return "orphan_confirmed"
	case OrphanWithinReorgWindow:
		return "orphan_within_reorg_window"
	default:
		return "unknown"
	}
}

// Classify compares both watermarks against the chain tip. The safe boundary
// is head minus threshold, floored at zero; an analytics watermark at or
// below it is confirmed, so the suspect window is (safe, head]. Rows above
// the process watermark inside that window may belong to an in-flight batch
// whose progress row has not committed yet, which is why they are left alone.
func Classify(processBlock, analyticsBlock, head, threshold uint64) Decision {
	switch {
	case analyticsBlock == processBlock:
		return InSync
	case analyticsBlock < processBlock:
		return BehindWillReprocess
	case analyticsBlock > head:
		return OrphanBeyondHead
	}

	var safe uint64
	if head > threshold {
		safe = head - threshold
	}
	if analyticsBlock <= safe {
		return OrphanConfirmed
	}
	return OrphanWithinReorgWindow
}

// ProgressSource reads per-chain fetch watermarks from the process store.
type ProgressSource interface {
	Watermarks(ctx context.Context) (map[uint64]uint64, error)
}

// AnalyticsSource reads analytics watermarks and removes orphaned rows.
type AnalyticsSource interface {
	Watermarks(ctx context.Context) (map[uint64]uint64, error)
	CountBlocksAfter(ctx context.Context, chainID, safeBlock uint64) (uint64, []string, error)
	DeleteBlocksAfter(ctx context.Context, chainID, safeBlock uint64) (uint64, []string, error)
}

// HeadSource resolves best-known chain tips.
type HeadSource interface {
	Head(ctx context.Context, chainID uint64) (uint64, bool)
}

// Reconciler compares both stores chain by chain and removes analytics rows
// the process store does not stand behind. In dry-run mode it counts what it
// would remove instead of deleting.
type Reconciler struct {
	progress  ProgressSource
	analytics AnalyticsSource
	heads     HeadSource
	journal   *journal.Journal
	mtr       *metrics.Metrics
	log       *slog.Logger
	threshold uint64
	dryRun    bool
}

// New builds a reconciler. heads, jrn, and mtr may be nil.
func New(progress ProgressSource, analytics AnalyticsSource, heads HeadSource, jrn *journal.Journal, mtr *metrics.Metrics, log *slog.Logger, threshold uint64, dryRun bool) *Reconciler {
	return &Reconciler{
		progress:  progress,
		analytics: analytics,
		heads:     heads,
		journal:   jrn,
		mtr:       mtr,
		log:       log,
		threshold: threshold,
		dryRun:    dryRun,
	}
}

// RunOnce executes one reconciliation pass over every chain the process
// store reports. Chains are handled concurrently; the returned error is the
// first chain failure, after every chain has settled.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	passID := uuid.NewString()
	started := time.Now()

	processMarks, err := r.progress.Watermarks(ctx)
	if err != nil {
		err = fmt.Errorf("process watermarks: %w", err)
		r.finishPass(ctx, passID, started, 0, 0, err)
		return err
	}
	analyticsMarks, err := r.analytics.Watermarks(ctx)
	if err != nil {
		err = fmt.Errorf("analytics watermarks: %w", err)
		r.finishPass(ctx, passID, started, 0, 0, err)
		return err
	}

	chains := make([]uint64, 0, len(processMarks))
	for chain := range processMarks {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

	var (
		g         errgroup.Group
		deletions atomic.Int64
	)
	for _, chain := range chains {
		chain := chain
		g.Go(func() error {
			deleted, err := r.reconcileChain(ctx, passID, chain, processMarks[chain], analyticsMarks[chain])
			if deleted {
				deletions.Add(1)
			}
			return err
		})
	}
	err = g.Wait()

	r.finishPass(ctx, passID, started, len(chains), int(deletions.Load()), err)
	return err
}

// reconcileChain classifies one chain and acts on the decision. It reports
// whether a removal (or a dry-run of one) happened.
func (r *Reconciler) reconcileChain(ctx context.Context, passID string, chain, processBlock, analyticsBlock uint64) (bool, error) {
	head, ok := uint64(0), false
	if r.heads != nil {
		head, ok = r.heads.Head(ctx, chain)
	}
	if !ok {
		// No tip available: the process watermark is the most conservative
		// stand-in, confining deletes to what the process store stands behind.
		head = processBlock
	}

	decision := Classify(processBlock, analyticsBlock, head, r.threshold)
	logAttrs := []any{
		"run_id", passID, "chain", chain, "decision", decision.String(),
		"process_block", processBlock, "analytics_block", analyticsBlock, "head", head,
	}

	switch decision {
	case InSync:
		r.log.Debug("watermarks in sync", logAttrs...)
		return false, nil

	case BehindWillReprocess:
		r.log.Info("analytics store behind, upstream will redrive the gap", logAttrs...)
		return false, nil

	case OrphanWithinReorgWindow:
		r.log.Warn("orphaned rows inside reorg window, skipping until confirmed", logAttrs...)
		return false, nil
	}

	// OrphanBeyondHead or OrphanConfirmed: remove down to the process watermark.
	if r.dryRun {
		rows, tables, err := r.analytics.CountBlocksAfter(ctx, chain, processBlock)
		if err != nil {
			return false, fmt.Errorf("chain %d: count orphans: %w", chain, err)
		}
		r.log.Info("dry-run: would remove orphaned rows",
			append(logAttrs, "rows", rows, "tables", len(tables))...)
		return rows > 0, nil
	}

	r.log.Info("removing orphaned rows", logAttrs...)
	rows, tables, err := r.analytics.DeleteBlocksAfter(ctx, chain, processBlock)
	if err != nil {
		return false, fmt.Errorf("chain %d: delete orphans: %w", chain, err)
	}
	r.log.Info("orphaned rows removed",
		append(logAttrs, "rows", rows, "tables", len(tables))...)
	r.mtr.OrphanRowsDeleted(rows)

	if r.journal != nil {
		d := journal.Deletion{
			PassID:        passID,
			ChainID:       chain,
			SafeBlock:     processBlock,
			HighBlock:     analyticsBlock,
			Decision:      decision.String(),
			RowsRemoved:   rows,
			TablesTouched: len(tables),
			CreatedAt:     time.Now(),
		}
		if err := r.journal.RecordDeletion(ctx, d); err != nil {
			r.log.Warn("journal deletion entry failed", "run_id", passID, "chain", chain, "error", err)
		}
	}
	return true, nil
}

// finishPass records counters and the journal entry for a pass.
func (r *Reconciler) finishPass(ctx context.Context, passID string, started time.Time, chains, deletions int, err error) {
	r.mtr.ReconcileRuns()
	status, errText := "ok", ""
	if err != nil {
		r.mtr.ReconcileFailures()
		status, errText = "failed", err.Error()
	}

	if r.journal != nil {
		p := journal.Pass{
			ID:         passID,
			StartedAt:  started,
			FinishedAt: time.Now(),
			Chains:     chains,
			Deletions:  deletions,
			Status:     status,
			Error:      errText,
		}
		if jerr := r.journal.RecordPass(ctx, p); jerr != nil {
			r.log.Warn("journal pass entry failed", "run_id", passID, "error", jerr)
		}
	}

	r.log.Info("reconciliation pass finished",
		"run_id", passID, "chains", chains, "deletions", deletions,
		"status", status, "elapsed", time.Since(started).Round(time.Millisecond))
}
