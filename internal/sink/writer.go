package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/driftwatch/driftwatch/internal/metrics"
)

// Inserter is the slice of the analytics store the writer needs.
type Inserter interface {
	InsertRows(ctx context.Context, table string, rows []Record) error
}

// Writer bulk-inserts a generation, one insert per table, all tables
// concurrently. Tables are independent: there is no cross-table transaction,
// a failed table never rolls back its siblings, and reconciliation squares
// any difference afterwards.
type Writer struct {
	store Inserter
	log   *slog.Logger
	mtr   *metrics.Metrics
}

// NewWriter returns a writer targeting store. mtr may be nil.
func NewWriter(store Inserter, log *slog.Logger, mtr *metrics.Metrics) *Writer {
	return &Writer{store: store, log: log, mtr: mtr}
}

// Write inserts every table bucket of gen and resolves only when all inserts
// have settled. The returned error is the first insert failure; every failed
// table is logged with its row count and a sample row.
func (w *Writer) Write(ctx context.Context, gen Buffers) error {
	total := gen.Len()
	if total == 0 {
		return nil
	}

	batchID := uuid.NewString()
	start := time.Now()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		written int
	)
	for table, rows := range gen {
		table, rows := table, rows
		if len(rows) == 0 {
			continue
		}
		g.Go(func() error {
			if err := w.store.InsertRows(ctx, table, rows); err != nil {
				w.log.Error("bulk insert failed",
					"batch", batchID, "table", table, "rows", len(rows),
					"sample", sampleRow(rows), "error", err)
				return fmt.Errorf("insert %s (%d rows): %w", table, len(rows), err)
			}
			w.mtr.RowsWritten(len(rows))
			mu.Lock()
			written += len(rows)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		w.mtr.FlushErrors()
		return err
	}

	w.mtr.Flushes()
	w.log.Info("flushed batch",
		"batch", batchID, "rows", written, "tables", len(gen),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func sampleRow(rows []Record) string {
	r := rows[0]
	var b strings.Builder
	fmt.Fprintf(&b, "id=%s tx=%s", r.ID(), r.TxHash)
	for _, f := range r.Fields {
		fmt.Fprintf(&b, " %s=%v", f.Name, f.Value)
	}
	return b.String()
}
