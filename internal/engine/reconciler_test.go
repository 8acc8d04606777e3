package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/driftwatch/driftwatch/internal/journal"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		process, ch  uint64
		head, thresh uint64
		want         Decision
	}{
		{"in sync", 2000, 2000, 2100, 200, InSync},
		{"in sync at zero", 0, 0, 0, 200, InSync},
		{"behind", 2000, 1500, 2100, 200, BehindWillReprocess},
		{"beyond head", 1000, 1001, 1000, 200, OrphanBeyondHead},
		{"confirmed at boundary", 700, 800, 1000, 200, OrphanConfirmed},
		{"confirmed below boundary", 500, 640, 1000, 200, OrphanConfirmed},
		{"within window", 700, 850, 1000, 200, OrphanWithinReorgWindow},
		{"within window at head", 700, 1000, 1000, 200, OrphanWithinReorgWindow},
		{"short chain saturates safe boundary", 10, 30, 150, 200, OrphanWithinReorgWindow},
		{"short chain orphan at zero boundary", 0, 5, 100, 200, OrphanWithinReorgWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.process, tt.ch, tt.head, tt.thresh); got != tt.want {
				t.Errorf("Classify(%d, %d, %d, %d) = %v, want %v",
					tt.process, tt.ch, tt.head, tt.thresh, got, tt.want)
			}
		})
	}
}

type fakeProgress struct {
	marks map[uint64]uint64
	err   error
}

func (f *fakeProgress) Watermarks(ctx context.Context) (map[uint64]uint64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[uint64]uint64, len(f.marks))
	for k, v := range f.marks {
		out[k] = v
	}
	return out, nil
}

type removeCall struct {
	chain, safe uint64
}

// fakeAnalytics serves watermarks and mimics orphan removal: a delete drops
// the chain's watermark to the safe block and zeroes its orphan rows.
type fakeAnalytics struct {
	mu      sync.Mutex
	marks   map[uint64]uint64
	orphans map[uint64]uint64
	counts  []removeCall
	deletes []removeCall
	err     error
}

func (f *fakeAnalytics) Watermarks(ctx context.Context) (map[uint64]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[uint64]uint64, len(f.marks))
	for k, v := range f.marks {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAnalytics) CountBlocksAfter(ctx context.Context, chainID, safeBlock uint64) (uint64, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, removeCall{chainID, safeBlock})
	n := f.orphans[chainID]
	if n == 0 {
		return 0, nil, nil
	}
	return n, []string{"evt_erc20_transfer", "evt_pool_swap"}, nil
}

func (f *fakeAnalytics) DeleteBlocksAfter(ctx context.Context, chainID, safeBlock uint64) (uint64, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, nil, f.err
	}
	f.deletes = append(f.deletes, removeCall{chainID, safeBlock})
	n := f.orphans[chainID]
	f.orphans[chainID] = 0
	f.marks[chainID] = safeBlock
	if n == 0 {
		return 0, nil, nil
	}
	return n, []string{"evt_erc20_transfer", "evt_pool_swap"}, nil
}

type fakeHeads struct {
	tips map[uint64]uint64
}

func (f *fakeHeads) Head(ctx context.Context, chainID uint64) (uint64, bool) {
	tip, ok := f.tips[chainID]
	return tip, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnceRemovesConfirmedOrphans(t *testing.T) {
	progress := &fakeProgress{marks: map[uint64]uint64{1: 2000}}
	analytics := &fakeAnalytics{
		marks:   map[uint64]uint64{1: 2600},
		orphans: map[uint64]uint64{1: 42},
	}
	heads := &fakeHeads{tips: map[uint64]uint64{1: 3000}}

	rec := New(progress, analytics, heads, nil, nil, testLogger(), 200, false)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if len(analytics.deletes) != 1 {
		t.Fatalf("deletes = %d, want 1", len(analytics.deletes))
	}
	if got := analytics.deletes[0]; got.chain != 1 || got.safe != 2000 {
		t.Fatalf("delete call = %+v, want chain 1 safe 2000", got)
	}

	// Second pass with no new ingestion finds nothing to remove.
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(analytics.deletes) != 1 {
		t.Fatalf("second pass should not delete, got %d calls", len(analytics.deletes))
	}
}

func TestRunOnceLeavesSyncAndWindowAlone(t *testing.T) {
	progress := &fakeProgress{marks: map[uint64]uint64{1: 2000, 5: 700, 9: 4000}}
	analytics := &fakeAnalytics{
		marks: map[uint64]uint64{
			1: 2000, // in sync
			5: 850,  // inside reorg window (head 1000, threshold 200)
			9: 3100, // behind
		},
		orphans: map[uint64]uint64{5: 7},
	}
	heads := &fakeHeads{tips: map[uint64]uint64{1: 2100, 5: 1000, 9: 4100}}

	rec := New(progress, analytics, heads, nil, nil, testLogger(), 200, false)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(analytics.deletes) != 0 {
		t.Fatalf("no deletes expected, got %+v", analytics.deletes)
	}
}

func TestRunOnceDeletesBeyondHeadWithoutTip(t *testing.T) {
	// No head source: the process watermark stands in for the tip, so rows
	// above it are structurally impossible and removed immediately.
	progress := &fakeProgress{marks: map[uint64]uint64{1: 2000}}
	analytics := &fakeAnalytics{
		marks:   map[uint64]uint64{1: 2100},
		orphans: map[uint64]uint64{1: 9},
	}

	rec := New(progress, analytics, nil, nil, nil, testLogger(), 200, false)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(analytics.deletes) != 1 || analytics.deletes[0].safe != 2000 {
		t.Fatalf("unexpected deletes: %+v", analytics.deletes)
	}
}

func TestRunOnceDryRunOnlyCounts(t *testing.T) {
	progress := &fakeProgress{marks: map[uint64]uint64{1: 2000}}
	analytics := &fakeAnalytics{
		marks:   map[uint64]uint64{1: 2600},
		orphans: map[uint64]uint64{1: 42},
	}
	heads := &fakeHeads{tips: map[uint64]uint64{1: 3000}}

	rec := New(progress, analytics, heads, nil, nil, testLogger(), 200, true)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(analytics.deletes) != 0 {
		t.Fatalf("dry run must not delete, got %+v", analytics.deletes)
	}
	if len(analytics.counts) != 1 || analytics.counts[0].safe != 2000 {
		t.Fatalf("unexpected counts: %+v", analytics.counts)
	}
}

func TestRunOncePropagatesStoreErrors(t *testing.T) {
	rec := New(&fakeProgress{err: errors.New("pg down")}, &fakeAnalytics{}, nil, nil, nil, testLogger(), 200, false)
	if err := rec.RunOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "process watermarks") {
		t.Fatalf("expected process watermark error, got %v", err)
	}

	rec = New(&fakeProgress{marks: map[uint64]uint64{1: 10}}, &fakeAnalytics{err: errors.New("ch down")}, nil, nil, nil, testLogger(), 200, false)
	if err := rec.RunOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "analytics watermarks") {
		t.Fatalf("expected analytics watermark error, got %v", err)
	}
}

func TestRunOnceWritesJournal(t *testing.T) {
	jrn, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = jrn.Close() })

	progress := &fakeProgress{marks: map[uint64]uint64{1: 2000, 2: 500}}
	analytics := &fakeAnalytics{
		marks:   map[uint64]uint64{1: 2600, 2: 500},
		orphans: map[uint64]uint64{1: 42},
	}
	heads := &fakeHeads{tips: map[uint64]uint64{1: 3000, 2: 600}}

	rec := New(progress, analytics, heads, jrn, nil, testLogger(), 200, false)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	pass, ok, err := jrn.LastPass(context.Background())
	if err != nil || !ok {
		t.Fatalf("last pass: ok=%v err=%v", ok, err)
	}
	if pass.Chains != 2 || pass.Deletions != 1 || pass.Status != "ok" {
		t.Fatalf("unexpected pass: %+v", pass)
	}

	dels, err := jrn.RecentDeletions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent deletions: %v", err)
	}
	if len(dels) != 1 {
		t.Fatalf("deletions = %d, want 1", len(dels))
	}
	d := dels[0]
	if d.ChainID != 1 || d.SafeBlock != 2000 || d.HighBlock != 2600 || d.Decision != "orphan_confirmed" || d.RowsRemoved != 42 {
		t.Fatalf("unexpected deletion: %+v", d)
	}
}
