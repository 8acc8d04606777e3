package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"golang.org/x/sync/errgroup"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/sink"
)

// Store wraps a ClickHouse connection plus the event-table conventions the
// pipeline writes with.
type Store struct {
	conn   driver.Conn
	db     string
	lookup TableLookup
	log    *slog.Logger
}

// Open connects and pings the analytics store. Table discovery defaults to
// the catalog; SetTableLookup swaps in a static list.
func Open(ctx context.Context, cfg config.AnalyticsStore, log *slog.Logger) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open analytics store: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping analytics store: %w", err)
	}
	return &Store{
		conn:   conn,
		db:     cfg.Database,
		lookup: &CatalogLookup{conn: conn, db: cfg.Database},
		log:    log,
	}, nil
}

func (s *Store) SetTableLookup(l TableLookup) {
	s.lookup = l
}

func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureTables creates the given event tables if missing.
func (s *Store) EnsureTables(ctx context.Context, specs []TableSpec) error {
	for _, spec := range specs {
		if err := s.conn.Exec(ctx, spec.DDL(s.db)); err != nil {
			return fmt.Errorf("create table %s: %w", spec.TableName(), err)
		}
	}
	return nil
}

// InsertRows bulk-inserts one table's rows in a single batch. Every row gets
// a fresh write-version stamp, so a retried write of the same id collapses
// to the newest row during background merges.
func (s *Store) InsertRows(ctx context.Context, table string, rows []sink.Record) error {
	if len(rows) == 0 {
		return nil
	}

	cols := insertColumns(rows[0])
	query := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES",
		quoteIdent(s.db), quoteIdent(table), strings.Join(quoteAll(cols), ", "))
	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for i, r := range rows {
		vals, err := rowValues(r, rows[0], writeVersion())
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if err := batch.Append(vals...); err != nil {
			return fmt.Errorf("append row %d: %w", i, err)
		}
	}
	return batch.Send()
}

// Watermarks returns the highest written block per chain across every event
// table. Chains with no rows anywhere are absent from the result.
func (s *Store) Watermarks(ctx context.Context) (map[uint64]uint64, error) {
	tables, err := s.lookup.Tables(ctx)
	if err != nil {
		return nil, err
	}

	marks := map[uint64]uint64{}
	if len(tables) == 0 {
		return marks, nil
	}

	rows, err := s.conn.Query(ctx, watermarkQuery(s.db, tables))
	if err != nil {
		return nil, fmt.Errorf("query analytics watermarks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chain, high uint64
		if err := rows.Scan(&chain, &high); err != nil {
			return nil, fmt.Errorf("scan analytics watermark: %w", err)
		}
		marks[chain] = high
	}
	return marks, rows.Err()
}

// CountBlocksAfter reports how many rows sit above safeBlock for the chain,
// and which tables hold them. This is the read half of orphan removal, also
// used on its own for dry runs.
func (s *Store) CountBlocksAfter(ctx context.Context, chainID, safeBlock uint64) (uint64, []string, error) {
	tables, err := s.lookup.Tables(ctx)
	if err != nil {
		return 0, nil, err
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		total uint64
		hit   []string
	)
	for _, table := range tables {
		table := table
		g.Go(func() error {
			n, err := s.countAfter(ctx, table, chainID, safeBlock)
			if err != nil {
				return fmt.Errorf("count %s: %w", table, err)
			}
			if n == 0 {
				return nil
			}
			mu.Lock()
			total += n
			hit = append(hit, table)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}
	sort.Strings(hit)
	return total, hit, nil
}

// DeleteBlocksAfter removes every row above safeBlock for the chain, all
// tables in parallel, counting first so untouched tables never see a delete.
// Rerunning after a partial failure only finds what is still there.
func (s *Store) DeleteBlocksAfter(ctx context.Context, chainID, safeBlock uint64) (uint64, []string, error) {
	tables, err := s.lookup.Tables(ctx)
	if err != nil {
		return 0, nil, err
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		removed uint64
		hit     []string
	)
	for _, table := range tables {
		table := table
		g.Go(func() error {
			n, err := s.countAfter(ctx, table, chainID, safeBlock)
			if err != nil {
				return fmt.Errorf("count %s: %w", table, err)
			}
			if n == 0 {
				return nil
			}
			// Audit line lands before the destructive statement.
			s.log.Info("deleting orphaned rows",
				"table", table, "chain", chainID, "above_block", safeBlock, "rows", n)
			query := fmt.Sprintf("DELETE FROM %s.%s WHERE chain_id = ? AND block_number > ?",
				quoteIdent(s.db), quoteIdent(table))
			if err := s.conn.Exec(ctx, query, chainID, safeBlock); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
			mu.Lock()
			removed += n
			hit = append(hit, table)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}
	sort.Strings(hit)
	return removed, hit, nil
}

func (s *Store) countAfter(ctx context.Context, table string, chainID, safeBlock uint64) (uint64, error) {
	query := fmt.Sprintf("SELECT count() FROM %s.%s WHERE chain_id = ? AND block_number > ?",
		quoteIdent(s.db), quoteIdent(table))
	var n uint64
	if err := s.conn.QueryRow(ctx, query, chainID, safeBlock).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// watermarkQuery unions per-table maxima so one round trip covers the whole
// store.
func watermarkQuery(db string, tables []string) string {
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts,
			fmt.Sprintf("SELECT chain_id, max(block_number) AS high FROM %s.%s GROUP BY chain_id",
				quoteIdent(db), quoteIdent(t)))
	}
	return "SELECT chain_id, max(high) FROM (" + strings.Join(parts, " UNION ALL ") + ") GROUP BY chain_id"
}

// insertColumns derives the column list from a record: the fixed columns,
// one f_ column per decoded field, then the version column.
func insertColumns(r sink.Record) []string {
	cols := make([]string, 0, len(commonColumns)+len(r.Fields)+1)
	cols = append(cols, commonColumns...)
	for _, f := range r.Fields {
		cols = append(cols, FieldColumn(f.Name))
	}
	return append(cols, VersionColumn)
}

// rowValues lines a record's values up with insertColumns(head). Rows in one
// bucket must share the head's field set; anything else is a pipeline bug
// worth failing the batch over.
func rowValues(r, head sink.Record, version uint64) ([]any, error) {
	if len(r.Fields) != len(head.Fields) {
		return nil, fmt.Errorf("field count %d does not match batch head %d", len(r.Fields), len(head.Fields))
	}
	vals := make([]any, 0, len(commonColumns)+len(r.Fields)+1)
	vals = append(vals, r.ID(), r.ChainID, r.TxHash, r.BlockNumber, r.BlockTimestamp, r.LogIndex, r.SrcAddress)
	for i, f := range r.Fields {
		if f.Name != head.Fields[i].Name {
			return nil, fmt.Errorf("field %q out of line with batch head %q", f.Name, head.Fields[i].Name)
		}
		vals = append(vals, f.Value)
	}
	return append(vals, version), nil
}

func quoteAll(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, quoteIdent(c))
	}
	return out
}
