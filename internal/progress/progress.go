package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftwatch/driftwatch/internal/config"
)

// SQLSTATE for undefined_table. Seen when reading before the upstream
// pipeline has bootstrapped its schema.
const undefinedTableCode = "42P01"

// Store reads the authoritative fetch progress the upstream pipeline commits
// to Postgres. Read-only: driftwatch never writes here.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	table  string
	log    *slog.Logger
}

// Open connects and pings the process store.
func Open(ctx context.Context, cfg config.ProcessStore, log *slog.Logger) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse process store config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open process store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping process store: %w", err)
	}
	return &Store{pool: pool, schema: cfg.Schema, table: cfg.Table, log: log}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// Watermarks returns the highest fetched block per chain. The progress table
// holds one row per scanned range, so the watermark is the per-chain max. A
// missing table means the pipeline has not bootstrapped yet and reads as no
// progress at all.
func (s *Store) Watermarks(ctx context.Context) (map[uint64]uint64, error) {
	marks := map[uint64]uint64{}
	rows, err := s.pool.Query(ctx, watermarkQuery(s.schema, s.table))
	if err != nil {
		if isUndefinedTable(err) {
			s.log.Warn("progress table missing, treating as empty",
				"schema", s.schema, "table", s.table)
			return marks, nil
		}
		return nil, fmt.Errorf("query process watermarks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chain, block int64
		if err := rows.Scan(&chain, &block); err != nil {
			return nil, fmt.Errorf("scan process watermark: %w", err)
		}
		marks[uint64(chain)] = uint64(block)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			s.log.Warn("progress table missing, treating as empty",
				"schema", s.schema, "table", s.table)
			return map[uint64]uint64{}, nil
		}
		return nil, fmt.Errorf("read process watermarks: %w", err)
	}
	return marks, nil
}

func watermarkQuery(schema, table string) string {
	return fmt.Sprintf("SELECT chain_id, MAX(block_number) FROM %s GROUP BY chain_id",
		pgx.Identifier{schema, table}.Sanitize())
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTableCode
}
