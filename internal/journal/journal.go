package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Journal is a local SQLite audit trail of reconciliation activity. Orphan
// removal destroys rows in the analytics store; the journal is the record of
// what was removed, when, and why.
type Journal struct {
	db *sql.DB
}

// Open initializes the journal database and runs minimal schema setup.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Ping checks database connectivity.
func (j *Journal) Ping(ctx context.Context) error {
	if j == nil || j.db == nil {
		return errors.New("journal not initialized")
	}
	return j.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS recon_passes (
  id           TEXT PRIMARY KEY,
  started_at   TIMESTAMP NOT NULL,
  finished_at  TIMESTAMP NOT NULL,
  chains       INTEGER NOT NULL,
  deletions    INTEGER NOT NULL,
  status       TEXT NOT NULL,
  error        TEXT
);

CREATE TABLE IF NOT EXISTS orphan_deletions (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  pass_id        TEXT NOT NULL,
  chain_id       INTEGER NOT NULL,
  safe_block     INTEGER NOT NULL,
  high_block     INTEGER NOT NULL,
  decision       TEXT NOT NULL,
  rows_removed   INTEGER NOT NULL,
  tables_touched INTEGER NOT NULL,
  created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Pass summarizes one reconciliation pass.
type Pass struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Chains     int
	Deletions  int
	Status     string
	Error      string
}

// RecordPass stores a pass summary; primary key enforces exactly-once insertion.
func (j *Journal) RecordPass(ctx context.Context, p Pass) error {
	if p.ID == "" {
		return errors.New("pass id required")
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO recon_passes (id, started_at, finished_at, chains, deletions, status, error)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, p.ID, p.StartedAt.UTC(), p.FinishedAt.UTC(), p.Chains, p.Deletions, p.Status, p.Error)
	if err != nil {
		return fmt.Errorf("record pass: %w", err)
	}
	return nil
}

// LastPass retrieves the most recent pass summary.
func (j *Journal) LastPass(ctx context.Context) (Pass, bool, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, started_at, finished_at, chains, deletions, status, error
FROM recon_passes ORDER BY started_at DESC LIMIT 1;
`)
	var p Pass
	switch err := row.Scan(&p.ID, &p.StartedAt, &p.FinishedAt, &p.Chains, &p.Deletions, &p.Status, &p.Error); err {
	case nil:
		return p, true, nil
	case sql.ErrNoRows:
		return Pass{}, false, nil
	default:
		return Pass{}, false, fmt.Errorf("last pass: %w", err)
	}
}

// Deletion records one orphan removal for a chain.
type Deletion struct {
	PassID        string    `json:"pass_id"`
	ChainID       uint64    `json:"chain_id"`
	SafeBlock     uint64    `json:"safe_block"`
	HighBlock     uint64    `json:"high_block"`
	Decision      string    `json:"decision"`
	RowsRemoved   uint64    `json:"rows_removed"`
	TablesTouched int       `json:"tables_touched"`
	CreatedAt     time.Time `json:"created_at"`
}

// RecordDeletion appends a deletion entry.
func (j *Journal) RecordDeletion(ctx context.Context, d Deletion) error {
	if d.PassID == "" {
		return errors.New("pass id required")
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO orphan_deletions (pass_id, chain_id, safe_block, high_block, decision, rows_removed, tables_touched, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, d.PassID, d.ChainID, d.SafeBlock, d.HighBlock, d.Decision, d.RowsRemoved, d.TablesTouched, nullTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("record deletion: %w", err)
	}
	return nil
}

// RecentDeletions retrieves up to limit deletion entries, newest first. An
// empty journal yields an empty, non-nil slice.
func (j *Journal) RecentDeletions(ctx context.Context, limit int) ([]Deletion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT pass_id, chain_id, safe_block, high_block, decision, rows_removed, tables_touched, created_at
FROM orphan_deletions ORDER BY id DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent deletions: %w", err)
	}
	defer rows.Close()

	out := []Deletion{}
	for rows.Next() {
		var d Deletion
		if err := rows.Scan(&d.PassID, &d.ChainID, &d.SafeBlock, &d.HighBlock, &d.Decision, &d.RowsRemoved, &d.TablesTouched, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deletion: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
