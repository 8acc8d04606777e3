package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// TableLookup resolves the destination tables a reconciliation pass operates
// on.
type TableLookup interface {
	Tables(ctx context.Context) ([]string, error)
}

// CatalogLookup discovers event tables from the store's own catalog by name
// prefix and engine, so it keeps up as upstream deployments add tables.
type CatalogLookup struct {
	conn driver.Conn
	db   string
}

func (l *CatalogLookup) Tables(ctx context.Context) ([]string, error) {
	rows, err := l.conn.Query(ctx,
		`SELECT name FROM system.tables WHERE database = ? AND name LIKE 'evt\_%' AND engine LIKE 'Replacing%' ORDER BY name`,
		l.db)
	if err != nil {
		return nil, fmt.Errorf("list event tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// StaticLookup serves a fixed table list, for deployments that declare the
// schema in config instead of trusting the catalog.
type StaticLookup []string

func (l StaticLookup) Tables(context.Context) ([]string, error) {
	return append([]string(nil), l...), nil
}
