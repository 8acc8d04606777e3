package analytics

import (
	"fmt"
	"strings"

	"github.com/driftwatch/driftwatch/internal/config"
)

// Destination tables follow one naming convention: evt_<origin>_<event>,
// lowercased. The prefix is what catalog discovery keys on.
const TablePrefix = "evt_"

// VersionColumn carries the write-version stamp ReplacingMergeTree collapses
// on. Decoded field columns get an f_ prefix so neither the fixed columns
// nor this one can collide with event argument names.
const VersionColumn = "_version"

var commonColumns = []string{
	"id",
	"chain_id",
	"tx_hash",
	"block_number",
	"block_timestamp",
	"log_index",
	"src_address",
}

// TableSpec declares one destination event table.
type TableSpec struct {
	Origin string
	Event  string
	Fields []FieldDef
}

// FieldDef is a decoded event argument column: name as emitted by the
// decoder, type as a ClickHouse column type.
type FieldDef struct {
	Name string
	Type string
}

// SpecsFromConfig maps configured tables onto specs.
func SpecsFromConfig(tables []config.Table) []TableSpec {
	specs := make([]TableSpec, 0, len(tables))
	for _, t := range tables {
		fields := make([]FieldDef, 0, len(t.Fields))
		for _, f := range t.Fields {
			fields = append(fields, FieldDef{Name: f.Name, Type: f.Type})
		}
		specs = append(specs, TableSpec{Origin: t.Origin, Event: t.Event, Fields: fields})
	}
	return specs
}

// TableNames returns the destination table name for each spec.
func TableNames(specs []TableSpec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.TableName())
	}
	return names
}

// TableName derives the destination table deterministically from origin and
// event, so every writer and the reconciler agree on it.
func (s TableSpec) TableName() string {
	return TablePrefix + sanitizeIdent(s.Origin) + "_" + sanitizeIdent(s.Event)
}

// DDL renders the CREATE TABLE statement: replacing merge engine keyed on
// the write version, monthly partitions, content-derived sort key matching
// the surrogate id.
func (s TableSpec) DDL(db string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s.%s (\n", quoteIdent(db), quoteIdent(s.TableName()))
	b.WriteString("\t`id` String CODEC(ZSTD(1)),\n")
	b.WriteString("\t`chain_id` UInt64 CODEC(Delta, ZSTD(1)),\n")
	b.WriteString("\t`tx_hash` String CODEC(ZSTD(1)),\n")
	b.WriteString("\t`block_number` UInt64 CODEC(DoubleDelta, LZ4),\n")
	b.WriteString("\t`block_timestamp` DateTime CODEC(DoubleDelta, LZ4),\n")
	b.WriteString("\t`log_index` UInt32 CODEC(Delta, ZSTD(1)),\n")
	b.WriteString("\t`src_address` String CODEC(ZSTD(1)),\n")
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "\t%s %s,\n", quoteIdent(FieldColumn(f.Name)), f.Type)
	}
	b.WriteString("\t`_version` UInt64 CODEC(Delta, ZSTD(1))\n")
	b.WriteString(") ENGINE = ReplacingMergeTree(_version)\n")
	b.WriteString("PARTITION BY toYYYYMM(block_timestamp)\n")
	b.WriteString("ORDER BY (chain_id, block_number, log_index)")
	return b.String()
}

// FieldColumn maps a decoded field name onto its prefixed column.
func FieldColumn(name string) string {
	return "f_" + sanitizeIdent(name)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func quoteIdent(s string) string {
	return "`" + s + "`"
}
