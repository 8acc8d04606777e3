package sink

import (
	"fmt"
	"time"
)

// Record is one decoded event row bound for a destination table. Structural
// fields are set by the pipeline itself, never taken from decoded event
// arguments, so they are always present and typed.
type Record struct {
	Table          string
	ChainID        uint64
	BlockNumber    uint64
	BlockTimestamp time.Time
	LogIndex       uint32
	TxHash         string
	SrcAddress     string
	Fields         []Field
}

// Field is a single decoded event argument. Slice order is preserved end to
// end so values line up with the destination column order.
type Field struct {
	Name  string
	Value any
}

// ID returns the surrogate row id. Retried writes of the same logical event
// produce the same id, which is what makes replacing-merge dedup work.
func (r Record) ID() string {
	return fmt.Sprintf("%d_%d_%d", r.ChainID, r.BlockNumber, r.LogIndex)
}

// Buffers is one swapped-out accumulator generation, keyed by destination
// table.
type Buffers map[string][]Record

// Len returns the total record count across all tables.
func (b Buffers) Len() int {
	n := 0
	for _, rows := range b {
		n += len(rows)
	}
	return n
}
