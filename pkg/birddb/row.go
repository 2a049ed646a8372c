package birddb

import (
	"strings"

	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

// Row is one result row: column names in result order with their values.
// Rows are immutable and safe to share, which is what lets the row cache hand
// out the same Row to every reader.
type Row struct {
	columns []string
	values  []value.Value
}

// Len returns the number of columns.
func (r Row) Len() int { return len(r.values) }

// Columns returns the column names in result order.
func (r Row) Columns() []string {
	return append([]string(nil), r.columns...)
}

// Value returns the value of column i. It panics if i is out of range.
func (r Row) Value(i int) value.Value { return r.values[i] }

// Get returns the value of the first column called name.
func (r Row) Get(name string) (value.Value, bool) {
	for i, col := range r.columns {
		if col == name {
			return r.values[i], true
		}
	}

	return value.Value{}, false
}

// Map returns the row as a column-name to value map. Later duplicate column
// names win.
func (r Row) Map() map[string]value.Value {
	m := make(map[string]value.Value, len(r.columns))
	for i, col := range r.columns {
		m[col] = r.values[i]
	}

	return m
}

// String formats the row as "{col: value, ...}".
func (r Row) String() string {
	var sb strings.Builder

	sb.WriteByte('{')

	for i, col := range r.columns {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(col)
		sb.WriteString(": ")
		sb.WriteString(r.values[i].String())
	}

	sb.WriteByte('}')

	return sb.String()
}
