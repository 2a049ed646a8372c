package changes

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

// PrimaryKey is one row's primary-key tuple, in primary-key column order.
type PrimaryKey []value.Value

// IntKey returns the single-column key of a rowid table.
func IntKey(rowID int64) PrimaryKey { return PrimaryKey{value.Integer(rowID)} }

// id encodes the tuple so that equal tuples give equal strings.
func (pk PrimaryKey) id() string {
	var sb strings.Builder

	var buf [binary.MaxVarintLen64]byte

	for _, v := range pk {
		sb.WriteByte(byte(v.Kind()))

		switch v.Kind() {
		case value.KindInteger:
			n, _ := v.Int64()
			sb.Write(buf[:binary.PutVarint(buf[:], n)])
		case value.KindReal:
			f, _ := v.Float64()
			sb.Write(buf[:binary.PutUvarint(buf[:], math.Float64bits(f))])
		case value.KindText:
			s, _ := v.Text()
			sb.Write(buf[:binary.PutUvarint(buf[:], uint64(len(s)))])
			sb.WriteString(s)
		case value.KindBlob:
			b, _ := v.Bytes()
			sb.Write(buf[:binary.PutUvarint(buf[:], uint64(len(b)))])
			sb.Write(b)
		case value.KindNull:
		}
	}

	return sb.String()
}

// String formats the tuple as "(v1, v2)".
func (pk PrimaryKey) String() string {
	parts := make([]string, len(pk))
	for i, v := range pk {
		parts[i] = v.String()
	}

	return "(" + strings.Join(parts, ", ") + ")"
}

// Change is an immutable snapshot of one table's coalesced changes for one
// flush window.
//
// Nil key or column sets mean "unknown": any row or column may have changed.
// A known set may over-report but never misses a changed row or column.
type Change struct {
	Table   string
	keys    map[string]PrimaryKey
	columns map[string]struct{}
}

// PrimaryKeys returns the affected keys sorted by their encoding. ok is false
// when the affected rows are unknown.
func (c Change) PrimaryKeys() (keys []PrimaryKey, ok bool) {
	if c.keys == nil {
		return nil, false
	}

	ids := make([]string, 0, len(c.keys))
	for id := range c.keys {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	keys = make([]PrimaryKey, len(ids))
	for i, id := range ids {
		keys[i] = c.keys[id]
	}

	return keys, true
}

// Columns returns the affected column names, sorted. ok is false when the
// affected columns are unknown.
func (c Change) Columns() (columns []string, ok bool) {
	if c.columns == nil {
		return nil, false
	}

	columns = make([]string, 0, len(c.columns))
	for name := range c.columns {
		columns = append(columns, name)
	}

	sort.Strings(columns)

	return columns, true
}

// MayContainKey reports whether the row with key pk may have changed.
func (c Change) MayContainKey(pk PrimaryKey) bool {
	if c.keys == nil {
		return true
	}

	_, ok := c.keys[pk.id()]

	return ok
}

// MayContainColumn reports whether column may have changed.
func (c Change) MayContainColumn(column string) bool {
	if c.columns == nil {
		return true
	}

	_, ok := c.columns[column]

	return ok
}

// IsWide reports whether the affected rows are unknown.
func (c Change) IsWide() bool { return c.keys == nil }

// String summarizes the change for logs.
func (c Change) String() string {
	var sb strings.Builder

	sb.WriteString(c.Table)
	sb.WriteString(" keys=")

	if keys, ok := c.PrimaryKeys(); ok {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k.String()
		}

		sb.WriteString("[" + strings.Join(parts, " ") + "]")
	} else {
		sb.WriteString("*")
	}

	sb.WriteString(" columns=")

	if cols, ok := c.Columns(); ok {
		sb.WriteString("[" + strings.Join(cols, " ") + "]")
	} else {
		sb.WriteString("*")
	}

	return sb.String()
}

// accumulated is the mutable per-table record of one accumulation window.
// A nil keys map means the table went wide; it never narrows again.
type accumulated struct {
	keys    map[string]PrimaryKey
	columns map[string]struct{}
}

func newWide() *accumulated { return &accumulated{} }

func newNarrow(keys []PrimaryKey, columns []string) *accumulated {
	a := &accumulated{keys: make(map[string]PrimaryKey, len(keys))}
	for _, pk := range keys {
		a.keys[pk.id()] = pk
	}

	if columns != nil {
		a.columns = make(map[string]struct{}, len(columns))
		for _, col := range columns {
			a.columns[col] = struct{}{}
		}
	}

	return a
}

func (a *accumulated) wide() bool { return a.keys == nil }

// merge folds other into a following the narrow/wide rules: wide absorbs
// everything, key sets union, column sets union only if both are known.
func (a *accumulated) merge(other *accumulated) {
	if a.wide() {
		return
	}

	if other.wide() {
		a.keys = nil
		a.columns = nil

		return
	}

	for id, pk := range other.keys {
		a.keys[id] = pk
	}

	if a.columns == nil || other.columns == nil {
		a.columns = nil

		return
	}

	for col := range other.columns {
		a.columns[col] = struct{}{}
	}
}

func (a *accumulated) snapshot(table string) Change {
	return Change{Table: table, keys: a.keys, columns: a.columns}
}
