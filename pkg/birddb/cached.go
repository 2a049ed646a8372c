package birddb

import (
	"context"
	"fmt"
	"strings"

	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

func (c *core) queryPositional(ctx context.Context, sql string, args []any) ([]Row, error) {
	return c.query(ctx, sql, func(p params) ([]any, error) { return p.bindPositional(args) })
}

func (c *core) queryNamed(ctx context.Context, sql string, args map[string]any) ([]Row, error) {
	return c.query(ctx, sql, func(p params) ([]any, error) { return p.bindNamed(args) })
}

func (c *core) isCached(table string) bool {
	_, ok := c.cached[strings.ToLower(table)]

	return ok
}

// lookup resolves table's primary key and the statement that selects a row
// by it.
func (c *core) lookup(ctx context.Context, table string) (primaryKey, string, error) {
	pk, found, err := c.primaryKey(ctx, table)
	if err != nil {
		return primaryKey{}, "", c.fail("", categorize(ErrQueryExecution, err))
	}

	if !found {
		return primaryKey{}, "", c.fail("", fmt.Errorf("%w: no such table: %s", ErrQueryPreparation, table))
	}

	columns := pk.keyColumns()
	conds := make([]string, len(columns))

	for i, col := range columns {
		conds[i] = quoteIdent(col) + " = ?"
	}

	sql := "SELECT * FROM " + quoteIdent(pk.table) + " WHERE " + strings.Join(conds, " AND ")

	return pk, sql, nil
}

// lookupKey converts a caller's key to the value the key column holds, so
// "1" and 1 find the same cache entry on an integer key.
func lookupKey(pk primaryKey, key any) (value.Key, error) {
	v, err := value.From(key)
	if err != nil {
		return value.Key{}, err
	}

	return pk.keyAffinity(0).convert(v).Key(), nil
}

// storedKey returns the key row is cached under: the key column as read
// back, which is what change capture reports. ok is false when the row does
// not carry its key and the lookup value is not a rowid.
func storedKey(pk primaryKey, lookup value.Key, row Row) (value.Key, bool) {
	if len(pk.columns) == 1 {
		if v, ok := row.Get(pk.columns[0]); ok {
			return v.Key(), true
		}
	}

	_, isInt := lookup.Value().Int64()

	return lookup, isInt && pk.keyAffinity(0) == affinityRowid
}

// cacheWritable reports whether rows read now may be stored. Inside a
// savepoint they can hold writes that a rollback will undo.
func (c *core) cacheWritable() bool {
	return c.txDepth == 0
}

// row reads one row by primary key, through the row cache when table is
// cached and its key has a single column. Missing rows are not cached.
func (c *core) row(ctx context.Context, table string, key []any) (Row, bool, error) {
	pk, sql, err := c.lookup(ctx, table)
	if err != nil {
		return Row{}, false, err
	}

	columns := pk.keyColumns()
	if len(key) != len(columns) {
		return Row{}, false, c.fail(sql, fmt.Errorf("%w: table %s has %d key columns, got %d values", ErrArgumentCount, pk.table, len(columns), len(key)))
	}

	cacheable := c.isCached(pk.table) && len(columns) == 1

	var cacheKey value.Key

	if cacheable {
		cacheKey, err = lookupKey(pk, key[0])
		if err != nil {
			return Row{}, false, c.fail(sql, fmt.Errorf("%w: key: %w", ErrArgumentValue, err))
		}

		if obj, ok := c.cache.ReadOne(pk.table, cacheKey); ok {
			return obj.(Row), true, nil
		}
	}

	rows, err := c.queryPositional(ctx, sql, key)
	if err != nil {
		return Row{}, false, err
	}

	if len(rows) == 0 {
		return Row{}, false, nil
	}

	if cacheable && c.cacheWritable() {
		if stored, ok := storedKey(pk, cacheKey, rows[0]); ok {
			c.cache.Write(pk.table, stored, rows[0])
		}
	}

	return rows[0], true, nil
}

// rows reads the rows with the given single-column keys, in key order.
// Keys with no row are skipped.
func (c *core) rows(ctx context.Context, table string, keys []any) ([]Row, error) {
	pk, sql, err := c.lookup(ctx, table)
	if err != nil {
		return nil, err
	}

	if len(pk.keyColumns()) != 1 {
		return nil, c.fail(sql, fmt.Errorf("%w: table %s has a composite primary key", ErrArgumentCount, pk.table))
	}

	ks := make([]value.Key, len(keys))

	for i, k := range keys {
		ks[i], err = lookupKey(pk, k)
		if err != nil {
			return nil, c.fail(sql, fmt.Errorf("%w: key %d: %w", ErrArgumentValue, i, err))
		}
	}

	cacheable := c.isCached(pk.table)

	found := make(map[value.Key]Row, len(ks))

	var missed []value.Key

	if cacheable {
		var hits map[value.Key]any

		hits, missed = c.cache.ReadMany(pk.table, ks)
		for k, obj := range hits {
			found[k] = obj.(Row)
		}
	} else {
		seen := make(map[value.Key]struct{}, len(ks))
		for _, k := range ks {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				missed = append(missed, k)
			}
		}
	}

	for _, k := range missed {
		rows, err := c.queryPositional(ctx, sql, []any{k.Value()})
		if err != nil {
			return nil, err
		}

		if len(rows) == 0 {
			continue
		}

		found[k] = rows[0]

		if !cacheable || !c.cacheWritable() {
			continue
		}

		if stored, ok := storedKey(pk, k, rows[0]); ok {
			c.cache.Write(pk.table, stored, rows[0])
		}
	}

	out := make([]Row, 0, len(ks))

	for _, k := range ks {
		if row, ok := found[k]; ok {
			out = append(out, row)
		}
	}

	return out, nil
}
