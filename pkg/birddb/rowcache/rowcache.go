// Package rowcache is a per-table cache of decoded row objects keyed by
// primary-key value.
//
// The cache is a derived view: it owns nothing that is not recomputable from
// the store, so dropping it loses no data. Entries are removed by the change
// reporter before the matching change notification is delivered.
package rowcache

import (
	"sort"
	"strings"
	"sync"

	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

// Stats holds the counters of one table's cache entry.
type Stats struct {
	Hits               uint64
	Misses             uint64
	Writes             uint64
	RowInvalidations   uint64
	TableInvalidations uint64
}

type table struct {
	rows  map[value.Key]any
	stats Stats
}

// Cache maps table name to a primary-key indexed set of cached objects.
// Table names match case-insensitively, as they do in SQL. Safe for
// concurrent use.
type Cache struct {
	mu     sync.Mutex
	tables map[string]*table
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{tables: make(map[string]*table)}
}

// entry returns the table entry, creating it on first touch. Caller holds mu.
func (c *Cache) entry(name string) *table {
	name = strings.ToLower(name)

	t, ok := c.tables[name]
	if !ok {
		t = &table{rows: make(map[value.Key]any)}
		c.tables[name] = t
	}

	return t
}

// ReadOne returns the object cached for key, counting a hit or a miss.
func (c *Cache) ReadOne(tableName string, key value.Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.entry(tableName)

	obj, ok := t.rows[key]
	if ok {
		t.stats.Hits++
	} else {
		t.stats.Misses++
	}

	return obj, ok
}

// ReadMany partitions keys into cached objects and missed keys. Every
// distinct key lands in exactly one of the two results.
func (c *Cache) ReadMany(tableName string, keys []value.Key) (map[value.Key]any, []value.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.entry(tableName)
	hits := make(map[value.Key]any, len(keys))

	var missed []value.Key

	seen := make(map[value.Key]struct{}, len(keys))

	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		if obj, ok := t.rows[key]; ok {
			hits[key] = obj
			t.stats.Hits++

			continue
		}

		missed = append(missed, key)
		t.stats.Misses++
	}

	return hits, missed
}

// Write stores obj for key, replacing any previous object.
func (c *Cache) Write(tableName string, key value.Key, obj any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.entry(tableName)
	t.rows[key] = obj
	t.stats.Writes++
}

// Invalidate removes the object cached for key. The row invalidation counter
// moves only if an object was present.
func (c *Cache) Invalidate(tableName string, key value.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.entry(tableName)
	if _, ok := t.rows[key]; !ok {
		return
	}

	delete(t.rows, key)
	t.stats.RowInvalidations++
}

// InvalidateTable removes every object cached for the table. The table
// invalidation counter moves only if the table had entries.
func (c *Cache) InvalidateTable(tableName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateTableLocked(c.entry(tableName))
}

// InvalidateAll clears every table.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tables {
		c.invalidateTableLocked(t)
	}
}

func (*Cache) invalidateTableLocked(t *table) {
	if len(t.rows) == 0 {
		return
	}

	clear(t.rows)
	t.stats.TableInvalidations++
}

// Len returns the number of objects cached for the table.
func (c *Cache) Len(tableName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tables[strings.ToLower(tableName)]; ok {
		return len(t.rows)
	}

	return 0
}

// Stats returns a copy of the table's counters.
func (c *Cache) Stats(tableName string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entry(tableName).stats
}

// ResetStats zeroes the table's counters. Cached objects are kept.
func (c *Cache) ResetStats(tableName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entry(tableName).stats = Stats{}
}

// Tables returns the lower-cased names of tables with a cache entry, sorted.
func (c *Cache) Tables() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
