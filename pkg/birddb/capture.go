package birddb

import (
	"sort"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// sqliteRecursive is SQLITE_RECURSIVE, which the driver does not export.
const sqliteRecursive = 33

// statementInfo is what the authorizer learned about a statement while it
// was being prepared.
type statementInfo struct {
	// readOnly is true when only read, select, function and recursive-CTE
	// actions were authorized.
	readOnly bool

	// schemaChange is true when the statement alters the schema, which
	// invalidates cached primary-key shapes.
	schemaChange bool

	// targets are the tables the statement may write.
	targets map[string]*writeTarget

	params params
}

// writeTarget is one table a statement may write.
type writeTarget struct {
	// columns assigned by UPDATE. Meaningless once wholeRows is set.
	columns map[string]struct{}

	// wholeRows is set for INSERT, DELETE and DROP: the changed columns
	// are unknown.
	wholeRows bool
}

// columnList returns the sorted UPDATE columns, or nil when unknown.
func (t *writeTarget) columnList() []string {
	if t == nil || t.wholeRows || len(t.columns) == 0 {
		return nil
	}

	cols := make([]string, 0, len(t.columns))
	for col := range t.columns {
		cols = append(cols, col)
	}

	sort.Strings(cols)

	return cols
}

// hookedTable collects update-hook events for one table.
type hookedTable struct {
	rowIDs []int64

	// wholeRows is set when an INSERT or DELETE was seen.
	wholeRows bool
}

// capture receives the engine's authorizer and update-hook callbacks.
//
// Both callbacks run on the goroutine stepping the statement, which is
// always the serialized worker; mu keeps them safe regardless.
type capture struct {
	mu          sync.Mutex
	authorizing bool
	info        statementInfo
	hooked      map[string]*hookedTable
}

func newCapture() *capture {
	return &capture{hooked: make(map[string]*hookedTable)}
}

// beginAuthorizing starts collecting authorizer actions.
func (c *capture) beginAuthorizing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authorizing = true
	c.info = statementInfo{readOnly: true, targets: make(map[string]*writeTarget)}
}

// endAuthorizing stops collecting and returns what was collected.
func (c *capture) endAuthorizing() statementInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authorizing = false
	info := c.info
	c.info = statementInfo{}

	return info
}

// authorize is registered as the connection's authorizer. It never denies.
func (c *capture) authorize(action int, arg1, arg2, _ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.authorizing {
		return sqlite3.SQLITE_OK
	}

	switch action {
	case sqlite3.SQLITE_READ, sqlite3.SQLITE_SELECT, sqlite3.SQLITE_FUNCTION, sqliteRecursive:
		return sqlite3.SQLITE_OK
	}

	c.info.readOnly = false

	switch action {
	case sqlite3.SQLITE_INSERT, sqlite3.SQLITE_DELETE:
		c.target(arg1).wholeRows = true
	case sqlite3.SQLITE_UPDATE:
		t := c.target(arg1)
		if arg2 != "" {
			t.columns[arg2] = struct{}{}
		}
	case sqlite3.SQLITE_DROP_TABLE, sqlite3.SQLITE_DROP_TEMP_TABLE:
		c.target(arg1).wholeRows = true
		c.info.schemaChange = true
	case sqlite3.SQLITE_ALTER_TABLE:
		c.target(arg2).wholeRows = true
		c.info.schemaChange = true
	default:
		c.info.schemaChange = true
	}

	return sqlite3.SQLITE_OK
}

// target returns the write target for table. Internal sqlite_ tables get a
// throwaway target.
func (c *capture) target(table string) *writeTarget {
	if table == "" || isInternalTable(table) {
		return &writeTarget{columns: make(map[string]struct{})}
	}

	t, ok := c.info.targets[table]
	if !ok {
		t = &writeTarget{columns: make(map[string]struct{})}
		c.info.targets[table] = t
	}

	return t
}

// updateHook is registered as the connection's update hook.
func (c *capture) updateHook(op int, _ string, table string, rowID int64) {
	if isInternalTable(table) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.hooked[table]
	if !ok {
		h = &hookedTable{}
		c.hooked[table] = h
	}

	h.rowIDs = append(h.rowIDs, rowID)

	if op != sqlite3.SQLITE_UPDATE {
		h.wholeRows = true
	}
}

// drainHooked returns and clears the update-hook events seen so far.
func (c *capture) drainHooked() map[string]*hookedTable {
	c.mu.Lock()
	defer c.mu.Unlock()

	hooked := c.hooked
	c.hooked = make(map[string]*hookedTable)

	return hooked
}

func isInternalTable(table string) bool {
	return strings.HasPrefix(strings.ToLower(table), "sqlite_")
}

// mayReplace reports whether sql can delete rows through REPLACE conflict
// resolution, which the update hook does not report.
func mayReplace(sql string) bool {
	return strings.Contains(strings.ToUpper(sql), "REPLACE")
}
