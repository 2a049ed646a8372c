package birddb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

// sqliteBusyTimeout is the time SQLite waits when the database is locked.
// After this, operations return SQLITE_BUSY.
const sqliteBusyTimeout = 10000 // milliseconds

// openSqlite opens the store and pins its single connection.
//
// The pool is capped at one connection and the returned [sql.Conn] holds it
// for the lifetime of the database, so hooks registered on it see every
// statement.
func openSqlite(ctx context.Context, path string, readOnly bool) (*sql.DB, *sql.Conn, error) {
	if path == "" {
		return nil, nil, errors.New("open sqlite: path is empty")
	}

	dsn := path
	if path != inMemoryPath {
		dsn = fileURI(path, readOnly)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()

		return nil, nil, fmt.Errorf("connect sqlite: %w", err)
	}

	err = conn.PingContext(ctx)
	if err != nil {
		_ = conn.Close()
		_ = db.Close()

		return nil, nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, conn, nil
}

// fileURI returns the URI form of an absolute database path. Path characters
// such as '?' and '#' are percent-encoded so SQLite reads them as part of
// the file name.
func fileURI(path string, readOnly bool) string {
	u := url.URL{Scheme: "file", Path: path}
	if readOnly {
		u.RawQuery = "mode=ro"
	}

	return u.String()
}

// applyPragmas configures the connection. On-disk read-write databases must
// end up in WAL mode; synchronous=NORMAL trades the last commits on power
// loss for throughput without risking corruption.
func applyPragmas(ctx context.Context, conn *sql.Conn, inMemory bool, readOnly bool) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeout))
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	if inMemory || readOnly {
		return nil
	}

	var mode string

	err = conn.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode)
	if err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}

	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("%w: journal mode is %q, want wal", ErrUnsupportedConfiguration, mode)
	}

	_, err = conn.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	if err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}

	return nil
}

// readDataVersion reads PRAGMA data_version. On this connection the value
// changes only when another connection commits to the same file.
func readDataVersion(ctx context.Context, conn *sql.Conn) (int64, error) {
	var version int64

	err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read data_version: %w", err)
	}

	return version, nil
}

// primaryKey describes how rows of one table are addressed.
type primaryKey struct {
	// table is the name as the schema spells it, which is the name change
	// capture reports.
	table string

	// columns in primary-key order. Empty when the table has no declared
	// primary key and rows are addressed by rowid.
	columns []string

	// affinities of columns, in the same order.
	affinities []affinity

	// rowidAlias is true when the single key column is the rowid itself,
	// so the rowids the update hook reports are key values.
	rowidAlias bool
}

// keyColumns returns the columns a lookup by key compares.
func (pk primaryKey) keyColumns() []string {
	if len(pk.columns) == 0 {
		return []string{"rowid"}
	}

	return pk.columns
}

// keyAffinity returns how SQLite converts a value compared with key column i.
func (pk primaryKey) keyAffinity(i int) affinity {
	if len(pk.columns) == 0 || pk.rowidAlias {
		return affinityRowid
	}

	return pk.affinities[i]
}

var withoutRowid = regexp.MustCompile(`(?i)\bWITHOUT\s+ROWID\b`)

// readPrimaryKey reads a table's primary key from the schema. ok is false
// when the table does not exist.
func readPrimaryKey(ctx context.Context, conn *sql.Conn, table string) (pk primaryKey, ok bool, err error) {
	var ddl sql.NullString

	err = conn.QueryRowContext(ctx,
		"SELECT name, sql FROM sqlite_schema WHERE type IN ('table', 'view') AND name = ? COLLATE NOCASE",
		table,
	).Scan(&pk.table, &ddl)
	if errors.Is(err, sql.ErrNoRows) {
		// Temporary tables live in another schema; table_info still finds them.
		pk.table = table
	} else if err != nil {
		return primaryKey{}, false, fmt.Errorf("read schema: %w", err)
	}

	rows, err := conn.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(pk.table)+")")
	if err != nil {
		return primaryKey{}, false, fmt.Errorf("read table_info: %w", err)
	}

	defer func() { _ = rows.Close() }()

	type pkColumn struct {
		name     string
		declType string
		position int
	}

	var (
		found   bool
		columns []pkColumn
	)

	for rows.Next() {
		var (
			cid      int
			name     string
			declType string
			notNull  int
			dflt     sql.NullString
			position int
		)

		err = rows.Scan(&cid, &name, &declType, &notNull, &dflt, &position)
		if err != nil {
			return primaryKey{}, false, fmt.Errorf("scan table_info: %w", err)
		}

		found = true

		if position > 0 {
			columns = append(columns, pkColumn{name: name, declType: declType, position: position})
		}
	}

	err = rows.Err()
	if err != nil {
		return primaryKey{}, false, fmt.Errorf("read table_info: %w", err)
	}

	_ = rows.Close()

	if !found {
		return primaryKey{}, false, nil
	}

	sort.Slice(columns, func(i, j int) bool { return columns[i].position < columns[j].position })

	for _, col := range columns {
		pk.columns = append(pk.columns, col.name)
		pk.affinities = append(pk.affinities, columnAffinity(col.declType))
	}

	if len(columns) != 1 || !strings.EqualFold(columns[0].declType, "INTEGER") || withoutRowid.MatchString(ddl.String) {
		return pk, true, nil
	}

	// "INTEGER PRIMARY KEY DESC" is not a rowid alias; SQLite backs it with
	// an automatic index instead.
	indexed, err := hasPrimaryKeyIndex(ctx, conn, pk.table)
	if err != nil {
		return primaryKey{}, false, err
	}

	pk.rowidAlias = !indexed

	return pk, true, nil
}

// hasPrimaryKeyIndex reports whether table has an index created for its
// PRIMARY KEY constraint.
func hasPrimaryKeyIndex(ctx context.Context, conn *sql.Conn, table string) (bool, error) {
	rows, err := conn.QueryContext(ctx, "PRAGMA index_list("+quoteIdent(table)+")")
	if err != nil {
		return false, fmt.Errorf("read index_list: %w", err)
	}

	defer func() { _ = rows.Close() }()

	indexed := false

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)

		err = rows.Scan(&seq, &name, &unique, &origin, &partial)
		if err != nil {
			return false, fmt.Errorf("scan index_list: %w", err)
		}

		if origin == "pk" {
			indexed = true
		}
	}

	err = rows.Err()
	if err != nil {
		return false, fmt.Errorf("read index_list: %w", err)
	}

	return indexed, nil
}

// affinity is a column's type affinity, which decides how SQLite converts
// values compared with or stored in it.
type affinity uint8

const (
	affinityBlob affinity = iota
	affinityText
	affinityNumeric
	affinityInteger
	affinityReal
	affinityRowid
)

// columnAffinity applies SQLite's rules for deriving affinity from a
// declared type, in their order of precedence.
func columnAffinity(declType string) affinity {
	t := strings.ToUpper(declType)

	switch {
	case strings.Contains(t, "INT"):
		return affinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return affinityText
	case t == "", strings.Contains(t, "BLOB"):
		return affinityBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return affinityReal
	default:
		return affinityNumeric
	}
}

// convert returns v as the column would store it, where the conversion is
// exact. Values SQLite would leave alone, or that this does not model, come
// back unchanged.
func (a affinity) convert(v value.Value) value.Value {
	switch a {
	case affinityBlob:
		return v
	case affinityText:
		if n, ok := v.Int64(); ok {
			return value.Text(strconv.FormatInt(n, 10))
		}

		return v
	}

	n, f, isInt, ok := numericValue(v)
	if !ok {
		return v
	}

	switch {
	case a == affinityReal && isInt:
		return value.Real(float64(n))
	case a == affinityReal:
		return value.Real(f)
	case isInt:
		return value.Integer(n)
	case f == math.Trunc(f) && math.Abs(f) < 1<<62:
		return value.Integer(int64(f))
	case a == affinityRowid:
		return v
	default:
		return value.Real(f)
	}
}

// numericValue reads v as a number: INTEGER and REAL as they are, TEXT when
// it is a plain decimal number.
func numericValue(v value.Value) (n int64, f float64, isInt bool, ok bool) {
	if i, ok := v.Int64(); ok {
		return i, 0, true, true
	}

	if r, ok := v.Float64(); ok {
		return 0, r, false, true
	}

	s, ok := v.Text()
	if !ok {
		return 0, 0, false, false
	}

	s = strings.TrimSpace(s)
	if s == "" || strings.IndexFunc(s, notDecimal) >= 0 {
		return 0, 0, false, false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, 0, true, true
	}

	r, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(r, 0) {
		return 0, 0, false, false
	}

	return 0, r, false, true
}

func notDecimal(r rune) bool {
	return !strings.ContainsRune("0123456789+-.eE", r)
}

// quoteIdent quotes name as an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
