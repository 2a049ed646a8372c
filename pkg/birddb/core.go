package birddb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/calvinalkan/birddb/pkg/birddb/changes"
	"github.com/calvinalkan/birddb/pkg/birddb/monitor"
	"github.com/calvinalkan/birddb/pkg/birddb/rowcache"
	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

// core is everything behind a [Database] handle. It never points back at the
// handle, so the handle can become unreachable while the core is still open.
//
// Fields in the "worker" group are touched only by the worker goroutine, or
// by teardown after the worker has stopped.
type core struct {
	id       uuid.UUID
	path     string
	inMemory bool
	readOnly bool
	opts     Options
	logger   *slog.Logger
	cached   map[string]struct{}

	db       *sql.DB
	conn     *sql.Conn
	capture  *capture
	cache    *rowcache.Cache
	reporter *changes.Reporter
	monitor  *monitor.Monitor

	registry    *Registry
	registryKey string

	// worker
	stmts  map[string]*statement
	keys   map[string]primaryKey
	nextTx int64
	// txDepth counts open savepoints.
	txDepth int

	delay     atomic.Int64
	requests  chan request
	quit      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// statement is a cached prepared statement with what the authorizer
// reported when it was compiled.
type statement struct {
	stmt *sql.Stmt
	info statementInfo
}

// begin allocates a transaction id and opens it on the change reporter.
func (c *core) begin() int64 {
	c.nextTx++
	id := c.nextTx
	c.reporter.BeginTransaction(id)

	return id
}

// expectChange announces a self-originated write to the monitor.
func (c *core) expectChange(id int64) {
	if c.monitor != nil {
		c.monitor.BeginExpectedChange(id)
	}
}

// end closes id. A flush happens here when id was the last open one.
func (c *core) end(id int64, expected bool) {
	if expected && c.monitor != nil {
		c.monitor.EndExpectedChange(id)
	}

	c.reporter.EndTransaction(id)
}

func (c *core) fail(query string, err error) error {
	return withContext(err, query, c.path)
}

func (c *core) logQuery(query string, args []any) {
	if !c.opts.LogQueries {
		return
	}

	if c.opts.LogQueryParameters && len(args) > 0 {
		c.logger.Info("query", "sql", query, "args", args)

		return
	}

	c.logger.Info("query", "sql", query)
}

// execute runs one or more statements without arguments or results.
// It always counts as a write.
func (c *core) execute(ctx context.Context, query string) error {
	id := c.begin()
	c.expectChange(id)

	defer c.end(id, true)

	c.logQuery(query, nil)

	c.capture.beginAuthorizing()
	_, err := c.conn.ExecContext(ctx, query)
	info := c.capture.endAuthorizing()

	// Earlier statements of a failing batch may have committed.
	c.report(ctx, query, info)

	if err != nil {
		return c.fail(query, categorize(ErrQueryExecution, err))
	}

	return nil
}

// query runs a single statement with arguments produced by bind.
func (c *core) query(ctx context.Context, query string, bind func(params) ([]any, error)) ([]Row, error) {
	id := c.begin()
	expected := false

	defer func() { c.end(id, expected) }()

	st, err := c.prepare(ctx, query)
	if err != nil {
		return nil, err
	}

	args, err := bind(st.info.params)
	if err != nil {
		return nil, c.fail(query, err)
	}

	if !st.info.readOnly {
		c.expectChange(id)

		expected = true
	}

	c.logQuery(query, args)

	rows, err := c.step(ctx, st.stmt, args)

	c.report(ctx, query, st.info)

	if err != nil {
		return nil, c.fail(query, err)
	}

	return rows, nil
}

// prepare returns the cached statement for query, compiling it on first use.
func (c *core) prepare(ctx context.Context, query string) (*statement, error) {
	if st, ok := c.stmts[query]; ok {
		return st, nil
	}

	c.capture.beginAuthorizing()
	stmt, err := c.conn.PrepareContext(ctx, query)
	info := c.capture.endAuthorizing()

	if err != nil {
		return nil, c.fail(query, categorize(ErrQueryPreparation, err))
	}

	info.params = scanParams(query)
	st := &statement{stmt: stmt, info: info}
	c.stmts[query] = st

	return st, nil
}

// step runs stmt and reads every result row.
func (c *core) step(ctx context.Context, stmt *sql.Stmt, args []any) ([]Row, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, categorize(ErrQueryExecution, err)
	}

	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, categorize(ErrResultValue, err)
	}

	var out []Row

	for rows.Next() {
		raw := make([]any, len(columns))
		dest := make([]any, len(columns))

		for i := range raw {
			dest[i] = &raw[i]
		}

		err = rows.Scan(dest...)
		if err != nil {
			return nil, categorize(ErrResultValue, err)
		}

		values := make([]value.Value, len(columns))

		for i, v := range raw {
			values[i], err = value.FromDriver(v)
			if err != nil {
				return nil, categorize(ErrResultValue, fmt.Errorf("column %q: %w", columns[i], err))
			}
		}

		out = append(out, Row{columns: columns, values: values})
	}

	err = rows.Err()
	if err != nil {
		return nil, categorize(ErrQueryExecution, err)
	}

	return out, nil
}

// report turns what the hooks saw during one call into change reports.
//
// Tables the update hook saw get their rowids; when the rowid is the primary
// key the change is narrow. Tables the statement targets but the hook never
// saw (no-op updates, truncating deletes, WITHOUT ROWID tables, dropped
// tables) are reported wide, so a mutating statement always notifies.
func (c *core) report(ctx context.Context, query string, info statementInfo) {
	hooked := c.capture.drainHooked()

	if info.schemaChange {
		clear(c.keys)
	}

	if len(hooked) == 0 && len(info.targets) == 0 {
		return
	}

	tables := make([]string, 0, len(hooked)+len(info.targets))
	for table := range hooked {
		tables = append(tables, table)
	}

	for table := range info.targets {
		if _, ok := hooked[table]; !ok {
			tables = append(tables, table)
		}
	}

	sort.Strings(tables)

	replace := mayReplace(query)

	for _, table := range tables {
		target := info.targets[table]
		rep := changes.Report{Table: table}

		if h, ok := hooked[table]; ok {
			rep.RowIDs = h.rowIDs

			// REPLACE can delete conflicting rows without telling the hook.
			wide := replace && (target == nil || target.wholeRows)

			if pk, found, _ := c.primaryKey(ctx, table); !wide && found && pk.rowidAlias {
				rep.PrimaryKeys = rowIDKeys(h.rowIDs)
			}

			if !h.wholeRows {
				rep.Columns = target.columnList()
			}
		}

		c.reporter.Report(rep)
	}
}

func rowIDKeys(rowIDs []int64) []changes.PrimaryKey {
	keys := make([]changes.PrimaryKey, len(rowIDs))
	for i, id := range rowIDs {
		keys[i] = changes.IntKey(id)
	}

	return keys
}

// primaryKey returns the cached primary-key shape of table. found is false
// when the table does not exist.
func (c *core) primaryKey(ctx context.Context, table string) (primaryKey, bool, error) {
	if pk, ok := c.keys[table]; ok {
		return pk, true, nil
	}

	pk, found, err := readPrimaryKey(ctx, c.conn, table)
	if err != nil {
		c.logger.Debug("reading primary key failed", "table", table, "error", err)

		return primaryKey{}, false, err
	}

	if found {
		c.keys[table] = pk
	}

	return pk, found, nil
}

// transaction runs body inside a savepoint named after a fresh transaction
// id. The savepoint is released when body returns (true, nil) and rolled
// back otherwise, including when body panics.
func (c *core) transaction(ctx context.Context, body func(*Tx) (bool, error)) (bool, error) {
	id := c.begin()
	c.expectChange(id)

	defer c.end(id, true)

	name := "tx_" + strconv.FormatInt(id, 10)

	_, err := c.conn.ExecContext(ctx, "SAVEPOINT "+name)
	if err != nil {
		return false, c.fail("SAVEPOINT "+name, categorize(ErrQueryExecution, err))
	}

	tx := &Tx{core: c}
	returned := false
	c.txDepth++

	defer func() {
		c.txDepth--
		tx.done = true

		if !returned {
			_ = c.rollback(ctx, name)
		}
	}()

	commit, bodyErr := body(tx)
	returned = true

	if bodyErr != nil || !commit {
		rbErr := c.rollback(ctx, name)
		if rbErr != nil {
			return false, errors.Join(bodyErr, rbErr)
		}

		return false, bodyErr
	}

	_, err = c.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	if err != nil {
		return false, errors.Join(
			c.fail("RELEASE SAVEPOINT "+name, categorize(ErrQueryExecution, err)),
			c.rollback(ctx, name),
		)
	}

	return true, nil
}

// rollback undoes everything since the savepoint and removes it. It runs
// even when ctx is already done.
func (c *core) rollback(ctx context.Context, name string) error {
	ctx = context.WithoutCancel(ctx)

	_, err := c.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	if err != nil {
		return c.fail("ROLLBACK TO SAVEPOINT "+name, categorize(ErrQueryExecution, err))
	}

	_, err = c.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	if err != nil {
		return c.fail("RELEASE SAVEPOINT "+name, categorize(ErrQueryExecution, err))
	}

	// Rolled-back rows were already reported; that over-reports, which is
	// allowed. Anything the hook saw during rollback is discarded.
	c.capture.drainHooked()

	return nil
}

// checkExternal reconciles the data version after a filesystem signal.
// Failures degrade to "no external change".
func (c *core) checkExternal() {
	version, err := readDataVersion(context.Background(), c.conn)
	if err != nil {
		c.logger.Debug("external change check failed", "error", err)

		return
	}

	if !c.monitor.Reconcile(version) {
		return
	}

	c.logger.Debug("external change detected", "data_version", version)

	clear(c.keys)
	c.reporter.ReportEntireDatabaseChange()
}

// teardown releases every resource the core holds. It runs once, after the
// worker has stopped or before it was ever started.
func (c *core) teardown() error {
	var errs []error

	for _, st := range c.stmts {
		err := st.stmt.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("finalize statement: %w", err))
		}
	}

	clear(c.stmts)

	if c.monitor != nil {
		err := c.monitor.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.conn != nil {
		err := c.conn.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("sqlite: close connection: %w", err))
		}
	}

	if c.db != nil {
		err := c.db.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}
	}

	c.reporter.Close()

	if c.registryKey != "" {
		c.registry.release(c.registryKey, c)
	}

	return errors.Join(errs...)
}

// close stops the worker and releases everything. Idempotent.
func (c *core) close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		<-c.done

		c.closeErr = c.teardown()
		if c.closeErr != nil {
			c.closeErr = withContext(c.closeErr, "", c.path)
		}

		c.logger.Debug("closed")
	})

	return c.closeErr
}
