package birddb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/calvinalkan/birddb/pkg/birddb/changes"
	"github.com/calvinalkan/birddb/pkg/birddb/internal/notify"
	"github.com/calvinalkan/birddb/pkg/birddb/monitor"
	"github.com/calvinalkan/birddb/pkg/birddb/rowcache"
)

type (
	// Change is one table's coalesced changes for one flush.
	Change = changes.Change

	// PrimaryKey is one row's primary-key tuple.
	PrimaryKey = changes.PrimaryKey

	// ChangePublisher delivers [Change] values to its subscriptions.
	ChangePublisher = notify.Publisher[changes.Change]

	// ChangeSubscription receives changes in flush order on C.
	ChangeSubscription = notify.Subscription[changes.Change]

	// CacheStats are one table's row cache counters.
	CacheStats = rowcache.Stats
)

// Database is one open connection to one file or in-memory store.
//
// All operations on a Database run one at a time on a dedicated worker
// goroutine; concurrent callers queue. Safe for concurrent use.
//
// A Database that becomes unreachable without [Database.Close] is closed by
// the runtime.
type Database struct {
	core    *core
	cleanup runtime.Cleanup
}

// Open opens the database at path. An empty path or ":memory:" opens a
// private in-memory store.
//
// On-disk databases are put in WAL mode with synchronous=NORMAL. Opening a
// path that already has a live instance in the same [Registry] fails with
// [ErrInstanceExists].
func Open(ctx context.Context, path string, opts Options) (*Database, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inMemory := isInMemoryPath(path)
	key := inMemoryPath

	if !inMemory {
		var err error

		key, err = canonicalPath(path)
		if err != nil {
			return nil, &Error{Path: path, Err: categorize(ErrCannotOpen, err)}
		}
	}

	id := uuid.New()

	c := &core{
		id:       id,
		path:     key,
		inMemory: inMemory,
		readOnly: opts.ReadOnly,
		opts:     opts,
		logger:   logger.With("component", "birddb", "db", id.String(), "path", key),
		cached:   make(map[string]struct{}, len(opts.CachedTables)),
		capture:  newCapture(),
		cache:    rowcache.New(),
		registry: registry,
		stmts:    make(map[string]*statement),
		keys:     make(map[string]primaryKey),
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, table := range opts.CachedTables {
		c.cached[strings.ToLower(table)] = struct{}{}
	}

	c.delay.Store(int64(opts.OperationDelay))

	c.reporter = changes.NewReporter(c.cache, changes.Options{
		Logger:     c.logger,
		LogChanges: opts.LogChanges,
		Legacy:     opts.LegacyChangeNotifications,
	})

	if !inMemory {
		err := registry.reserve(key, c)
		if err != nil {
			c.reporter.Close()

			return nil, &Error{Path: key, Err: err}
		}

		c.registryKey = key
	}

	err := c.open(ctx)
	if err != nil {
		return nil, withContext(errors.Join(err, c.teardown()), "", key)
	}

	var signals <-chan struct{}
	if c.monitor != nil {
		signals = c.monitor.Signals()
	}

	go c.run(signals)

	db := &Database{core: c}
	db.cleanup = runtime.AddCleanup(db, func(c *core) {
		c.logger.Debug("closing unreachable database")

		_ = c.close()
	}, c)

	if !inMemory {
		registry.bind(key, c, db)
	}

	c.logger.Debug("opened", "read_only", opts.ReadOnly, "monitor", c.monitor != nil)

	return db, nil
}

// open connects, configures the connection, installs the hooks and starts
// the monitor.
func (c *core) open(ctx context.Context) error {
	var err error

	c.db, c.conn, err = openSqlite(ctx, c.path, c.readOnly)
	if err != nil {
		return categorize(ErrCannotOpen, err)
	}

	err = applyPragmas(ctx, c.conn, c.inMemory, c.readOnly)
	if err != nil {
		if errors.Is(err, ErrUnsupportedConfiguration) {
			return err
		}

		return categorize(ErrCannotOpen, err)
	}

	err = c.conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("%w: driver connection is %T", ErrUnsupportedConfiguration, driverConn)
		}

		sc.RegisterUpdateHook(c.capture.updateHook)
		sc.RegisterAuthorizer(c.capture.authorize)

		return nil
	})
	if err != nil {
		return err
	}

	if !c.opts.MonitorExternalChanges || c.inMemory {
		return nil
	}

	version, err := readDataVersion(ctx, c.conn)
	if err != nil {
		return categorize(ErrCannotOpen, err)
	}

	c.monitor, err = monitor.New(c.path, version, monitor.Options{Logger: c.logger})
	if err != nil {
		return categorize(ErrCannotOpen, err)
	}

	return nil
}

// Close finalizes cached statements, releases the connection and stops the
// worker and the monitor. Operations queued behind Close fail with
// [ErrClosed]. Safe to call more than once; must not be called from inside
// a transaction body.
//
// Methods without an error result keep working on in-memory state after
// Close: publishers are closed, so new subscriptions end at once, and cache
// counters stay readable.
func (db *Database) Close() error {
	db.cleanup.Stop()

	return db.core.close()
}

// Execute runs one or more semicolon-separated statements that take no
// arguments and return no rows.
func (db *Database) Execute(ctx context.Context, sql string) error {
	return db.core.do(ctx, func(ctx context.Context) error {
		return db.core.execute(ctx, sql)
	})
}

// Query runs one statement with positional arguments and returns its rows.
//
// Arguments convert as described by [value.From]; unconvertible ones fail
// with [ErrArgumentValue], a wrong count with [ErrArgumentCount]. Prepared
// statements are cached by SQL text for the life of the database.
func (db *Database) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	var rows []Row

	err := db.core.do(ctx, func(ctx context.Context) error {
		var err error

		rows, err = db.core.queryPositional(ctx, sql, args)

		return err
	})

	return rows, err
}

// QueryNamed runs one statement with named arguments (":name", "@name" or
// "$name"). Map keys may include the prefix. Keys matching no parameter,
// and parameters left unbound, fail with [ErrNamedArgument].
func (db *Database) QueryNamed(ctx context.Context, sql string, args map[string]any) ([]Row, error) {
	var rows []Row

	err := db.core.do(ctx, func(ctx context.Context) error {
		var err error

		rows, err = db.core.queryNamed(ctx, sql, args)

		return err
	})

	return rows, err
}

// Transaction runs body inside a savepoint. The savepoint is committed when
// body returns nil, and rolled back before body's error (or panic) reaches
// the caller.
//
// body runs on the worker; it must use tx for all database access.
func (db *Database) Transaction(ctx context.Context, body func(tx *Tx) error) error {
	return db.core.do(ctx, func(ctx context.Context) error {
		_, err := db.core.transaction(ctx, commitUnlessError(body))

		return err
	})
}

// CancellableTransaction is like [Database.Transaction], but body can also
// roll back without an error by returning false. committed reports whether
// the savepoint was released.
func (db *Database) CancellableTransaction(ctx context.Context, body func(tx *Tx) (bool, error)) (committed bool, err error) {
	err = db.core.do(ctx, func(ctx context.Context) error {
		var txErr error

		committed, txErr = db.core.transaction(ctx, body)

		return txErr
	})

	return committed, err
}

// Row reads the row of table whose primary key equals key (one value per
// key column, or the rowid for tables without a declared primary key).
// found is false when no such row exists.
//
// For tables listed in [Options.CachedTables] with a single-column key the
// row is served from, and stored in, the row cache.
func (db *Database) Row(ctx context.Context, table string, key ...any) (row Row, found bool, err error) {
	err = db.core.do(ctx, func(ctx context.Context) error {
		var rowErr error

		row, found, rowErr = db.core.row(ctx, table, key)

		return rowErr
	})

	return row, found, err
}

// Rows reads the rows of table with the given single-column primary keys,
// in key order. Keys without a row are skipped.
func (db *Database) Rows(ctx context.Context, table string, keys []any) ([]Row, error) {
	var rows []Row

	err := db.core.do(ctx, func(ctx context.Context) error {
		var err error

		rows, err = db.core.rows(ctx, table, keys)

		return err
	})

	return rows, err
}

// ChangePublisher returns the publisher for table. Repeated calls return the
// same publisher; subscriptions receive only changes flushed after they
// were created.
func (db *Database) ChangePublisher(table string) *ChangePublisher {
	return db.core.reporter.Publisher(table)
}

// Changes returns the database-wide feed. It only carries changes when the
// database was opened with [Options.LegacyChangeNotifications].
func (db *Database) Changes() *ChangePublisher {
	return db.core.reporter.AllChanges()
}

// IgnoreWritesToTable swallows changes to table until
// [Database.StopIgnoringWrites], for maintenance writes that ordinary
// observers should not see. With bufferRowIDs the affected rowids are
// collected. Only one table can be ignored at a time.
func (db *Database) IgnoreWritesToTable(table string, bufferRowIDs bool) {
	db.core.reporter.IgnoreWritesToTable(table, bufferRowIDs)
}

// StopIgnoringWrites ends suppression and returns the buffered rowids.
func (db *Database) StopIgnoringWrites() []int64 {
	return db.core.reporter.StopIgnoringWrites()
}

// CacheStats returns the row cache counters of table.
func (db *Database) CacheStats(table string) CacheStats {
	return db.core.cache.Stats(table)
}

// ResetCacheStats zeroes the row cache counters of table.
func (db *Database) ResetCacheStats(table string) {
	db.core.cache.ResetStats(table)
}

// SetArtificialDelay makes every later operation sleep d before running.
// For tests.
func (db *Database) SetArtificialDelay(d time.Duration) {
	db.core.delay.Store(int64(d))
}

// ID returns the instance id used in logs.
func (db *Database) ID() uuid.UUID { return db.core.id }

// Path returns the absolute path of the file, or ":memory:".
func (db *Database) Path() string { return db.core.path }

// IsInMemory reports whether the database has no backing file.
func (db *Database) IsInMemory() bool { return db.core.inMemory }

// IsReadOnly reports whether the database was opened read-only.
func (db *Database) IsReadOnly() bool { return db.core.readOnly }
