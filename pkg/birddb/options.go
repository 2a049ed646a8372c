package birddb

import (
	"log/slog"
	"time"
)

// Options configures [Open]. The zero value opens a read-write database with
// no logging, no monitoring and no cached tables.
type Options struct {
	// ReadOnly opens the file without write access. Writes fail with
	// [ErrQueryExecution].
	ReadOnly bool

	// LogQueries logs the text of every statement at info level.
	LogQueries bool

	// LogQueryParameters adds bound arguments to query logs.
	// Has no effect without LogQueries.
	LogQueryParameters bool

	// LogChanges logs every flushed change notification.
	LogChanges bool

	// LegacyChangeNotifications also delivers every change on
	// [Database.Changes].
	LegacyChangeNotifications bool

	// MonitorExternalChanges watches the file for writes by other
	// connections and reports them as whole-database changes.
	// Ignored for in-memory databases.
	MonitorExternalChanges bool

	// Registry enforces one live instance per path. Defaults to
	// [DefaultRegistry].
	Registry *Registry

	// Logger receives all logs. Defaults to [slog.Default].
	Logger *slog.Logger

	// CachedTables lists the tables whose rows [Database.Row] and
	// [Database.Rows] keep in the row cache.
	CachedTables []string

	// OperationDelay is slept before every serialized operation.
	// For tests that need to widen race windows.
	OperationDelay time.Duration
}

// inMemoryPath is the path reported by in-memory databases.
const inMemoryPath = ":memory:"

func isInMemoryPath(path string) bool {
	return path == "" || path == inMemoryPath
}
