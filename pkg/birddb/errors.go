package birddb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error categories, matched with [errors.Is]. Engine failures additionally
// unwrap to the driver's *sqlite3.Error. A caller whose context ends while
// its request is still queued gets the context's error instead.
var (
	// ErrInstanceExists means another live [Database] already owns the path.
	ErrInstanceExists = errors.New("instance already exists for path")

	// ErrCannotOpen means the file could not be opened or the engine rejected it.
	ErrCannotOpen = errors.New("cannot open database")

	// ErrUnsupportedConfiguration means the engine lacks a required capability,
	// such as write-ahead logging.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	// ErrQueryPreparation means the statement could not be compiled.
	ErrQueryPreparation = errors.New("query preparation failed")

	// ErrNamedArgument means a named argument matches no parameter, or a
	// parameter was left unbound.
	ErrNamedArgument = errors.New("named argument error")

	// ErrArgumentCount means the number of positional arguments does not
	// match the statement's parameters.
	ErrArgumentCount = errors.New("wrong number of arguments")

	// ErrArgumentValue means an argument has no storable representation.
	ErrArgumentValue = errors.New("argument value cannot be bound")

	// ErrQueryExecution means the engine failed while running the statement.
	ErrQueryExecution = errors.New("query execution failed")

	// ErrResultValue means a result column could not be read back.
	ErrResultValue = errors.New("result value cannot be read")

	// ErrClosed means the [Database] was closed.
	ErrClosed = errors.New("database is closed")

	// ErrTxDone means a [Tx] was used after its body returned.
	ErrTxDone = errors.New("transaction has already finished")
)

// Error is the error type returned by all public birddb APIs.
//
// The underlying message comes first, followed by statement and file context:
//
//	query execution failed: no such table: t (sql="SELECT * FROM t" path=/data/app.db)
//
// Use [errors.As] to get at the fields, and [errors.Is] with the sentinels
// above to classify.
type Error struct {
	// SQL is the statement text, when the failure belongs to one.
	SQL string

	// Path is the database path, or ":memory:".
	Path string

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (sql=X path=Y)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := e.cause()
	suffix := e.suffix()

	if suffix == "" {
		return cause
	}

	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func (e *Error) suffix() string {
	var parts []string

	if e.SQL != "" {
		parts = append(parts, "sql="+strconv.Quote(e.SQL))
	}

	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}

	if len(parts) == 0 {
		return ""
	}

	return "(" + strings.Join(parts, " ") + ")"
}

func (e *Error) cause() string {
	if e.Err == nil {
		return ""
	}

	return e.Err.Error()
}

// withContext attaches statement and path context at API boundaries.
// If err is already *Error, missing fields are filled in place.
func withContext(err error, sql string, path string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.SQL == "" && sql != "" {
			existing.SQL = sql
		}

		if existing.Path == "" && path != "" {
			existing.Path = path
		}

		return existing
	}

	return &Error{SQL: sql, Path: path, Err: err}
}

// categorize wraps cause with a sentinel category. Both remain reachable
// through [errors.Is] and [errors.As].
func categorize(category error, cause error) error {
	if cause == nil {
		return category
	}

	return fmt.Errorf("%w: %w", category, cause)
}
