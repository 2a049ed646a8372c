package birddb

import "context"

// Tx gives a transaction body synchronous access to the database.
//
// Its methods run directly on the worker that is executing the body, so
// they must be called from the body itself, never from another goroutine
// and never after the body returned ([ErrTxDone]). Calling [Database]
// methods from inside a body deadlocks.
type Tx struct {
	core *core
	done bool
}

func (tx *Tx) check() error {
	if tx.done {
		return tx.core.fail("", ErrTxDone)
	}

	return nil
}

// Execute runs sql inside the transaction. See [Database.Execute].
func (tx *Tx) Execute(ctx context.Context, sql string) error {
	if err := tx.check(); err != nil {
		return err
	}

	return tx.core.execute(ctx, sql)
}

// Query runs sql with positional arguments. See [Database.Query].
func (tx *Tx) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	return tx.core.queryPositional(ctx, sql, args)
}

// QueryNamed runs sql with named arguments. See [Database.QueryNamed].
func (tx *Tx) QueryNamed(ctx context.Context, sql string, args map[string]any) ([]Row, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	return tx.core.queryNamed(ctx, sql, args)
}

// Transaction opens a nested savepoint. Rolling it back leaves the
// enclosing transaction intact.
func (tx *Tx) Transaction(ctx context.Context, body func(*Tx) error) error {
	if err := tx.check(); err != nil {
		return err
	}

	_, err := tx.core.transaction(ctx, commitUnlessError(body))

	return err
}

// CancellableTransaction opens a nested savepoint that body can roll back by
// returning false.
func (tx *Tx) CancellableTransaction(ctx context.Context, body func(*Tx) (bool, error)) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}

	return tx.core.transaction(ctx, body)
}

// Row reads one row by primary key. See [Database.Row].
func (tx *Tx) Row(ctx context.Context, table string, key ...any) (Row, bool, error) {
	if err := tx.check(); err != nil {
		return Row{}, false, err
	}

	return tx.core.row(ctx, table, key)
}

// Rows reads rows by single-column primary key. See [Database.Rows].
func (tx *Tx) Rows(ctx context.Context, table string, keys []any) ([]Row, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	return tx.core.rows(ctx, table, keys)
}

func commitUnlessError(body func(*Tx) error) func(*Tx) (bool, error) {
	return func(tx *Tx) (bool, error) {
		err := body(tx)

		return err == nil, err
	}
}
