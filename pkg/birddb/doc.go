// Package birddb is serialized, change-observable access to one SQLite file.
//
// A [Database] owns a single connection and funnels every operation through
// one worker goroutine, so statements and transaction bodies never overlap.
// Transactions are savepoints and nest freely.
//
// Writes are captured by the engine's update hook and authorizer and
// reported per table. Reports made while any call is still open are
// coalesced and flushed when the last one ends, as one [Change] per table
// on that table's [ChangePublisher]. A change names the affected primary
// keys and columns, or says they are unknown; it may over-report but never
// misses a changed row.
//
// Rows read with [Database.Row] from tables listed in [Options.CachedTables]
// are kept in a row cache. Cache entries are invalidated before the change
// that touched them is delivered.
//
// With [Options.MonitorExternalChanges] the file is watched for writes by
// other connections; when the store's data version moves, every subscribed
// table gets a wide change and the whole cache is dropped.
package birddb
