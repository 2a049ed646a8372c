// Package changes turns per-statement change events into coalesced,
// per-table notifications.
//
// Changes reported while any transaction is open accumulate per table. When
// the last open transaction ends, the accumulated changes are flushed: one
// [Change] per table, delivered to that table's publisher. Cache entries for
// the affected rows are invalidated when the change is reported, so they are
// gone before any subscriber hears about the change.
package changes

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/calvinalkan/birddb/pkg/birddb/internal/notify"
	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

// Invalidator is the cache side effect of a reported change.
// [rowcache.Cache] implements it.
type Invalidator interface {
	Invalidate(table string, key value.Key)
	InvalidateTable(table string)
	InvalidateAll()
}

// Options configures a [Reporter].
type Options struct {
	// Logger receives change logs. Defaults to [slog.Default].
	Logger *slog.Logger

	// LogChanges logs every flushed change at info level.
	LogChanges bool

	// Legacy also delivers every flushed change on [Reporter.AllChanges].
	Legacy bool
}

// Report is one raw change event.
type Report struct {
	Table string

	// RowIDs are the rowids the engine reported. Collected into the
	// suppression buffer when the table is ignored with buffering.
	RowIDs []int64

	// PrimaryKeys of the affected rows. Nil or empty means unknown.
	PrimaryKeys []PrimaryKey

	// Columns that changed. Nil means unknown.
	Columns []string
}

type suppression struct {
	table  string
	buffer bool
	rowIDs []int64
}

// Reporter accumulates and flushes changes. Safe for concurrent use.
type Reporter struct {
	cache  Invalidator
	logger *slog.Logger
	opts   Options

	mu          sync.Mutex
	gate        gate
	pending     map[string]*accumulated
	publishers  map[string]*notify.Publisher[Change]
	all         *notify.Publisher[Change]
	ignored     *suppression
	flushSerial sync.Mutex
	closed      bool
}

// NewReporter returns a reporter that invalidates cache as changes arrive.
// cache may be nil.
func NewReporter(cache Invalidator, opts Options) *Reporter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reporter{
		cache:      cache,
		logger:     logger,
		opts:       opts,
		gate:       newGate(),
		pending:    make(map[string]*accumulated),
		publishers: make(map[string]*notify.Publisher[Change]),
		all:        notify.NewPublisher[Change](),
	}
}

// BeginTransaction marks id as open. Flushes are held back until every open
// id has ended.
func (r *Reporter) BeginTransaction(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gate.open(id)
}

// EndTransaction marks id as closed and flushes if it was the last open one.
func (r *Reporter) EndTransaction(id int64) {
	r.mu.Lock()
	last := r.gate.close(id)
	r.mu.Unlock()

	if last {
		r.flushIfIdle()
	}
}

// OpenTransactions returns the number of open transaction ids.
func (r *Reporter) OpenTransactions() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.gate.count()
}

// ReportChange reports a change to table. Nil or empty keys make the change
// wide; nil columns mean the changed columns are unknown.
func (r *Reporter) ReportChange(table string, keys []PrimaryKey, columns []string) {
	r.Report(Report{Table: table, PrimaryKeys: keys, Columns: columns})
}

// Report accumulates rep and invalidates the cache for the affected rows.
// Reports for an ignored table are dropped.
func (r *Reporter) Report(rep Report) {
	r.mu.Lock()

	if r.ignored != nil && r.ignored.table == rep.Table {
		if r.ignored.buffer {
			r.ignored.rowIDs = append(r.ignored.rowIDs, rep.RowIDs...)
		}

		r.mu.Unlock()

		return
	}

	var next *accumulated
	if len(rep.PrimaryKeys) == 0 {
		next = newWide()
	} else {
		next = newNarrow(rep.PrimaryKeys, rep.Columns)
	}

	if existing, ok := r.pending[rep.Table]; ok {
		existing.merge(next)
	} else {
		r.pending[rep.Table] = next
	}

	// Invalidate under mu so no flush can deliver this change first.
	r.invalidateLocked(rep)

	idle := r.gate.count() == 0
	r.mu.Unlock()

	if idle {
		r.flushIfIdle()
	}
}

func (r *Reporter) invalidateLocked(rep Report) {
	if r.cache == nil {
		return
	}

	if len(rep.PrimaryKeys) == 0 {
		r.cache.InvalidateTable(rep.Table)

		return
	}

	for _, pk := range rep.PrimaryKeys {
		if len(pk) != 1 {
			// The cache holds one value per row; composite keys cannot be
			// addressed individually.
			r.cache.InvalidateTable(rep.Table)

			return
		}
	}

	for _, pk := range rep.PrimaryKeys {
		r.cache.Invalidate(rep.Table, pk[0].Key())
	}
}

// ReportEntireDatabaseChange marks every table with a publisher as wide and
// clears the whole cache. Used when the file changed in an unknown way.
func (r *Reporter) ReportEntireDatabaseChange() {
	r.mu.Lock()

	for table := range r.publishers {
		r.pending[table] = newWide()
	}

	if r.cache != nil {
		r.cache.InvalidateAll()
	}

	idle := r.gate.count() == 0
	r.mu.Unlock()

	if idle {
		r.flushIfIdle()
	}
}

// IgnoreWritesToTable drops every change reported for table until
// [Reporter.StopIgnoringWrites]. With bufferRowIDs the reported rowids are
// collected instead. Replaces any earlier suppression.
func (r *Reporter) IgnoreWritesToTable(table string, bufferRowIDs bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ignored = &suppression{table: table, buffer: bufferRowIDs}
}

// StopIgnoringWrites removes the suppression and returns the buffered rowids
// (empty if buffering was off or nothing was written).
func (r *Reporter) StopIgnoringWrites() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ignored == nil {
		return []int64{}
	}

	ids := r.ignored.rowIDs
	r.ignored = nil

	if ids == nil {
		return []int64{}
	}

	return ids
}

// IgnoredTable returns the suppressed table, if any.
func (r *Reporter) IgnoredTable() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ignored == nil {
		return "", false
	}

	return r.ignored.table, true
}

// Publisher returns the publisher for table, creating it on first use.
// Repeated calls return the same publisher.
func (r *Reporter) Publisher(table string) *notify.Publisher[Change] {
	r.mu.Lock()
	defer r.mu.Unlock()

	pub, ok := r.publishers[table]
	if !ok {
		pub = notify.NewPublisher[Change]()
		if r.closed {
			pub.Close()
		}

		r.publishers[table] = pub
	}

	return pub
}

// AllChanges returns the database-wide publisher. It only receives changes
// when the reporter was created with Options.Legacy.
func (r *Reporter) AllChanges() *notify.Publisher[Change] { return r.all }

// Close ends every subscription. Pending changes are discarded.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true
	clear(r.pending)

	for _, pub := range r.publishers {
		pub.Close()
	}

	r.all.Close()
}

// flushIfIdle delivers pending changes when no transaction is open.
//
// flushSerial keeps concurrent flushes from interleaving their deliveries,
// so notifications arrive in the order their windows closed.
func (r *Reporter) flushIfIdle() {
	r.flushSerial.Lock()
	defer r.flushSerial.Unlock()

	r.mu.Lock()

	if r.gate.count() != 0 || len(r.pending) == 0 || r.closed {
		r.mu.Unlock()

		return
	}

	snapshot := make([]Change, 0, len(r.pending))
	for table, acc := range r.pending {
		snapshot = append(snapshot, acc.snapshot(table))
	}

	clear(r.pending)

	pubs := make(map[string]*notify.Publisher[Change], len(snapshot))
	for _, change := range snapshot {
		if pub, ok := r.publishers[change.Table]; ok {
			pubs[change.Table] = pub
		}
	}

	r.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Table < snapshot[j].Table })

	for _, change := range snapshot {
		if r.opts.LogChanges {
			r.logger.Info("change", "table", change.Table, "change", change.String())
		}

		if pub, ok := pubs[change.Table]; ok {
			pub.Publish(change)
		}

		if r.opts.Legacy {
			r.all.Publish(change)
		}
	}
}
