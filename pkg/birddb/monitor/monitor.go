// Package monitor detects writes to a database file made by connections the
// owning process does not control.
//
// Detection has two stages. A filesystem watch on the file's directory turns
// writes to the main file or its write-ahead log into signals on
// [Monitor.Signals]. The owner of the connection then reads the store's data
// version and passes it to [Monitor.Reconcile], which reports whether the
// file really changed since the last check. Signals are coalesced and
// best-effort; because the version check is idempotent, a missed event is
// caught up on the next one.
//
// Events that arrive while the owner has announced its own write with
// [Monitor.BeginExpectedChange] are dropped.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// relevantOps are the event kinds that can mean the file content changed:
// write, extend, delete, rename and revoke (attribute change).
const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename | fsnotify.Chmod

// Options configures a [Monitor].
type Options struct {
	// Logger receives debug logs for watch decisions. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Monitor watches one database file. Safe for concurrent use.
type Monitor struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	files   map[string]struct{}
	signals chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	expected map[int64]struct{}
	version  int64
	closed   bool
}

// New starts watching the database file at path. initialVersion is the data
// version the owner observed when it opened the file.
func New(path string, initialVersion int64, opts Options) (*Monitor, error) {
	if path == "" {
		return nil, errors.New("monitor: path is empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("monitor: resolving path: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("monitor: creating watcher: %w", err)
	}

	// The directory is watched so the -wal file is seen even before it exists.
	err = watcher.Add(filepath.Dir(abs))
	if err != nil {
		_ = watcher.Close()

		return nil, fmt.Errorf("monitor: watching %s: %w", filepath.Dir(abs), err)
	}

	m := &Monitor{
		logger:  logger.With("component", "monitor", "path", abs),
		watcher: watcher,
		files: map[string]struct{}{
			abs:          {},
			abs + "-wal": {},
		},
		signals:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		expected: make(map[int64]struct{}),
		version:  initialVersion,
	}

	m.wg.Add(1)

	go m.run()

	return m, nil
}

// Signals delivers one value per burst of relevant filesystem events. The
// channel is never closed.
func (m *Monitor) Signals() <-chan struct{} { return m.signals }

// BeginExpectedChange marks a self-originated write as in flight.
func (m *Monitor) BeginExpectedChange(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expected[id] = struct{}{}
}

// EndExpectedChange marks the write with id as finished.
func (m *Monitor) EndExpectedChange(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.expected, id)
}

// ExpectingChanges reports whether any self-originated write is in flight.
func (m *Monitor) ExpectingChanges() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.expected) > 0
}

// Reconcile records version and reports whether it differs from the last
// recorded one.
func (m *Monitor) Reconcile(version int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if version == m.version {
		return false
	}

	m.logger.Debug("data version changed", "from", m.version, "to", version)
	m.version = version

	return true
}

// Version returns the last recorded data version.
func (m *Monitor) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.version
}

// Close stops the watch. Safe to call more than once.
func (m *Monitor) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.mu.Unlock()

	close(m.quit)

	err := m.watcher.Close()

	m.wg.Wait()

	if err != nil {
		return fmt.Errorf("monitor: closing watcher: %w", err)
	}

	return nil
}

func (m *Monitor) run() {
	defer m.wg.Done()

	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			m.handle(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}

			m.logger.Debug("watch error", "error", err)
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) handle(ev fsnotify.Event) {
	if ev.Op&relevantOps == 0 {
		return
	}

	if _, ok := m.files[filepath.Clean(ev.Name)]; !ok {
		return
	}

	if m.ExpectingChanges() {
		m.logger.Debug("ignoring event during expected change", "event", ev.String())

		return
	}

	select {
	case m.signals <- struct{}{}:
	default:
		// A signal is already pending.
	}
}
