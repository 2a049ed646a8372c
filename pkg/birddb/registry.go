package birddb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"weak"
)

// DefaultRegistry is the process-wide registry used when
// [Options.Registry] is nil.
var DefaultRegistry = NewRegistry()

// Registry enforces at most one live [Database] per file path.
//
// Entries are keyed by absolute, symlink-resolved path and hold the
// database weakly: a database nobody references any more does not block a
// new [Open] of the same path, and is closed by the runtime shortly after.
// In-memory databases are never registered.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	core *core
	db   weak.Pointer[Database]

	// bound is false while Open is still running for this entry.
	bound bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// live reports whether e still owns its path.
func (e *registryEntry) live() bool {
	if e.core.closed.Load() {
		return false
	}

	if !e.bound {
		return true
	}

	return e.db.Value() != nil
}

// reserve claims path for c, failing with [ErrInstanceExists] while another
// live instance holds it.
func (r *Registry) reserve(path string, c *core) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[path]; ok && existing.live() {
		return ErrInstanceExists
	}

	r.entries[path] = &registryEntry{core: c}

	return nil
}

// bind attaches the public handle once Open succeeded.
func (r *Registry) bind(path string, c *core, db *Database) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[path]; ok && e.core == c {
		e.db = weak.Make(db)
		e.bound = true
	}
}

// release drops the entry for path if c still owns it.
func (r *Registry) release(path string, c *core) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[path]; ok && e.core == c {
		delete(r.entries, path)
	}
}

// Lookup returns the live database registered for path.
func (r *Registry) Lookup(path string) (*Database, bool) {
	key, err := canonicalPath(path)
	if err != nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || !e.bound || e.core.closed.Load() {
		return nil, false
	}

	db := e.db.Value()

	return db, db != nil
}

// Len returns the number of registered paths.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Reset forgets every entry without closing the databases. For tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.entries)
}

// canonicalPath returns the absolute path of a database file, with symlinks
// in its directory resolved. The file itself need not exist yet.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}

		return "", fmt.Errorf("resolving path: %w", err)
	}

	return filepath.Join(dir, filepath.Base(abs)), nil
}
