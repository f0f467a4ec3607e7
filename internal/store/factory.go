package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Factory builds a Store from a DSN. External packages can register factories
// for additional schemes before calling Open.
type Factory func(dsn string, opts Options) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Open selects a backend from the DSN scheme: postgres:// for lib/pq,
// sqlite:// or a bare file path for modernc sqlite, memory:// for the
// in-memory backend. Callers run Setup once at startup before first use.
func Open(dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is empty", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "postgres", "postgresql":
		return openPostgres(dsn, opts)
	case "", "file", "sqlite":
		return openSQLite(dsnPath(parsed, dsn), opts)
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts), nil
	default:
		return nil, fmt.Errorf("%w: store scheme %s", ErrNotSupported, scheme)
	}
}

func openPostgres(dsn string, opts Options) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	db.SetMaxOpenConns(10)
	return newSQLStore(db, dialect{
		name:          "postgres",
		maxBindParams: 65535,
		rebind:        rebindPositional,
	}, opts), nil
}

func openSQLite(path string, opts Options) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", ErrInvalidInput)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// modernc sqlite serializes on a single connection; more causes
	// table-lock errors under concurrent invocations.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, dialect{
		name:          "sqlite",
		maxBindParams: 999,
		rebind:        nil,
		setup: []string{
			`PRAGMA foreign_keys = ON`,
			`PRAGMA journal_mode = WAL`,
		},
	}, opts), nil
}

func dsnPath(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return raw
	}
	if parsed.Opaque != "" {
		return parsed.Opaque
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	return path
}
