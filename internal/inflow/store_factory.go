package inflow

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// StoreFactory builds a Store from a DSN. Additional schemes can be
// registered by embedding programs before the factory is consulted.
type StoreFactory func(dsn string, claimTTL time.Duration) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoreFromDSN dispatches on the DSN scheme:
//
//	memory://                    in-process store
//	sqlite:///path/to/board.db   embedded sqlite file
//	postgres://...               Postgres
//
// A bare path with no scheme is treated as a sqlite file.
func BuildStoreFromDSN(dsn string, claimTTL time.Duration) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, claimTTL)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStoreWithTTL(claimTTL), nil
	case "postgres", "postgresql":
		return NewSQLStore(SQLStoreOptions{Driver: "postgres", DSN: dsn, ClaimTTL: claimTTL})
	case "", "file", "sqlite":
		path := sqlitePathFromDSN(parsed, dsn)
		if path == "" {
			return nil, ErrInvalidInput
		}
		return NewSQLStore(SQLStoreOptions{Driver: "sqlite", DSN: path, ClaimTTL: claimTTL})
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func sqlitePathFromDSN(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return strings.TrimSpace(raw)
	}
	path := parsed.Path
	if parsed.Host != "" {
		// sqlite://board.db parses the file name as a host.
		path = parsed.Host + path
	}
	return strings.TrimSpace(path)
}
