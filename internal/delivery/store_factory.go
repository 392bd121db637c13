package delivery

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type PendingStoreFactory func(dsn string) (PendingStore, error)

var pendingStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]PendingStoreFactory
}{
	factories: map[string]PendingStoreFactory{},
}

// RegisterPendingStoreFactory adds or replaces the factory for a DSN scheme.
// Registered schemes take precedence over the built-in ones.
func RegisterPendingStoreFactory(scheme string, factory PendingStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	pendingStoreRegistry.mu.Lock()
	defer pendingStoreRegistry.mu.Unlock()
	pendingStoreRegistry.factories[scheme] = factory
}

func lookupPendingStoreFactory(scheme string) (PendingStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	pendingStoreRegistry.mu.RLock()
	defer pendingStoreRegistry.mu.RUnlock()
	factory, ok := pendingStoreRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildPendingStoreFromDSN picks a backend by scheme. An empty DSN selects
// DefaultPendingFile in the working directory.
func BuildPendingStoreFromDSN(dsn string) (PendingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewFilePendingStore(DefaultPendingFile)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupPendingStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFilePendingStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryPendingStore(), nil
	case "postgres", "postgresql":
		return NewPostgresPendingStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLitePendingStore(path)
	case "redis", "rediss", "nats", "kafka":
		return nil, fmt.Errorf("%w: pending store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported pending store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	// file://relative/path parses "relative" as the host.
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
