package store

import (
	"context"
	"fmt"
	"net/url"
)

// Open picks a backend from the DSN scheme: postgres:// or postgresql:// for
// PostgresStore, memory:// for a throwaway MemoryStore.
func Open(ctx context.Context, dsn string, maxOpenConns int) (Store, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn, maxOpenConns)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme: %q", u.Scheme)
	}
}
