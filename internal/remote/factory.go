package remote

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Open builds a remote store from a DSN. The scheme selects the backend:
//
//	libsql://host?authToken=...   shared Turso database
//	postgres://user@host/db       shared Postgres database
//	file:/path/to/remote.db       local SQLite file (testing, offline)
//	memory:                       in-memory store (testing)
//
// The workspace scopes all documents, so multiple accounts can share one
// database.
func Open(dsn, workspace string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("remote DSN is required")
	}

	if dsn == "memory:" {
		return NewMemoryStore(), nil
	}

	d, err := dialectFor(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach remote store: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return OpenSQL(conn, d, workspace)
}

func dialectFor(dsn string) (dialect, error) {
	switch {
	case strings.HasPrefix(dsn, "libsql://"), strings.HasPrefix(dsn, "wss://"):
		return libsqlDialect, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgresDialect, nil
	case strings.HasPrefix(dsn, "file:"):
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported remote DSN scheme in %q", dsn)
	}
}
