// Package localstore provides the embedded key-value store that holds chats,
// folders, and sync bookkeeping on this device.
//
// The store is a single SQLite database (embedded, WAL mode) with one kv
// table mapping string keys to JSON values. Records use key prefixes
// (CHAT_, FOLDER_) and bookkeeping lives under the chatsync: namespace.
//
// Mutating access from the sync engine goes through Update, which runs the
// caller's function inside a transaction bounded by an adaptive timeout so
// a wedged merge surfaces as a record-level failure instead of stalling
// the whole pass.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Adaptive transaction timeout bounds. The budget scales with message
// count so large chats get proportionally more time, clamped to keep a
// runaway transaction from blocking the pass indefinitely.
const (
	txTimeoutFloor      = 2 * time.Second
	txTimeoutCeiling    = 30 * time.Second
	txTimeoutPerMessage = 5 * time.Millisecond
)

// ErrTxTimeout reports that a local transaction exceeded its budget and
// was aborted. The affected record is retried on the next pass.
var ErrTxTimeout = errors.New("localstore: transaction timed out")

// Entry is one key-value pair returned by a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store wraps the embedded SQLite database.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the given path, creating the parent directory
// and schema as needed. The caller must Close it.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping local store: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize local store schema: %w", err)
	}
	return nil
}

// Close closes the store after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close local store: %w", err)
	}
	s.conn = nil
	return nil
}

// Get returns the raw value for key. The second return is false when the
// key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return []byte(value), true, nil
}

// GetJSON decodes the value for key into dst. Returns false when absent.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Put stores a raw value under key, replacing any existing value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ScanPrefix returns all entries whose key starts with prefix, ordered by
// key ascending.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key ASC",
		prefix, prefix+"￿")
	if err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var value string
		if err := rows.Scan(&e.Key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Value = []byte(value)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// KeysWithPrefix returns just the keys under prefix, ordered ascending.
func (s *Store) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT key FROM kv WHERE key >= ? AND key < ? ORDER BY key ASC",
		prefix, prefix+"￿")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// Tx provides read-modify-write access within one bounded transaction.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Get returns the raw value for key within the transaction.
func (t *Tx) Get(key string) ([]byte, bool, error) {
	var value string
	err := t.tx.QueryRowContext(t.ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return []byte(value), true, nil
}

// GetJSON decodes the value for key into dst. Returns false when absent.
func (t *Tx) GetJSON(key string, dst any) (bool, error) {
	data, ok, err := t.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Put stores a raw value under key within the transaction.
func (t *Tx) Put(key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := t.tx.ExecContext(t.ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key within the transaction.
func (t *Tx) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return t.Put(key, data)
}

// Delete removes key within the transaction.
func (t *Tx) Delete(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Update runs fn inside a transaction bounded by timeout. If the budget is
// exceeded the transaction is rolled back and ErrTxTimeout is returned.
func (s *Store) Update(ctx context.Context, timeout time.Duration, fn func(tx *Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := s.conn.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{ctx: txCtx, tx: tx}); err != nil {
		if txCtx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTxTimeout, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if txCtx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTxTimeout, err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TxTimeout returns the transaction budget for a record with the given
// message count: a floor plus a per-message allowance, clamped to the
// ceiling.
func TxTimeout(messageCount int) time.Duration {
	timeout := txTimeoutFloor + time.Duration(messageCount)*txTimeoutPerMessage
	if timeout > txTimeoutCeiling {
		return txTimeoutCeiling
	}
	return timeout
}
