package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// dialect captures the few places the supported drivers disagree.
type dialect struct {
	// name is the database/sql driver name.
	name string

	// nowMillis is the SQL expression for the server's epoch millis.
	nowMillis string

	// rebind converts ?-style placeholders when the driver needs $n.
	rebind func(string) string
}

var (
	sqliteDialect = dialect{
		name:      "sqlite3",
		nowMillis: "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)",
		rebind:    func(q string) string { return q },
	}
	libsqlDialect = dialect{
		name:      "libsql",
		nowMillis: "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)",
		rebind:    func(q string) string { return q },
	}
	postgresDialect = dialect{
		name:      "postgres",
		nowMillis: "(extract(epoch from now()) * 1000)::bigint",
		rebind:    rebindDollar,
	}
)

// rebindDollar rewrites ? placeholders to $1, $2, ... for lib/pq.
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store over a shared SQL database. All documents of
// a workspace live in one documents table keyed by (collection, id), with
// fields serialized as JSON and a server-assigned updated_at column.
type SQLStore struct {
	conn      *sql.DB
	dialect   dialect
	workspace string
}

// OpenSQL opens a SQL-backed remote store for the given workspace.
// The schema is created if missing.
func OpenSQL(conn *sql.DB, d dialect, workspace string) (*SQLStore, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	s := &SQLStore{conn: conn, dialect: d, workspace: workspace}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		workspace TEXT NOT NULL,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		fields TEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (workspace, collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_scan
	    ON documents(workspace, collection, updated_at);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *SQLStore) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// MintID implements Store.MintID.
func (s *SQLStore) MintID() string {
	return MintID()
}

// ServerTime implements Store.ServerTime.
func (s *SQLStore) ServerTime(ctx context.Context) (int64, error) {
	var millis int64
	query := "SELECT " + s.dialect.nowMillis
	if err := s.conn.QueryRowContext(ctx, query).Scan(&millis); err != nil {
		return 0, fmt.Errorf("failed to read server time: %w", err)
	}
	return millis, nil
}

// GetDocument implements Store.GetDocument.
func (s *SQLStore) GetDocument(ctx context.Context, path string) (*Document, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	query := s.dialect.rebind(`
	SELECT fields, updated_at FROM documents
	WHERE workspace = ? AND collection = ? AND id = ?`)

	var fieldsJSON string
	var updatedAt int64
	err = s.conn.QueryRowContext(ctx, query, s.workspace, collection, id).
		Scan(&fieldsJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", path, err)
	}

	return decodeDocument(path, id, fieldsJSON, updatedAt)
}

// SetMerge implements Store.SetMerge.
func (s *SQLStore) SetMerge(ctx context.Context, path string, fields map[string]any) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.mergeInTx(ctx, tx, path, fields); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge of %s: %w", path, err)
	}
	return nil
}

// BatchWrite implements Store.BatchWrite. All operations commit or none do.
func (s *SQLStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchOps {
		return fmt.Errorf("batch of %d exceeds limit of %d operations", len(ops), MaxBatchOps)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if op.Delete {
			if err := s.deleteInTx(ctx, tx, op.Path); err != nil {
				return err
			}
			continue
		}
		if err := s.mergeInTx(ctx, tx, op.Path, op.Fields); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch of %d ops: %w", len(ops), err)
	}
	return nil
}

func (s *SQLStore) mergeInTx(ctx context.Context, tx *sql.Tx, path string, fields map[string]any) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	// Read the existing fields so unsupplied ones survive the write.
	query := s.dialect.rebind(`
	SELECT fields FROM documents
	WHERE workspace = ? AND collection = ? AND id = ?`)

	merged := make(map[string]any, len(fields))
	var existingJSON string
	err = tx.QueryRowContext(ctx, query, s.workspace, collection, id).Scan(&existingJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New document.
	case err != nil:
		return fmt.Errorf("failed to read document %s for merge: %w", path, err)
	default:
		if err := json.Unmarshal([]byte(existingJSON), &merged); err != nil {
			return fmt.Errorf("failed to decode document %s: %w", path, err)
		}
	}

	normalizeTimestamps(fields)
	for k, v := range fields {
		merged[k] = v
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", path, err)
	}

	upsert := s.dialect.rebind(`
	INSERT INTO documents (workspace, collection, id, fields, updated_at)
	VALUES (?, ?, ?, ?, ` + s.dialect.nowMillis + `)
	ON CONFLICT(workspace, collection, id) DO UPDATE SET
		fields = excluded.fields,
		updated_at = excluded.updated_at`)

	if _, err := tx.ExecContext(ctx, upsert, s.workspace, collection, id, string(mergedJSON)); err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", path, err)
	}
	return nil
}

func (s *SQLStore) deleteInTx(ctx context.Context, tx *sql.Tx, path string) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	query := s.dialect.rebind(`
	DELETE FROM documents WHERE workspace = ? AND collection = ? AND id = ?`)
	if _, err := tx.ExecContext(ctx, query, s.workspace, collection, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", path, err)
	}
	return nil
}

// QueryCollection implements Store.QueryCollection. The rows are fetched
// by collection and ordered by server write time in SQL; field filters
// and field ordering are applied on the decoded documents, which keeps
// the SQL identical across all three drivers.
func (s *SQLStore) QueryCollection(ctx context.Context, collection string, q Query) ([]*Document, error) {
	query := s.dialect.rebind(`
	SELECT id, fields, updated_at FROM documents
	WHERE workspace = ? AND collection = ?
	ORDER BY updated_at ASC`)

	rows, err := s.conn.QueryContext(ctx, query, s.workspace, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var id, fieldsJSON string
		var updatedAt int64
		if err := rows.Scan(&id, &fieldsJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDocument(JoinPath(collection, id), id, fieldsJSON, updatedAt)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collection %s: %w", collection, err)
	}

	return applyQuery(docs, q), nil
}

func decodeDocument(path, id, fieldsJSON string, updatedAt int64) (*Document, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", path, err)
	}
	return &Document{Path: path, ID: id, Fields: fields, UpdatedAt: updatedAt}, nil
}

// applyQuery filters, orders, and limits decoded documents.
func applyQuery(docs []*Document, q Query) []*Document {
	out := docs[:0]
	for _, doc := range docs {
		if matchesFilters(doc, q.Filters) {
			out = append(out, doc)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := compareValues(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy]) < 0
			if q.Descending {
				return !less
			}
			return less
		})
	} else if q.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesFilters(doc *Document, filters []Filter) bool {
	for _, f := range filters {
		cmp := compareValues(doc.Fields[f.Field], f.Value)
		switch f.Op {
		case "==":
			if cmp != 0 {
				return false
			}
		case ">":
			if cmp <= 0 {
				return false
			}
		case ">=":
			if cmp < 0 {
				return false
			}
		case "<":
			if cmp >= 0 {
				return false
			}
		case "<=":
			if cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders two field values: numbers numerically, everything
// else by string form.
func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
