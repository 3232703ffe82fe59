// Package remote provides the remote document store the sync engine
// reconciles against.
//
// The store is organized as collections of documents addressed by slash
// paths (chats/CHAT_x, chats/CHAT_x/messages/01H...). Writes are
// merge-writes: only the supplied fields are overwritten, everything else
// on the document is preserved. Every write stamps a server-assigned
// updated_at so devices with skewed clocks still converge.
//
// Implementations: a SQL store over a shared database (libSQL/Turso,
// Postgres, or a local SQLite file) and an in-memory store for tests.
package remote

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// MaxBatchOps is the largest number of operations accepted by a single
// BatchWrite, mirroring the batch limits of hosted document stores.
const MaxBatchOps = 400

// Document is one remote document with its decoded fields.
type Document struct {
	// Path is the full document path (collection/id).
	Path string

	// ID is the final path segment.
	ID string

	// Fields holds the document's decoded field map.
	Fields map[string]any

	// UpdatedAt is the server-assigned write timestamp in epoch millis.
	UpdatedAt int64
}

// WriteOp is one operation in a batch: a merge-write or a delete.
type WriteOp struct {
	Path   string
	Fields map[string]any
	Delete bool
}

// Filter restricts a collection query to documents whose field matches.
// Supported operators: "==", ">", ">=", "<", "<=".
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query configures QueryCollection. Zero value returns the whole
// collection ordered by server write time ascending.
type Query struct {
	Filters    []Filter
	OrderBy    string // field name, or empty for server write time
	Descending bool
	Limit      int
}

// Store is the remote document store capability consumed by the sync
// engine.
type Store interface {
	// GetDocument returns the document at path, or nil if absent.
	GetDocument(ctx context.Context, path string) (*Document, error)

	// SetMerge writes fields to the document at path with merge
	// semantics: fields not supplied are preserved. The document is
	// created if absent. The server assigns the write timestamp.
	SetMerge(ctx context.Context, path string, fields map[string]any) error

	// BatchWrite applies up to MaxBatchOps operations atomically.
	BatchWrite(ctx context.Context, ops []WriteOp) error

	// QueryCollection returns the documents of a collection matching the
	// query, ordered as requested.
	QueryCollection(ctx context.Context, collection string, q Query) ([]*Document, error)

	// ServerTime returns the store's current time in epoch millis.
	ServerTime(ctx context.Context) (int64, error)

	// MintID returns a new collision-free document id.
	MintID() string

	// Close releases the underlying connection.
	Close() error
}

// MintID returns a ULID: time-ordered, unique across devices without
// coordination. Both store implementations use it.
func MintID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// SplitPath splits a document path into its collection and document id.
func SplitPath(path string) (collection, id string, err error) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	return path[:idx], path[idx+1:], nil
}

// JoinPath builds a document path from a collection and a document id.
func JoinPath(collection, id string) string {
	return collection + "/" + id
}

// FieldMillis reads a numeric field from a decoded document as epoch
// millis. Decoded JSON numbers arrive as float64; writes keep int64.
// Returns 0 when the field is absent or not numeric.
func (d *Document) FieldMillis(key string) int64 {
	switch t := d.Fields[key].(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}

// FieldString reads a string field from a decoded document, or "".
func (d *Document) FieldString(key string) string {
	s, _ := d.Fields[key].(string)
	return s
}

// normalizeTimestamps coerces the well-known timestamp fields of a field
// map to int64 millis so documents written from different runtimes
// compare consistently.
func normalizeTimestamps(fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "createdAt", "updatedAt", "deletedAt", "syncedAt":
			switch t := v.(type) {
			case float64:
				fields[k] = int64(t)
			case int:
				fields[k] = int64(t)
			}
		}
	}
}
