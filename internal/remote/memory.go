package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dry runs. It applies
// the same merge-write and server-timestamp semantics as the SQL store
// and counts writes so tests can assert idempotence.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]*Document // keyed by path
	last   int64                // last issued server timestamp
	writes int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

// WriteCount returns how many merge or delete operations have been
// applied. Test helper.
func (s *MemoryStore) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// MintID implements Store.MintID.
func (s *MemoryStore) MintID() string {
	return MintID()
}

// ServerTime implements Store.ServerTime. The clock is strictly
// monotonic even when the wall clock stalls within a millisecond.
func (s *MemoryStore) ServerTime(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked(), nil
}

func (s *MemoryStore) nowLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}

// GetDocument implements Store.GetDocument.
func (s *MemoryStore) GetDocument(ctx context.Context, path string) (*Document, error) {
	if _, _, err := SplitPath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[path]
	if !ok {
		return nil, nil
	}
	return cloneDocument(doc), nil
}

// SetMerge implements Store.SetMerge.
func (s *MemoryStore) SetMerge(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(path, fields)
}

func (s *MemoryStore) mergeLocked(path string, fields map[string]any) error {
	_, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	doc, ok := s.docs[path]
	if !ok {
		doc = &Document{Path: path, ID: id, Fields: make(map[string]any)}
		s.docs[path] = doc
	}

	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		clean[k] = v
	}
	normalizeTimestamps(clean)
	for k, v := range clean {
		doc.Fields[k] = v
	}
	doc.UpdatedAt = s.nowLocked()
	s.writes++
	return nil
}

// BatchWrite implements Store.BatchWrite.
func (s *MemoryStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) > MaxBatchOps {
		return fmt.Errorf("batch of %d exceeds limit of %d operations", len(ops), MaxBatchOps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		if op.Delete {
			if _, _, err := SplitPath(op.Path); err != nil {
				return err
			}
			delete(s.docs, op.Path)
			s.writes++
			continue
		}
		if err := s.mergeLocked(op.Path, op.Fields); err != nil {
			return err
		}
	}
	return nil
}

// QueryCollection implements Store.QueryCollection.
func (s *MemoryStore) QueryCollection(ctx context.Context, collection string, q Query) ([]*Document, error) {
	s.mu.Lock()
	var docs []*Document
	prefix := collection + "/"
	for path, doc := range s.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		// Only direct children: no slash in the remainder.
		if strings.Contains(path[len(prefix):], "/") {
			continue
		}
		docs = append(docs, cloneDocument(doc))
	}
	s.mu.Unlock()

	// Server write time order, matching the SQL store's base ordering.
	sortByUpdatedAt(docs)
	return applyQuery(docs, q), nil
}

// Close implements Store.Close.
func (s *MemoryStore) Close() error {
	return nil
}

func sortByUpdatedAt(docs []*Document) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j-1].UpdatedAt > docs[j].UpdatedAt; j-- {
			docs[j-1], docs[j] = docs[j], docs[j-1]
		}
	}
}

// cloneDocument deep-copies a document via JSON so callers can't mutate
// store internals.
func cloneDocument(doc *Document) *Document {
	data, err := json.Marshal(doc.Fields)
	if err != nil {
		// Fields always originate from JSON-compatible values.
		panic(fmt.Sprintf("memory store holds unmarshalable fields: %v", err))
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		panic(fmt.Sprintf("memory store clone failed: %v", err))
	}
	return &Document{Path: doc.Path, ID: doc.ID, Fields: fields, UpdatedAt: doc.UpdatedAt}
}
