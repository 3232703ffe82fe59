package merge

import (
	"context"
	"fmt"

	"github.com/chatvault/chatsync/internal/localstore"
)

// Bookkeeping is the local-only record of last successful reconciliation
// times, keyed by record id. A chat whose local updatedAt has not moved
// past its entry can be skipped without touching the remote store.
type Bookkeeping struct {
	// LastSync maps record id to the record's updatedAt at its last
	// successful reconciliation. Same clock domain as the records
	// themselves, so eligibility is a plain comparison.
	LastSync map[string]int64 `json:"lastSync"`
}

// LoadBookkeeping reads the bookkeeping map, returning an empty one when
// none has been persisted yet.
func LoadBookkeeping(ctx context.Context, store *localstore.Store) (*Bookkeeping, error) {
	b := &Bookkeeping{LastSync: make(map[string]int64)}
	if _, err := store.GetJSON(ctx, localstore.KeyLastSync, b); err != nil {
		return nil, fmt.Errorf("failed to load sync bookkeeping: %w", err)
	}
	if b.LastSync == nil {
		b.LastSync = make(map[string]int64)
	}
	return b, nil
}

// Save persists the bookkeeping map.
func (b *Bookkeeping) Save(ctx context.Context, store *localstore.Store) error {
	if err := store.PutJSON(ctx, localstore.KeyLastSync, b); err != nil {
		return fmt.Errorf("failed to save sync bookkeeping: %w", err)
	}
	return nil
}

// Mark records a successful reconciliation of id at the record's
// updatedAt.
func (b *Bookkeeping) Mark(id string, updatedAt int64) {
	b.LastSync[id] = updatedAt
}

// Forget drops the entry for a deleted record.
func (b *Bookkeeping) Forget(id string) {
	delete(b.LastSync, id)
}
