// Package deletions detects records deleted on this device, propagates
// them as remote tombstones, and applies tombstones written by other
// devices.
//
// Detection is snapshot-based: the tracker persists the set of record
// ids seen at the end of each successful pass, and an id present in the
// previous snapshot but missing now was deleted here. Tombstones are
// append-only; a tombstoned id never syncs again, even if a stale copy
// of the record reappears locally.
package deletions

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/chatvault/chatsync/internal/device"
	"github.com/chatvault/chatsync/internal/localstore"
	"github.com/chatvault/chatsync/internal/record"
	"github.com/chatvault/chatsync/internal/remote"
)

// Collection is the remote collection holding tombstone documents, keyed
// by the deleted record's id.
const Collection = "deletions"

// Tracker runs deletion detection and propagation for chat records.
type Tracker struct {
	local  *localstore.Store
	remote remote.Store
	device device.ID
	logger *log.Logger

	// deleted is the in-memory view of the tombstoned id set, loaded at
	// the start of a pass and persisted whenever it grows.
	deleted map[string]bool
}

// NewTracker creates a tracker. If logger is nil, a default stderr
// logger is used.
func NewTracker(local *localstore.Store, rs remote.Store, dev device.ID, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[deletions] ", log.LstdFlags)
	}
	return &Tracker{local: local, remote: rs, device: dev, logger: logger}
}

// Result summarizes one deletion pass.
type Result struct {
	// Propagated lists ids this device tombstoned remotely.
	Propagated []string

	// RemovedLocally lists ids deleted from the local store because a
	// remote tombstone covered them.
	RemovedLocally []string
}

// Run executes the deletion algorithm against the given set of record
// ids currently present locally. It mutates the local store (removing
// tombstoned records) but does not persist the known-id snapshot; call
// Snapshot once the whole pass has succeeded.
func (t *Tracker) Run(ctx context.Context, currentIDs []string) (*Result, error) {
	res := &Result{}

	if err := t.pullTombstones(ctx); err != nil {
		return nil, err
	}

	known, err := t.loadKnown(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[string]bool, len(currentIDs))
	for _, id := range currentIDs {
		current[id] = true
	}

	// Ids we knew about, no longer have, and have not yet tombstoned
	// were deleted on this device since the last pass.
	for _, id := range known {
		if current[id] || t.deleted[id] {
			continue
		}
		if err := t.propagate(ctx, id); err != nil {
			// One failed propagation is retried next pass because the id
			// stays out of the deleted set and the snapshot is unchanged.
			t.logger.Printf("WARNING: failed to tombstone %s: %v", id, err)
			continue
		}
		res.Propagated = append(res.Propagated, id)
	}

	// Local records covered by a remote tombstone go away.
	for _, id := range currentIDs {
		if !t.deleted[id] {
			continue
		}
		if err := t.local.Delete(ctx, id); err != nil {
			t.logger.Printf("WARNING: failed to remove tombstoned record %s: %v", id, err)
			continue
		}
		res.RemovedLocally = append(res.RemovedLocally, id)
	}

	if len(res.Propagated) > 0 || len(res.RemovedLocally) > 0 {
		t.logger.Printf("Deletions: propagated=%d removed=%d",
			len(res.Propagated), len(res.RemovedLocally))
	}
	return res, nil
}

// Tombstoned reports whether id carries a tombstone. Tombstoned records
// are excluded from upload even when a stale local copy exists.
func (t *Tracker) Tombstoned(id string) bool {
	return t.deleted[id]
}

// Snapshot persists the current id set as the new last-known snapshot.
// Must run after deletion processing so a record deleted between two
// passes is detected exactly once.
func (t *Tracker) Snapshot(ctx context.Context, currentIDs []string) error {
	ids := make([]string, 0, len(currentIDs))
	for _, id := range currentIDs {
		if t.deleted[id] {
			continue
		}
		ids = append(ids, id)
	}
	if err := t.local.PutJSON(ctx, localstore.KeyKnownIDs, ids); err != nil {
		return fmt.Errorf("failed to persist known id snapshot: %w", err)
	}
	return nil
}

// loadKnown reads the id snapshot persisted by the previous Snapshot
// call. A missing snapshot yields an empty set.
func (t *Tracker) loadKnown(ctx context.Context) ([]string, error) {
	var ids []string
	if _, err := t.local.GetJSON(ctx, localstore.KeyKnownIDs, &ids); err != nil {
		return nil, fmt.Errorf("failed to load known id snapshot: %w", err)
	}
	return ids, nil
}

// pullTombstones downloads the remote tombstone collection and unions it
// into the persisted deleted set. Tombstones are never removed, so this
// is idempotent.
func (t *Tracker) pullTombstones(ctx context.Context) error {
	if t.deleted == nil {
		t.deleted = make(map[string]bool)
		if _, err := t.local.GetJSON(ctx, localstore.KeyDeletedIDs, &t.deleted); err != nil {
			return fmt.Errorf("failed to load deleted id set: %w", err)
		}
		if t.deleted == nil {
			t.deleted = make(map[string]bool)
		}
	}

	docs, err := t.remote.QueryCollection(ctx, Collection, remote.Query{})
	if err != nil {
		return fmt.Errorf("failed to fetch remote tombstones: %w", err)
	}

	grew := false
	for _, doc := range docs {
		if !t.deleted[doc.ID] {
			t.deleted[doc.ID] = true
			grew = true
		}
	}
	if grew {
		return t.saveDeleted(ctx)
	}
	return nil
}

// propagate removes the record's remote document and writes its
// tombstone in one atomic batch, then marks the id deleted.
func (t *Tracker) propagate(ctx context.Context, id string) error {
	ts := record.Tombstone{
		ID:        id,
		DeletedAt: record.Now(),
		DeletedBy: t.device.String(),
	}
	ops := []remote.WriteOp{
		{Path: remote.JoinPath("chats", id), Delete: true},
		{Path: remote.JoinPath(Collection, id), Fields: map[string]any{
			"id":        ts.ID,
			"deletedAt": ts.DeletedAt,
			"deletedBy": ts.DeletedBy,
		}},
	}
	if err := t.remote.BatchWrite(ctx, ops); err != nil {
		return err
	}

	t.deleted[id] = true
	return t.saveDeleted(ctx)
}

func (t *Tracker) saveDeleted(ctx context.Context) error {
	if err := t.local.PutJSON(ctx, localstore.KeyDeletedIDs, t.deleted); err != nil {
		return fmt.Errorf("failed to persist deleted id set: %w", err)
	}
	return nil
}
