// Package record provides the canonical data structures for synced records.
package record

import (
	"sort"
	"time"
)

// Timestamps are epoch milliseconds throughout. The local store and the
// remote document store both persist this representation, which keeps
// comparisons cheap and avoids timezone round-trip bugs.

// Chat represents a chat conversation: ordered messages plus metadata.
// This structure is merge-friendly with flat fields and last-write-wins
// semantics per field. SyncedAt marks the last successful reconciliation
// point and is always <= UpdatedAt.
type Chat struct {
	// ===== Core Identification =====
	ID string `json:"id"`

	// ===== Content =====
	Title    string    `json:"title"`
	Model    string    `json:"model,omitempty"`
	FolderID string    `json:"folderID,omitempty"`
	Messages []Message `json:"messages"`

	// ===== Timestamps (conflict resolution) =====
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
	SyncedAt  int64 `json:"syncedAt,omitempty"`

	// Meta carries fields we don't interpret but must not drop when
	// writing the record back (chat parameters, plugin state, etc.).
	Meta map[string]any `json:"-"`
}

// Message is a sub-record of a Chat. Once assigned, an ID is immutable and
// unique within the parent chat's message collection. Messages without IDs
// are locally originated and not yet reconciled.
type Message struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   any    `json:"content"` // string or structured content parts
	Model     string `json:"model,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// Folder groups chats in the UI. Display order after merge is the total
// order on Order with ties broken by ID.
type Folder struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Color     string `json:"color,omitempty"`
	Order     int    `json:"order"`
	Open      bool   `json:"open"`
	UpdatedAt int64  `json:"updatedAt"`
	DeletedAt int64  `json:"deletedAt,omitempty"`
}

// Tombstone records that a record was deleted. Tombstones are append-only:
// they are written once and never removed, so every device can suppress
// re-upload of the dead record forever.
type Tombstone struct {
	ID        string `json:"id"`
	DeletedAt int64  `json:"deletedAt"`
	DeletedBy string `json:"deletedBy"`
}

// Now returns the current time in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Touch bumps UpdatedAt to now, keeping it monotonically non-decreasing.
func (c *Chat) Touch() {
	if now := Now(); now > c.UpdatedAt {
		c.UpdatedAt = now
	} else {
		c.UpdatedAt++
	}
}

// MessageIDs returns the set of non-empty message ids.
func (c *Chat) MessageIDs() map[string]bool {
	ids := make(map[string]bool, len(c.Messages))
	for _, m := range c.Messages {
		if m.ID != "" {
			ids[m.ID] = true
		}
	}
	return ids
}

// SortMessages orders messages by (createdAt, id) ascending.
func (c *Chat) SortMessages() {
	sort.SliceStable(c.Messages, func(i, j int) bool {
		a, b := c.Messages[i], c.Messages[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// DedupMessages removes messages whose non-empty id was already seen,
// keeping the first occurrence. Messages without ids are kept as-is.
func (c *Chat) DedupMessages() {
	seen := make(map[string]bool, len(c.Messages))
	out := c.Messages[:0]
	for _, m := range c.Messages {
		if m.ID != "" {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		out = append(out, m)
	}
	c.Messages = out
}

// SortFolders orders folders by (order, id) ascending for display.
func SortFolders(folders []Folder) {
	sort.SliceStable(folders, func(i, j int) bool {
		if folders[i].Order != folders[j].Order {
			return folders[i].Order < folders[j].Order
		}
		return folders[i].ID < folders[j].ID
	})
}
