// Package device manages this device's sync identity.
//
// The identity is an opaque string minted once per local store and
// persisted in it. It is attached to every remote write as the
// last-writer tag so a device can recognize its own uploads when they
// come back down and skip re-importing them as remote changes.
package device

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatvault/chatsync/internal/localstore"
)

// ID is a persisted device identity.
type ID string

// Load returns the device identity from the local store, minting and
// persisting a new one on first use.
func Load(ctx context.Context, store *localstore.Store) (ID, error) {
	var id string
	ok, err := store.GetJSON(ctx, localstore.KeyDeviceID, &id)
	if err != nil {
		return "", fmt.Errorf("failed to load device id: %w", err)
	}
	if ok && id != "" {
		return ID(id), nil
	}

	id = uuid.NewString()
	if err := store.PutJSON(ctx, localstore.KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return ID(id), nil
}

// String returns the identity as the last-writer tag value.
func (id ID) String() string {
	return string(id)
}
