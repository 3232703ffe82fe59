package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/chatvault/chatsync/internal/deletions"
	"github.com/chatvault/chatsync/internal/device"
	"github.com/chatvault/chatsync/internal/events"
	"github.com/chatvault/chatsync/internal/localstore"
	"github.com/chatvault/chatsync/internal/merge"
	"github.com/chatvault/chatsync/internal/record"
	"github.com/chatvault/chatsync/internal/remote"
)

// KeysCollection is the remote collection holding synced custom keys.
const KeysCollection = "keys"

// Config holds engine options beyond the store handles.
type Config struct {
	// Keys lists the custom local-store keys to sync besides chats and
	// folders (settings blobs, prompt libraries, and the like).
	Keys []string

	// Events receives broadcasts for record changes and state
	// transitions. Nil disables broadcasting.
	Events *events.Server

	// Logger for pass activity. Nil means a default stderr logger.
	Logger *log.Logger
}

// Engine implements Syncer.
type Engine struct {
	local    *localstore.Store
	remote   remote.Store
	device   device.ID
	resolver *merge.Resolver
	tracker  *deletions.Tracker
	events   *events.Server
	logger   *log.Logger
	keys     []string

	inFlight atomic.Bool
	state    atomic.Value // State
}

// NewEngine wires an engine over the given stores.
func NewEngine(local *localstore.Store, rs remote.Store, dev device.ID, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	e := &Engine{
		local:    local,
		remote:   rs,
		device:   dev,
		resolver: merge.NewResolver(local, rs, dev, logger),
		tracker:  deletions.NewTracker(local, rs, dev, logger),
		events:   cfg.Events,
		logger:   logger,
		keys:     cfg.Keys,
	}
	e.state.Store(StateIdle)
	return e
}

// State implements Syncer.State.
func (e *Engine) State() State {
	return e.state.Load().(State)
}

// SyncNow implements Syncer.SyncNow.
func (e *Engine) SyncNow(ctx context.Context) (*Summary, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.logger.Println("Sync requested while a pass is in flight, skipping")
		return nil, ErrSyncInFlight
	}
	defer e.inFlight.Store(false)

	e.state.Store(StateRunning)
	e.events.Status("syncing", nil)

	sum, err := e.pass(ctx)
	if err != nil {
		e.state.Store(StateFailed)
		e.events.Status("error", err)
		e.logger.Printf("Sync pass failed: %v", err)
		return sum, err
	}

	e.state.Store(StateIdle)
	e.events.Status("success", nil)
	e.logger.Printf("Sync pass complete in %dms: chats=%d msgUp=%d msgDown=%d errors=%d",
		sum.Duration(), sum.ChatsReconciled+sum.ChatsDownloaded,
		sum.MessagesUploaded, sum.MessagesDownloaded, sum.Errors)
	return sum, nil
}

// pass runs the stages in order. Stage failures are recorded and
// skipped; only errors that invalidate the whole pass are returned.
func (e *Engine) pass(ctx context.Context) (*Summary, error) {
	sum := &Summary{StartedAt: record.Now()}

	book, err := merge.LoadBookkeeping(ctx, e.local)
	if err != nil {
		return sum, err
	}

	var changed, removed []string

	if err := e.syncKeys(ctx, sum); err != nil {
		e.stageFailed(sum, "custom keys", err)
	}
	if err := e.syncFolders(ctx, sum); err != nil {
		e.stageFailed(sum, "folders", err)
	}

	chatKeys, err := e.local.KeysWithPrefix(ctx, localstore.ChatKeyPrefix)
	if err != nil {
		return sum, fmt.Errorf("failed to list local chats: %w", err)
	}

	delRes, err := e.tracker.Run(ctx, chatKeys)
	if err != nil {
		e.stageFailed(sum, "deletions", err)
		delRes = &deletions.Result{}
	}
	sum.DeletionsPropagated = len(delRes.Propagated)
	sum.RemovedLocally = len(delRes.RemovedLocally)
	for _, id := range delRes.Propagated {
		book.Forget(id)
	}
	for _, id := range delRes.RemovedLocally {
		book.Forget(id)
		removed = append(removed, id)
	}

	// Reconcile chats whose local copy moved since their last sync.
	present := make(map[string]bool, len(chatKeys))
	for _, key := range chatKeys {
		if e.tracker.Tombstoned(key) {
			continue
		}
		present[key] = true

		chat, ok, err := e.localChat(ctx, key)
		if err != nil || !ok {
			continue
		}
		if chat.UpdatedAt <= book.LastSync[key] {
			continue
		}

		res, err := e.resolver.Reconcile(ctx, key)
		if err != nil {
			e.recordFailed(sum, key, err)
			continue
		}
		sum.ChatsReconciled++
		sum.MessagesUploaded += res.UploadedMessages
		sum.MessagesDownloaded += res.DownloadedMessages
		if res.Changed() {
			changed = append(changed, key)
		}
		e.markSynced(ctx, book, key)
	}

	// Download sweep: remote chats unknown locally, or changed by
	// another device since our last sync of them.
	docs, err := e.remote.QueryCollection(ctx, merge.ChatsCollection, remote.Query{})
	if err != nil {
		e.stageFailed(sum, "remote download", err)
		docs = nil
	}
	for _, doc := range docs {
		id := doc.ID
		if e.tracker.Tombstoned(id) {
			continue
		}
		foreign := doc.FieldString("lastDevice") != e.device.String()
		if present[id] && (!foreign || doc.FieldMillis("updatedAt") <= book.LastSync[id]) {
			continue
		}

		res, err := e.resolver.Reconcile(ctx, id)
		if err != nil {
			e.recordFailed(sum, id, err)
			continue
		}
		if !present[id] {
			sum.ChatsDownloaded++
			present[id] = true
		}
		sum.MessagesUploaded += res.UploadedMessages
		sum.MessagesDownloaded += res.DownloadedMessages
		if res.Changed() {
			changed = append(changed, id)
		}
		e.markSynced(ctx, book, id)
	}

	if err := book.Save(ctx, e.local); err != nil {
		return sum, err
	}

	finalKeys, err := e.local.KeysWithPrefix(ctx, localstore.ChatKeyPrefix)
	if err == nil {
		if err := e.tracker.Snapshot(ctx, finalKeys); err != nil {
			e.stageFailed(sum, "snapshot", err)
		}
	} else {
		e.stageFailed(sum, "snapshot", err)
	}

	sum.FinishedAt = record.Now()
	if err := e.local.PutJSON(ctx, localstore.KeyLastPass, sum); err != nil {
		e.logger.Printf("WARNING: failed to persist pass summary: %v", err)
	}

	e.events.RecordsChanged(changed, "synced")
	e.events.RecordsChanged(removed, "deleted")
	return sum, nil
}

// syncKeys reconciles the configured custom keys against the remote
// keys collection. Upload when the local value's hash moved since the
// last sync; download when the remote document is newer and
// foreign-written.
func (e *Engine) syncKeys(ctx context.Context, sum *Summary) error {
	if len(e.keys) == 0 {
		return nil
	}

	type keyState struct {
		Hash      string `json:"hash"`
		UpdatedAt int64  `json:"updatedAt"`
	}
	states := make(map[string]keyState)
	if _, err := e.local.GetJSON(ctx, localstore.KeyKeyHashes, &states); err != nil {
		return fmt.Errorf("failed to load key hashes: %w", err)
	}

	for _, key := range e.keys {
		data, ok, err := e.local.Get(ctx, key)
		if err != nil {
			e.recordFailed(sum, key, err)
			continue
		}
		var hash string
		if ok {
			h := sha256.Sum256(data)
			hash = hex.EncodeToString(h[:])
		}

		doc, err := e.remote.GetDocument(ctx, remote.JoinPath(KeysCollection, key))
		if err != nil {
			e.recordFailed(sum, key, err)
			continue
		}

		st := states[key]
		switch {
		case ok && hash != st.Hash:
			var value any
			if err := json.Unmarshal(data, &value); err != nil {
				// Not JSON; ship the raw text.
				value = string(data)
			}
			now := record.Now()
			fields := map[string]any{
				"value":      value,
				"updatedAt":  now,
				"lastDevice": e.device.String(),
			}
			if err := e.remote.SetMerge(ctx, remote.JoinPath(KeysCollection, key), fields); err != nil {
				e.recordFailed(sum, key, err)
				continue
			}
			states[key] = keyState{Hash: hash, UpdatedAt: now}
			sum.KeysUploaded++

		case doc != nil &&
			doc.FieldString("lastDevice") != e.device.String() &&
			doc.FieldMillis("updatedAt") > st.UpdatedAt:
			data, err := json.Marshal(doc.Fields["value"])
			if err != nil {
				e.recordFailed(sum, key, err)
				continue
			}
			if err := e.local.Put(ctx, key, data); err != nil {
				e.recordFailed(sum, key, err)
				continue
			}
			h := sha256.Sum256(data)
			states[key] = keyState{Hash: hex.EncodeToString(h[:]), UpdatedAt: doc.FieldMillis("updatedAt")}
			sum.KeysDownloaded++
		}
	}

	if err := e.local.PutJSON(ctx, localstore.KeyKeyHashes, states); err != nil {
		return fmt.Errorf("failed to persist key hashes: %w", err)
	}
	return nil
}

// syncFolders reconciles every folder known on either side using the
// pure per-folder decision.
func (e *Engine) syncFolders(ctx context.Context, sum *Summary) error {
	entries, err := e.local.ScanPrefix(ctx, localstore.FolderKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to scan local folders: %w", err)
	}

	locals := make(map[string]*record.Folder, len(entries))
	for _, entry := range entries {
		id := entry.Key[len(localstore.FolderKeyPrefix):]
		var raw any
		if err := json.Unmarshal(entry.Value, &raw); err != nil {
			e.logger.Printf("WARNING: folder %s holds malformed JSON, skipping: %v", id, err)
			continue
		}
		locals[id] = record.NormalizeFolder(id, raw)
	}

	docs, err := e.remote.QueryCollection(ctx, merge.FoldersCollection, remote.Query{})
	if err != nil {
		return fmt.Errorf("failed to fetch remote folders: %w", err)
	}
	remotes := make(map[string]*remote.Document, len(docs))
	ids := make(map[string]bool, len(locals)+len(docs))
	for _, doc := range docs {
		remotes[doc.ID] = doc
		ids[doc.ID] = true
	}
	for id := range locals {
		ids[id] = true
	}

	for id := range ids {
		local, doc := locals[id], remotes[id]
		switch merge.DecideFolder(local, doc, e.device) {
		case merge.FolderUpload:
			path := remote.JoinPath(merge.FoldersCollection, id)
			if err := e.remote.SetMerge(ctx, path, merge.FolderFields(local, e.device)); err != nil {
				e.recordFailed(sum, id, err)
				continue
			}
			sum.FoldersUploaded++

		case merge.FolderDownload:
			folder := merge.DocToFolder(doc)
			if err := e.local.PutJSON(ctx, localstore.FolderKeyPrefix+id, folder.ToMap()); err != nil {
				e.recordFailed(sum, id, err)
				continue
			}
			sum.FoldersDownloaded++

		case merge.FolderDeleteLocal:
			if err := e.local.Delete(ctx, localstore.FolderKeyPrefix+id); err != nil {
				e.recordFailed(sum, id, err)
				continue
			}
			sum.FoldersDeleted++
		}
	}
	return nil
}

// localChat reads and normalizes one local chat record.
func (e *Engine) localChat(ctx context.Context, key string) (*record.Chat, bool, error) {
	data, ok, err := e.local.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = nil
	}
	return record.Normalize(key, raw), true, nil
}

// markSynced records the chat's post-reconcile updatedAt in the
// bookkeeping map so unchanged chats are skipped next pass.
func (e *Engine) markSynced(ctx context.Context, book *merge.Bookkeeping, key string) {
	chat, ok, err := e.localChat(ctx, key)
	if err != nil || !ok {
		return
	}
	book.Mark(key, chat.UpdatedAt)
}

func (e *Engine) stageFailed(sum *Summary, stage string, err error) {
	e.logger.Printf("WARNING: %s stage failed: %v", stage, err)
	sum.Errors++
	sum.LastError = err.Error()
}

func (e *Engine) recordFailed(sum *Summary, id string, err error) {
	e.logger.Printf("WARNING: failed to sync %s: %v", id, err)
	sum.Errors++
	sum.LastError = err.Error()
}
