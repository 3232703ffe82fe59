// Package merge implements the conflict resolver that reconciles one
// local record against its remote counterpart.
//
// The per-record algorithm:
//
//  1. Metadata: the side with the newer record updatedAt wins, field by
//     field. Uploads are merge-writes so fields this version doesn't
//     know about survive on the remote document.
//  2. Messages: local messages without an id are minted one (or adopt
//     the id of a fingerprint-identical remote message), messages absent
//     remotely are uploaded, and messages present on both sides upload
//     only when the local copy is strictly newer. Uploads are batched.
//  3. Minted ids are written back into the local record so the next pass
//     recognizes those messages as reconciled. This is what prevents
//     duplicates on repeated sync.
//  4. Remote messages unknown locally are injected, deduplicated by id,
//     and the message sequence is re-sorted by (createdAt, id).
//
// All local mutation for a record happens under its keyed FIFO lock and
// inside one bounded transaction.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/chatvault/chatsync/internal/device"
	"github.com/chatvault/chatsync/internal/localstore"
	"github.com/chatvault/chatsync/internal/record"
	"github.com/chatvault/chatsync/internal/remote"
)

// ChatsCollection is the remote collection holding chat documents. Each
// chat document owns a messages subcollection.
const ChatsCollection = "chats"

// Resolver reconciles individual chat records. Safe for concurrent use;
// work on the same record id is serialized FIFO.
type Resolver struct {
	local  *localstore.Store
	remote remote.Store
	device device.ID
	logger *log.Logger
	locks  *KeyedMutex
}

// NewResolver creates a resolver. If logger is nil, a default stderr
// logger is used.
func NewResolver(local *localstore.Store, rs remote.Store, dev device.ID, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[merge] ", log.LstdFlags)
	}
	return &Resolver{
		local:  local,
		remote: rs,
		device: dev,
		logger: logger,
		locks:  NewKeyedMutex(),
	}
}

// Result summarizes what one reconciliation did.
type Result struct {
	UploadedMessages   int
	DownloadedMessages int
	MetadataUploaded   bool
	MetadataDownloaded bool

	// LocalChanged reports that the local record was rewritten (minted
	// ids, injected messages, or downloaded metadata).
	LocalChanged bool
}

// changed reports whether anything moved in either direction.
func (res Result) changed() bool {
	return res.UploadedMessages > 0 || res.DownloadedMessages > 0 ||
		res.MetadataUploaded || res.MetadataDownloaded || res.LocalChanged
}

// Changed reports whether the reconciliation did any work.
func (res Result) Changed() bool { return res.changed() }

// Reconcile runs the full per-record algorithm for one chat key. A
// missing local record reconstructs from the remote side; a missing
// remote record uploads from local. Reconcile is idempotent: a second
// run with no intervening change performs no writes.
func (r *Resolver) Reconcile(ctx context.Context, chatKey string) (Result, error) {
	unlock := r.locks.Lock(chatKey)
	defer unlock()

	var res Result

	chat, localExists, err := r.loadLocal(ctx, chatKey)
	if err != nil {
		return res, err
	}

	chatPath := remote.JoinPath(ChatsCollection, chatKey)
	remoteDoc, err := r.remote.GetDocument(ctx, chatPath)
	if err != nil {
		return res, fmt.Errorf("failed to fetch remote chat %s: %w", chatKey, err)
	}
	if !localExists && remoteDoc == nil {
		return res, nil
	}

	msgsCollection := chatPath + "/messages"
	remoteMsgs, err := r.remote.QueryCollection(ctx, msgsCollection, remote.Query{})
	if err != nil {
		return res, fmt.Errorf("failed to fetch remote messages of %s: %w", chatKey, err)
	}

	byID := make(map[string]*remote.Document, len(remoteMsgs))
	byFingerprint := make(map[string]*remote.Document, len(remoteMsgs))
	for _, doc := range remoteMsgs {
		byID[doc.ID] = doc
		if fp := doc.FieldString("fingerprint"); fp != "" {
			byFingerprint[fp] = doc
		}
	}

	// Step 1: metadata, field-level, newer updatedAt wins.
	remoteUpd := int64(0)
	if remoteDoc != nil {
		remoteUpd = remoteDoc.FieldMillis("updatedAt")
	}
	switch {
	case localExists && (remoteDoc == nil || chat.UpdatedAt > remoteUpd):
		if err := r.uploadMetadata(ctx, chatPath, chat); err != nil {
			return res, err
		}
		res.MetadataUploaded = true
	case !localExists && remoteDoc != nil:
		// Reconstructing: the normalized empty chat carries fresh
		// timestamps, so adopt the remote ones before merging fields.
		if created := remoteDoc.FieldMillis("createdAt"); created > 0 {
			chat.CreatedAt = created
			chat.UpdatedAt = created
		}
		applyRemoteMetadata(chat, remoteDoc)
		res.MetadataDownloaded = true
		res.LocalChanged = true
	case remoteDoc != nil && remoteUpd > chat.UpdatedAt &&
		remoteDoc.FieldString("lastDevice") != r.device.String():
		applyRemoteMetadata(chat, remoteDoc)
		res.MetadataDownloaded = true
		res.LocalChanged = true
	}

	// Steps 2-3: upload decisions and id minting.
	now := record.Now()
	mintedByFingerprint := make(map[string]string)
	var uploads []remote.WriteOp
	for _, m := range chat.Messages {
		if m.IsStreaming(now) {
			continue
		}

		id := m.ID
		if id == "" {
			fp := record.Fingerprint(m.Role, m.Content, m.CreatedAt)
			if twin := byFingerprint[fp]; twin != nil {
				// Another device already uploaded this exact message.
				// Adopt its id instead of creating a duplicate.
				mintedByFingerprint[fp] = twin.ID
				res.LocalChanged = true
				continue
			}
			id = r.remote.MintID()
			mintedByFingerprint[fp] = id
			res.LocalChanged = true
		} else if existing := byID[id]; existing != nil {
			if m.UpdatedAt <= existing.FieldMillis("updatedAt") {
				continue
			}
		}

		uploads = append(uploads, remote.WriteOp{
			Path:   remote.JoinPath(msgsCollection, id),
			Fields: r.messageFields(m, id),
		})
	}

	if err := r.flushUploads(ctx, uploads); err != nil {
		return res, err
	}
	res.UploadedMessages = len(uploads)

	// Step 4: queue remote messages unknown locally, with self-echo
	// suppression for in-place updates.
	localIDs := chat.MessageIDs()
	for _, id := range mintedByFingerprint {
		localIDs[id] = true
	}
	var incoming []record.Message
	for _, doc := range remoteMsgs {
		if localIDs[doc.ID] {
			if doc.FieldString("lastDevice") == r.device.String() {
				continue
			}
			incoming = append(incoming, docToMessage(doc))
			continue
		}
		incoming = append(incoming, docToMessage(doc))
	}

	// Steps 3 and 5 commit together: back-write minted ids and inject
	// incoming messages in one bounded transaction against a fresh read
	// of the record.
	injected, err := r.applyLocal(ctx, chatKey, chat, localExists, mintedByFingerprint, incoming, res)
	if err != nil {
		return res, err
	}
	res.DownloadedMessages = injected
	if injected > 0 {
		res.LocalChanged = true
	}

	if res.changed() {
		r.logger.Printf("Reconciled %s: up=%d down=%d metaUp=%v metaDown=%v",
			chatKey, res.UploadedMessages, res.DownloadedMessages,
			res.MetadataUploaded, res.MetadataDownloaded)
	}
	return res, nil
}

// InjectMessages merges incoming remote messages into the local record,
// for push-driven updates outside a full pass. Serialized FIFO with any
// in-flight reconcile of the same record.
func (r *Resolver) InjectMessages(ctx context.Context, chatKey string, msgs []record.Message) (int, error) {
	unlock := r.locks.Lock(chatKey)
	defer unlock()

	chat, localExists, err := r.loadLocal(ctx, chatKey)
	if err != nil {
		return 0, err
	}
	return r.applyLocal(ctx, chatKey, chat, localExists, nil, msgs, Result{})
}

// loadLocal reads and normalizes the local record. A missing record
// yields an empty valid chat and localExists=false.
func (r *Resolver) loadLocal(ctx context.Context, chatKey string) (*record.Chat, bool, error) {
	data, ok, err := r.local.Get(ctx, chatKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read local chat %s: %w", chatKey, err)
	}
	if !ok {
		return record.Normalize(chatKey, nil), false, nil
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		r.logger.Printf("WARNING: chat %s holds malformed JSON, treating as empty: %v", chatKey, err)
		raw = nil
	}
	return record.Normalize(chatKey, raw), true, nil
}

// uploadMetadata merge-writes the chat's metadata fields. Fields not
// sent are preserved remotely.
func (r *Resolver) uploadMetadata(ctx context.Context, chatPath string, chat *record.Chat) error {
	fields := map[string]any{
		"id":         chat.ID,
		"title":      chat.Title,
		"createdAt":  chat.CreatedAt,
		"updatedAt":  chat.UpdatedAt,
		"lastDevice": r.device.String(),
	}
	if chat.Model != "" {
		fields["model"] = chat.Model
	}
	if chat.FolderID != "" {
		fields["folderID"] = chat.FolderID
	}
	if len(chat.Meta) > 0 {
		fields["params"] = chat.Meta
	}

	clean := record.SanitizeFields(fields)
	if clean == nil {
		return fmt.Errorf("chat %s metadata contains a cycle, refusing upload", chat.ID)
	}
	if err := r.remote.SetMerge(ctx, chatPath, clean); err != nil {
		return fmt.Errorf("failed to upload metadata of %s: %w", chat.ID, err)
	}
	return nil
}

// applyRemoteMetadata merges newer foreign-written metadata into the
// local chat, field by field.
func applyRemoteMetadata(chat *record.Chat, doc *remote.Document) {
	if title := doc.FieldString("title"); title != "" {
		chat.Title = title
	}
	if _, present := doc.Fields["folderID"]; present {
		chat.FolderID = doc.FieldString("folderID")
	}
	if model := doc.FieldString("model"); model != "" {
		chat.Model = model
	}
	if params, ok := doc.Fields["params"].(map[string]any); ok {
		if chat.Meta == nil {
			chat.Meta = make(map[string]any, len(params))
		}
		for k, v := range params {
			chat.Meta[k] = v
		}
	}
	if upd := doc.FieldMillis("updatedAt"); upd > chat.UpdatedAt {
		chat.UpdatedAt = upd
	}
}

// messageFields builds the sanitized remote field map for one message.
func (r *Resolver) messageFields(m record.Message, id string) map[string]any {
	fields := map[string]any{
		"id":          id,
		"role":        m.Role,
		"content":     m.Content,
		"createdAt":   m.CreatedAt,
		"fingerprint": record.Fingerprint(m.Role, m.Content, m.CreatedAt),
		"lastDevice":  r.device.String(),
	}
	if m.Model != "" {
		fields["model"] = m.Model
	}
	if m.UpdatedAt > 0 {
		fields["updatedAt"] = m.UpdatedAt
	}

	clean := record.SanitizeFields(fields)
	if clean == nil {
		// Cyclic content cannot reach the remote store; ship the text view.
		return map[string]any{
			"id": id, "role": m.Role,
			"content":     record.ContentText(m.Content),
			"createdAt":   m.CreatedAt,
			"fingerprint": record.Fingerprint(m.Role, m.Content, m.CreatedAt),
			"lastDevice":  r.device.String(),
		}
	}
	return clean
}

// flushUploads commits the queued message writes in batches within the
// remote store's limit.
func (r *Resolver) flushUploads(ctx context.Context, uploads []remote.WriteOp) error {
	for start := 0; start < len(uploads); start += remote.MaxBatchOps {
		end := start + remote.MaxBatchOps
		if end > len(uploads) {
			end = len(uploads)
		}
		if err := r.remote.BatchWrite(ctx, uploads[start:end]); err != nil {
			return fmt.Errorf("failed to upload message batch: %w", err)
		}
	}
	return nil
}

// applyLocal rewrites the local record: back-writes minted ids, injects
// incoming messages (dedup by id, update only on strictly newer
// updatedAt), applies downloaded metadata, and restores the (createdAt,
// id) order. Runs against a fresh read inside one bounded transaction so
// writes that landed between our first read and now are not lost.
// Returns the number of messages actually injected.
func (r *Resolver) applyLocal(ctx context.Context, chatKey string, staged *record.Chat, localExists bool,
	mintedByFingerprint map[string]string, incoming []record.Message, res Result) (int, error) {

	if len(mintedByFingerprint) == 0 && len(incoming) == 0 && !res.MetadataDownloaded {
		// Nothing to write back. Refresh syncedAt only when it lags.
		if localExists && staged.SyncedAt != staged.UpdatedAt {
			staged.SyncedAt = staged.UpdatedAt
			timeout := localstore.TxTimeout(len(staged.Messages))
			err := r.local.Update(ctx, timeout, func(tx *localstore.Tx) error {
				return tx.PutJSON(chatKey, staged.ToMap())
			})
			if err != nil {
				return 0, fmt.Errorf("failed to update syncedAt of %s: %w", chatKey, err)
			}
		}
		return 0, nil
	}

	injected := 0
	timeout := localstore.TxTimeout(len(staged.Messages) + len(incoming))
	err := r.local.Update(ctx, timeout, func(tx *localstore.Tx) error {
		injected = 0
		mutated := false

		var raw any
		if data, ok, err := tx.Get(chatKey); err != nil {
			return err
		} else if ok {
			if err := json.Unmarshal(data, &raw); err != nil {
				raw = nil
			}
		}
		chat := record.Normalize(chatKey, raw)
		if !localExists && raw == nil {
			// Reconstructing from remote: adopt the staged metadata.
			*chat = *staged
			mutated = true
		} else if res.MetadataDownloaded {
			chat.Title = staged.Title
			chat.FolderID = staged.FolderID
			chat.Model = staged.Model
			chat.Meta = staged.Meta
			if staged.UpdatedAt > chat.UpdatedAt {
				chat.UpdatedAt = staged.UpdatedAt
			}
			mutated = true
		}

		// Back-write minted ids onto the matching id-less messages.
		if len(mintedByFingerprint) > 0 {
			for i := range chat.Messages {
				m := &chat.Messages[i]
				if m.ID != "" {
					continue
				}
				fp := record.Fingerprint(m.Role, m.Content, m.CreatedAt)
				if id, ok := mintedByFingerprint[fp]; ok {
					m.ID = id
					mutated = true
				}
			}
		}

		// Merge-inject incoming messages.
		index := make(map[string]int, len(chat.Messages))
		for i, m := range chat.Messages {
			if m.ID != "" {
				index[m.ID] = i
			}
		}
		for _, in := range incoming {
			if i, ok := index[in.ID]; ok {
				if in.UpdatedAt > chat.Messages[i].UpdatedAt {
					chat.Messages[i] = in
					injected++
				}
				continue
			}
			index[in.ID] = len(chat.Messages)
			chat.Messages = append(chat.Messages, in)
			injected++
		}
		if injected > 0 {
			mutated = true
		}

		if !mutated && chat.SyncedAt == chat.UpdatedAt {
			// Second run with nothing new: no write.
			return nil
		}

		chat.DedupMessages()
		chat.SortMessages()
		chat.SyncedAt = chat.UpdatedAt

		return tx.PutJSON(chatKey, chat.ToMap())
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply merge of %s: %w", chatKey, err)
	}
	return injected, nil
}

// docToMessage converts a remote message document to a local message.
func docToMessage(doc *remote.Document) record.Message {
	return record.Message{
		ID:        doc.ID,
		Role:      doc.FieldString("role"),
		Content:   doc.Fields["content"],
		Model:     doc.FieldString("model"),
		CreatedAt: doc.FieldMillis("createdAt"),
		UpdatedAt: doc.FieldMillis("updatedAt"),
	}
}
