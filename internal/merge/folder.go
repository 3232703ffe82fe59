package merge

import (
	"github.com/chatvault/chatsync/internal/device"
	"github.com/chatvault/chatsync/internal/record"
	"github.com/chatvault/chatsync/internal/remote"
)

// FoldersCollection is the remote collection holding folder documents.
const FoldersCollection = "folders"

// FolderDecision is the outcome of comparing a local folder against its
// remote document. Pure decision, no I/O; the sync pass acts on it.
type FolderDecision int

const (
	// FolderSkip means the sides agree (or the difference is our own
	// echo) and nothing needs to move.
	FolderSkip FolderDecision = iota

	// FolderUpload means the local folder is newer and should be
	// merge-written to the remote document.
	FolderUpload

	// FolderDownload means the remote document is newer, written by
	// another device, and should replace the local folder's fields.
	FolderDownload

	// FolderDeleteLocal means the remote document carries a deletedAt
	// newer than the local folder; the local folder goes away.
	FolderDeleteLocal
)

// DecideFolder compares a local folder (nil when absent) with its remote
// document (nil when absent). Newer updatedAt wins; remote wins only when
// foreign-written, so a device never re-imports its own upload.
func DecideFolder(local *record.Folder, remoteDoc *remote.Document, self device.ID) FolderDecision {
	if local == nil && remoteDoc == nil {
		return FolderSkip
	}
	if remoteDoc == nil {
		return FolderUpload
	}

	remoteUpd := remoteDoc.FieldMillis("updatedAt")
	remoteDeleted := remoteDoc.FieldMillis("deletedAt") > 0
	foreign := remoteDoc.FieldString("lastDevice") != self.String()

	if local == nil {
		if remoteDeleted {
			return FolderSkip
		}
		return FolderDownload
	}

	switch {
	case local.UpdatedAt > remoteUpd:
		return FolderUpload
	case remoteUpd > local.UpdatedAt && foreign:
		if remoteDeleted {
			return FolderDeleteLocal
		}
		return FolderDownload
	default:
		return FolderSkip
	}
}

// FolderFields builds the sanitized remote field map for a folder upload.
func FolderFields(f *record.Folder, self device.ID) map[string]any {
	fields := map[string]any{
		"id":         f.ID,
		"title":      f.Title,
		"order":      f.Order,
		"open":       f.Open,
		"updatedAt":  f.UpdatedAt,
		"lastDevice": self.String(),
	}
	if f.Color != "" {
		fields["color"] = f.Color
	}
	if f.DeletedAt > 0 {
		fields["deletedAt"] = f.DeletedAt
	}
	return record.SanitizeFields(fields)
}

// DocToFolder converts a remote folder document to the local shape.
func DocToFolder(doc *remote.Document) *record.Folder {
	return &record.Folder{
		ID:        doc.ID,
		Title:     doc.FieldString("title"),
		Color:     doc.FieldString("color"),
		Order:     int(doc.FieldMillis("order")),
		Open:      doc.Fields["open"] == true,
		UpdatedAt: doc.FieldMillis("updatedAt"),
		DeletedAt: doc.FieldMillis("deletedAt"),
	}
}
