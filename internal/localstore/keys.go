package localstore

// Key layout of the local store. Records use bare prefixes; everything
// the sync engine persists for itself lives under the chatsync:
// namespace so a prefix scan of records never picks up bookkeeping.
const (
	// ChatKeyPrefix prefixes chat record keys (CHAT_<id>).
	ChatKeyPrefix = "CHAT_"

	// FolderKeyPrefix prefixes folder record keys (FOLDER_<id>).
	FolderKeyPrefix = "FOLDER_"

	// Namespace prefixes all sync bookkeeping keys.
	Namespace = "chatsync:"

	// KeyDeviceID holds this device's opaque identity.
	KeyDeviceID = Namespace + "deviceID"

	// KeyLastSync holds the record-id -> last-successful-sync-millis map.
	KeyLastSync = Namespace + "lastSync"

	// KeyKnownIDs holds the chat id set snapshot from the previous
	// successful pass, used for deletion detection.
	KeyKnownIDs = Namespace + "knownIDs"

	// KeyDeletedIDs holds the ids this device has already tombstoned or
	// seen tombstoned remotely.
	KeyDeletedIDs = Namespace + "deletedIDs"

	// KeyKeyHashes holds per-custom-key content hashes from the last
	// successful sync, used for change detection on arbitrary keys.
	KeyKeyHashes = Namespace + "keyHashes"

	// KeyLastPass holds a summary of the most recent sync pass for the
	// status surface.
	KeyLastPass = Namespace + "lastPass"
)
