// Package sync drives full synchronization passes between the local
// store and the remote document store.
//
// A pass runs fixed stages in order: custom keys, folders, chat
// deletions, chat reconciliation for locally changed records, and a
// download sweep over the remote chats collection for records changed
// elsewhere. Bookkeeping (per-record last-sync map, known-id snapshot,
// last-pass summary) is persisted at the end of a successful pass.
//
// Failures inside a stage are logged and skipped so one bad record or a
// transient remote error never aborts the rest of the pass. Only
// failures that make the pass meaningless (bookkeeping unreadable,
// record listing impossible) abort it, and in that case bookkeeping is
// left untouched so the next pass retries the same work.
//
// Passes are single-flight: SyncNow returns ErrSyncInFlight while
// another pass is running.
package sync
