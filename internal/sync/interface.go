package sync

import (
	"context"
	"errors"
)

// ErrSyncInFlight reports that a pass was requested while another one is
// still running. Callers treat it as a benign skip, not a failure.
var ErrSyncInFlight = errors.New("sync: pass already in flight")

// State is the engine's current position in the pass state machine.
type State string

const (
	// StateIdle means no pass is running and the last one succeeded (or
	// none has run yet).
	StateIdle State = "idle"

	// StateRunning means a pass is in flight.
	StateRunning State = "running"

	// StateFailed means no pass is running and the last one failed.
	StateFailed State = "failed"
)

// Syncer is the synchronization capability exposed to the CLI and the
// daemon.
type Syncer interface {
	// SyncNow runs one full pass. Returns ErrSyncInFlight if a pass is
	// already running. The summary is returned even when some stages
	// failed; the error is non-nil only when the pass aborted.
	SyncNow(ctx context.Context) (*Summary, error)

	// State returns the engine's current state.
	State() State
}

// Summary describes one completed (or aborted) pass. It is persisted
// locally so the status surface can show the last outcome.
type Summary struct {
	StartedAt  int64 `json:"startedAt"`
	FinishedAt int64 `json:"finishedAt"`

	KeysUploaded   int `json:"keysUploaded,omitempty"`
	KeysDownloaded int `json:"keysDownloaded,omitempty"`

	FoldersUploaded   int `json:"foldersUploaded,omitempty"`
	FoldersDownloaded int `json:"foldersDownloaded,omitempty"`
	FoldersDeleted    int `json:"foldersDeleted,omitempty"`

	ChatsReconciled    int `json:"chatsReconciled,omitempty"`
	ChatsDownloaded    int `json:"chatsDownloaded,omitempty"`
	MessagesUploaded   int `json:"messagesUploaded,omitempty"`
	MessagesDownloaded int `json:"messagesDownloaded,omitempty"`

	DeletionsPropagated int `json:"deletionsPropagated,omitempty"`
	RemovedLocally      int `json:"removedLocally,omitempty"`

	// Errors counts stage and record failures that were skipped.
	Errors    int    `json:"errors,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Duration returns the pass duration in milliseconds.
func (s *Summary) Duration() int64 {
	return s.FinishedAt - s.StartedAt
}
