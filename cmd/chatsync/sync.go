package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatvault/chatsync/internal/config"
	"github.com/chatvault/chatsync/internal/device"
	"github.com/chatvault/chatsync/internal/events"
	"github.com/chatvault/chatsync/internal/localstore"
	"github.com/chatvault/chatsync/internal/remote"
	syncengine "github.com/chatvault/chatsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Long: `Run a single full synchronization pass: custom keys, folders,
deletions, and chats in both directions. Exits non-zero only when the
pass could not run at all; individual record failures are logged and
retried on the next pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		engine, cleanup, err := openEngine(cmd.Context(), cfg, nil, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		start := time.Now()
		sum, err := engine.SyncNow(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Chats: %d reconciled, %d downloaded\n", sum.ChatsReconciled, sum.ChatsDownloaded)
		fmt.Printf("   Messages: %d up, %d down\n", sum.MessagesUploaded, sum.MessagesDownloaded)
		if sum.FoldersUploaded+sum.FoldersDownloaded+sum.FoldersDeleted > 0 {
			fmt.Printf("   Folders: %d up, %d down, %d deleted\n",
				sum.FoldersUploaded, sum.FoldersDownloaded, sum.FoldersDeleted)
		}
		if sum.KeysUploaded+sum.KeysDownloaded > 0 {
			fmt.Printf("   Keys: %d up, %d down\n", sum.KeysUploaded, sum.KeysDownloaded)
		}
		if sum.DeletionsPropagated+sum.RemovedLocally > 0 {
			fmt.Printf("   Deletions: %d propagated, %d applied\n",
				sum.DeletionsPropagated, sum.RemovedLocally)
		}
		if sum.Errors > 0 {
			fmt.Printf("   Warnings: %d record(s) skipped, last: %s\n", sum.Errors, sum.LastError)
		}
		return nil
	},
}

// openEngine wires the stores and the sync engine from the config. The
// returned cleanup closes both stores.
func openEngine(ctx context.Context, cfg *config.Config, ev *events.Server, logger *log.Logger) (*syncengine.Engine, func(), error) {
	local, err := localstore.Open(cfg.LocalDB)
	if err != nil {
		return nil, nil, err
	}

	rs, err := remote.Open(cfg.RemoteDSN, cfg.Workspace)
	if err != nil {
		_ = local.Close()
		return nil, nil, err
	}

	dev, err := device.Load(ctx, local)
	if err != nil {
		_ = rs.Close()
		_ = local.Close()
		return nil, nil, err
	}

	engine := syncengine.NewEngine(local, rs, dev, syncengine.Config{
		Keys:   cfg.Keys,
		Events: ev,
		Logger: logger,
	})
	cleanup := func() {
		_ = rs.Close()
		_ = local.Close()
	}
	return engine, cleanup, nil
}
