package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/chatvault/chatsync/internal/config"
	"github.com/chatvault/chatsync/internal/device"
	"github.com/chatvault/chatsync/internal/localstore"
	syncengine "github.com/chatvault/chatsync/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last sync pass outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		local, err := localstore.Open(cfg.LocalDB)
		if err != nil {
			return err
		}
		defer local.Close()

		r := newRenderer()

		fmt.Println(r.title.Render("chatsync status"))
		fmt.Println()

		if cfg.RemoteDSN == "" {
			fmt.Printf("%s not configured, run `chatsync init`\n", r.warn.Render("⚠"))
			return nil
		}
		fmt.Printf("   Remote:    %s\n", redactDSN(cfg.RemoteDSN))
		fmt.Printf("   Workspace: %s\n", cfg.Workspace)

		if dev, err := device.Load(context.Background(), local); err == nil {
			fmt.Printf("   Device:    %s\n", dev)
		}

		var sum syncengine.Summary
		ok, err := local.GetJSON(cmd.Context(), localstore.KeyLastPass, &sum)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("\n%s no sync pass has run yet\n", r.warn.Render("⚠"))
			return nil
		}

		fmt.Println()
		when := time.UnixMilli(sum.FinishedAt)
		if sum.Errors == 0 {
			fmt.Printf("%s Last pass at %s (%dms)\n",
				r.pass.Render("✓"), when.Format(time.RFC1123), sum.Duration())
		} else {
			fmt.Printf("%s Last pass at %s (%dms, %d warnings)\n",
				r.warn.Render("⚠"), when.Format(time.RFC1123), sum.Duration(), sum.Errors)
			if sum.LastError != "" {
				fmt.Printf("   Last warning: %s\n", sum.LastError)
			}
		}
		fmt.Printf("   Chats: %d reconciled, %d downloaded\n", sum.ChatsReconciled, sum.ChatsDownloaded)
		fmt.Printf("   Messages: %d up, %d down\n", sum.MessagesUploaded, sum.MessagesDownloaded)
		if sum.DeletionsPropagated+sum.RemovedLocally > 0 {
			fmt.Printf("   Deletions: %d propagated, %d applied\n",
				sum.DeletionsPropagated, sum.RemovedLocally)
		}
		return nil
	},
}

type renderer struct {
	title lipgloss.Style
	pass  lipgloss.Style
	warn  lipgloss.Style
}

// newRenderer builds the status styles, dropping color on dumb
// terminals.
func newRenderer() renderer {
	if termenv.ColorProfile() == termenv.Ascii {
		plain := lipgloss.NewStyle()
		return renderer{title: plain, pass: plain, warn: plain}
	}
	return renderer{
		title: lipgloss.NewStyle().Bold(true),
		pass:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	}
}

// redactDSN hides credentials embedded in the DSN for display.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		rest := dsn[i+3:]
		if j := strings.Index(rest, "@"); j >= 0 {
			return dsn[:i+3] + "…@" + rest[j+1:]
		}
	}
	if j := strings.Index(dsn, "?"); j >= 0 {
		return dsn[:j] + "?…"
	}
	return dsn
}
