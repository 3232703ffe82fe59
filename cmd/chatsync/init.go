package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/chatvault/chatsync/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Configure the remote endpoint interactively",
	Long: `Walk through the chatsync configuration and write it to the config
file. Existing values are offered as defaults, so init can also be used
to change a single setting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		dsn := cfg.RemoteDSN
		workspace := cfg.Workspace
		interval := cfg.Interval.String()
		keys := strings.Join(cfg.Keys, ", ")

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Remote database DSN").
					Description("libsql://host?authToken=..., postgres://user@host/db, or file:/path").
					Value(&dsn).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return errors.New("a remote DSN is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Workspace").
					Description("Scopes this account's documents in the shared database").
					Value(&workspace),
				huh.NewInput().
					Title("Sync interval").
					Description("How often the daemon syncs (minimum 30s)").
					Value(&interval).
					Validate(func(s string) error {
						_, err := time.ParseDuration(strings.TrimSpace(s))
						return err
					}),
				huh.NewInput().
					Title("Extra keys to sync").
					Description("Comma-separated local store keys (settings blobs etc.), optional").
					Value(&keys),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}

		cfg.RemoteDSN = strings.TrimSpace(dsn)
		cfg.Workspace = strings.TrimSpace(workspace)
		cfg.Interval, _ = time.ParseDuration(strings.TrimSpace(interval))
		cfg.Keys = splitKeys(keys)

		if err := cfg.Save(); err != nil {
			return err
		}

		fmt.Printf("Configuration written to %s\n", config.Path())
		fmt.Println("Run `chatsync sync` to verify the connection.")
		return nil
	},
}

func splitKeys(s string) []string {
	var keys []string
	for _, key := range strings.Split(s, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
