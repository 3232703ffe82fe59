// chatsync synchronizes a local chat database with a shared remote
// document store across devices.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Bidirectional chat synchronization across devices",
	Long: `chatsync keeps chats, folders, and selected settings in sync between
devices through a shared remote database.

Each device reconciles its local store against remote documents:
new messages are uploaded, messages from other devices are merged in,
conflicts resolve by newest-write-wins per field, and deletions
propagate through tombstones so a removed chat stays removed everywhere.

Get started:
  chatsync init      configure the remote endpoint
  chatsync sync      run one sync pass
  chatsync daemon    sync automatically in the background
  chatsync status    show the last pass outcome`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(initCmd, syncCmd, daemonCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
