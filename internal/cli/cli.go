package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-sync/internal/config"
	"github.com/Martian-dev/inbox-sync/internal/logging"
)

var (
	configPath string
	cfg        *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "inbox-sync",
	Short: "Channel sync and webhook renewal engine",
	Long: `inbox-sync keeps connected mailboxes and chat channels mirrored into the
message store.

It pulls changes from Gmail, Outlook, Slack and IMAP accounts, accepts push
notifications from those providers and keeps their webhook subscriptions alive.

Examples:
  inbox-sync serve                 # run the HTTP service
  inbox-sync run sync              # sweep every connection once
  inbox-sync run renew-gmail       # renew expiring Gmail watches once
  inbox-sync migrate               # create or upgrade the schema
  inbox-sync token --ttl 1h        # mint a trigger token for a scheduler`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Setup(loaded.Log.Level, loaded.Log.Pretty); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the CLI and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $INBOX_CONFIG or ./inbox-sync.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}
