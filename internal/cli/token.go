package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-sync/internal/auth"
)

var (
	tokenTTL     time.Duration
	tokenSubject string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed trigger token",
	Long: `Print a short-lived HS256 token accepted by the /internal endpoints.
The token is signed with auth.trigger_secret.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.TriggerSecret == "" {
			return errors.New("auth.trigger_secret is not set")
		}
		tok, err := auth.NewTriggerAuthenticator(cfg.Auth.TriggerSecret).IssueToken(tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "scheduler", "token subject")
}
