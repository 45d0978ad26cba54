package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-sync/internal/schedule"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a scheduled task once",
	Long: `Run one task to completion and print its summary as JSON.

Tasks:
  sync            sweep every syncable connection
  renew-gmail     renew Gmail watches expiring within the threshold
  renew-outlook   renew Outlook subscriptions expiring within the threshold`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()
		a.startClassifier(ctx)

		result, err := a.tasks.Run(ctx, args[0])
		if errors.Is(err, schedule.ErrUnknownTask) {
			return fmt.Errorf("unknown task %q (available: %s)", args[0], strings.Join(a.tasks.Names(), ", "))
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}
