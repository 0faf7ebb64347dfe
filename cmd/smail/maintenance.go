package main

import (
	"fmt"
	"time"

	"github.com/daviddao/smail/internal/display"
	"github.com/spf13/cobra"
)

var (
	cleanupKeep int
	resetYes    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old scan records and idle sessions",
	Long: `Keep the newest --keep scan records and delete the rest. Pruned messages
that are still in a mailbox are classified again on the next pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		records, err := store.Cleanup(ctx, cleanupKeep)
		if err != nil {
			return err
		}
		sessions, err := store.PurgeSessions(ctx, time.Now().Add(-cfg.Session().Lifetime))
		if err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Deleted %d scan records and %d idle sessions", records, sessions)
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every scan record and pending quarantine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			return fmt.Errorf("reset deletes all scan history; pass --yes to confirm")
		}
		if err := store.Reset(cmd.Context()); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Scan history cleared")
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 1000, "Number of newest scan records to keep")
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "Confirm deletion")
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(resetCmd)
}
