package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/daviddao/smail/internal/display"
	"github.com/daviddao/smail/internal/types"
	"github.com/spf13/cobra"
)

var (
	threatsSince   time.Duration
	threatsAccount string
)

var threatsCmd = &cobra.Command{
	Use:   "threats",
	Short: "List recently detected phishing messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		accounts := []string{threatsAccount}
		if threatsAccount == "" {
			var err error
			if accounts, err = store.Accounts(ctx); err != nil {
				return err
			}
		}

		since := time.Now().Add(-threatsSince)
		out := make(map[string][]types.ScanRecord, len(accounts))
		count := 0
		for _, acc := range accounts {
			recs, err := store.ListSince(ctx, acc, since, types.VerdictPhishing)
			if err != nil {
				return err
			}
			if len(recs) > 0 {
				out[acc] = recs
				count += len(recs)
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		if count == 0 {
			if !quietFlag {
				display.SuccessMsg("No phishing in the last %s", threatsSince)
			}
			return nil
		}
		for _, acc := range accounts {
			if recs := out[acc]; len(recs) > 0 {
				display.Header(fmt.Sprintf("%s (%d)", acc, len(recs)))
				display.Threats(cmd.OutOrStdout(), recs)
				fmt.Println()
			}
		}
		return nil
	},
}

func init() {
	threatsCmd.Flags().DurationVar(&threatsSince, "since", 24*time.Hour, "How far back to look")
	threatsCmd.Flags().StringVar(&threatsAccount, "account", "", "Only show one account")
	rootCmd.AddCommand(threatsCmd)
}
