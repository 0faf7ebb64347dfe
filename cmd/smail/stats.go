package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/daviddao/smail/internal/display"
	"github.com/daviddao/smail/internal/types"
	"github.com/spf13/cobra"
)

type accountStats struct {
	types.Stats
	LastScan string `json:"last_scan,omitempty"`
	Pending  int    `json:"pending_quarantines"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scan statistics per account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		accounts, err := store.Accounts(ctx)
		if err != nil {
			return err
		}

		out := make(map[string]accountStats, len(accounts))
		lastScan := make(map[string]time.Time, len(accounts))
		var total types.Stats
		for _, acc := range accounts {
			s, err := store.Stats(ctx, acc)
			if err != nil {
				return err
			}
			last, err := store.LatestScanAt(ctx, acc)
			if err != nil {
				return err
			}
			pending, err := store.PendingQuarantines(ctx, acc)
			if err != nil {
				return err
			}
			as := accountStats{Stats: s, Pending: len(pending)}
			if !last.IsZero() {
				as.LastScan = last.Format(time.RFC3339)
			}
			lastScan[acc] = last
			out[acc] = as
			total.Total += s.Total
			total.Safe += s.Safe
			total.Phishing += s.Phishing
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		display.Header("smail Statistics")
		fmt.Println()
		if len(accounts) == 0 {
			fmt.Println("  No scans recorded yet.")
			return nil
		}
		for _, acc := range accounts {
			s := out[acc]
			fmt.Printf("  %-32s %5d scanned  %s  %s\n",
				acc, s.Total,
				display.PhishingStyle.Render(fmt.Sprintf("%4d phishing", s.Phishing)),
				display.Dim.Render("(last scan: "+display.TimeAgo(lastScan[acc])+")"))
			if s.Pending > 0 {
				fmt.Printf("  %-32s %s\n", "", display.WarnStyle.Render(fmt.Sprintf("%d moves to trash pending retry", s.Pending)))
			}
		}
		fmt.Println()
		fmt.Printf("  Total: %d scanned, %d safe, %d phishing\n", total.Total, total.Safe, total.Phishing)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
