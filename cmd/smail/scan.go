package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/daviddao/smail/internal/auth"
	"github.com/daviddao/smail/internal/classifier"
	"github.com/daviddao/smail/internal/display"
	"github.com/daviddao/smail/internal/gmail"
	"github.com/daviddao/smail/internal/scan"
	"github.com/daviddao/smail/internal/types"
	"github.com/spf13/cobra"
)

var (
	scanCredentials  string
	scanAccount      string
	scanNoQuarantine bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan pass over local Gmail accounts",
	Long: `Run one scan pass for every account directory under --credentials.
Each account lives in <root>/<email>/ with credentials.json and token.json,
the layout used by the Gmail quickstart scripts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()

		var accounts []string
		if scanAccount != "" {
			accounts = []string{scanAccount}
		} else {
			accounts = auth.DiscoverAccounts(scanCredentials)
		}
		if len(accounts) == 0 {
			return fmt.Errorf("no accounts found: add <email>/credentials.json under %s", scanCredentials)
		}

		c, err := classifier.New(ctx, cfg.Classifier(), logger)
		if err != nil {
			return err
		}
		defer classifier.Close(c)

		sc := cfg.Scan()
		pipeline := scan.NewPipeline(store, c, nil, scan.Options{
			Concurrency:           sc.Concurrency,
			ClassifyTimeout:       sc.ClassifyTimeout,
			ListTimeout:           sc.ListTimeout,
			QuarantineMaxAttempts: sc.QuarantineMaxAttempts,
			DisableQuarantine:     scanNoQuarantine || !sc.Quarantine,
		}, logger)

		var results []*types.PassResult
		for _, account := range accounts {
			if !quietFlag && !jsonOutput {
				fmt.Printf("Scanning %s...\n", account)
			}
			svc, err := auth.LoadGmailService(ctx, filepath.Join(scanCredentials, account, "credentials.json"), logger)
			if err != nil {
				return fmt.Errorf("%s: %w", account, err)
			}
			res, err := pipeline.RunPass(ctx, account, gmail.NewMailbox(svc, sc.MaxResults, sc.PageSize))
			if err != nil {
				return fmt.Errorf("%s: %w", account, err)
			}
			results = append(results, res)
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		if quietFlag {
			return nil
		}

		for _, res := range results {
			fmt.Println()
			display.Header(res.Account)
			fmt.Printf("  %d candidates, %d already scanned, %d scanned, %d failed\n",
				res.Candidates, res.AlreadyScanned, res.Scanned, res.Failed)
			if threats := res.Threats(); len(threats) > 0 {
				display.Threats(cmd.OutOrStdout(), threats)
			}
			for _, f := range res.QuarantineFailures {
				display.ErrorMsg("could not move %s to trash: %s", f.MessageID, f.Error)
			}
			if res.Phishing > 0 {
				display.SuccessMsg("%d phishing, %d moved to trash", res.Phishing, res.Quarantined)
			} else {
				display.SuccessMsg("No phishing found")
			}
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanCredentials, "credentials", ".", "Directory containing <email>/credentials.json account folders")
	scanCmd.Flags().StringVar(&scanAccount, "account", "", "Scan a single account")
	scanCmd.Flags().BoolVar(&scanNoQuarantine, "no-quarantine", false, "Record verdicts without moving phishing to trash")
	rootCmd.AddCommand(scanCmd)
}
