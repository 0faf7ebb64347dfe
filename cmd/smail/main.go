package main

import (
	"fmt"
	"os"

	"github.com/daviddao/smail/internal/config"
	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	configPath  string
	dbPath      string
	jsonOutput  bool
	quietFlag   bool
	verboseFlag bool

	cfg    *config.Config
	logger *zap.Logger
	store  *db.DB
)

var rootCmd = &cobra.Command{
	Use:           "smail",
	Short:         "smail - phishing protection for Gmail",
	Long:          "smail scans Gmail inboxes with a phishing classifier, moves threats to trash and alerts signed-in users.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.New(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Set("database.path", dbPath)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// serve logs structured output per the config file; the other
		// commands only log warnings unless --verbose is set.
		if cmd.Name() == "serve" {
			logger, err = logging.InitLogger(cfg)
		} else {
			logger, err = logging.InitConsoleLogger(verboseFlag, jsonOutput)
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if cmd.Name() == "serve" {
			// The container owns the store.
			return nil
		}
		store, err = db.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "smail version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: smail.yaml in /etc/smail, ~/.smail or .)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides database.path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
