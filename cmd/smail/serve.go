package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/daviddao/smail/internal/classifier"
	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/di"
	"github.com/daviddao/smail/internal/scan"
	"github.com/daviddao/smail/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard and background scanner",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()

		container, err := di.BuildContainer(cfg, logger)
		if err != nil {
			return err
		}

		return container.Invoke(func(srv *web.Server, sched *scan.Scheduler, st *db.DB, cls classifier.Client) error {
			defer st.Close()
			defer func() {
				if err := classifier.Close(cls); err != nil {
					logger.Warn("close classifier", zap.Error(err))
				}
			}()

			if f := cfg.ConfigFile(); f != "" {
				logger.Info("loaded configuration", zap.String("file", f))
			}
			if cfg.Scan().Background {
				go sched.Start(ctx)
			}
			return srv.Start(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// commandContext cancels on interrupt so long scans stop cleanly.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
