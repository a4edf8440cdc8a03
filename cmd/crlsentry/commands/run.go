package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/crlsentry/internal/monitor"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the CRL and TSL monitors until interrupted",
		Long: `Run the CRL loop, the TSL loop, the weekly statistics scheduler and the
HTTP endpoint side by side. SIGINT or SIGTERM stops every loop after its
current pass.`,
		Args: cobra.NoArgs,
		RunE: runMonitor,
	}
	cmd.Flags().Bool("no-server", false, "do not start the HTTP endpoint")
	cmd.Flags().Bool("no-tsl", false, "disable the TSL loop")
	cmd.Flags().Bool("no-crl", false, "disable the CRL loop")
	_ = viper.BindPFlag("run.no_server", cmd.Flags().Lookup("no-server"))
	_ = viper.BindPFlag("run.no_tsl", cmd.Flags().Lookup("no-tsl"))
	_ = viper.BindPFlag("run.no_crl", cmd.Flags().Lookup("no-crl"))
	return cmd
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		svc := monitor.NewService(logger)
		cfg := a.cfg

		if cfg.CRL.Enabled && !viper.GetBool("run.no_crl") {
			svc.Add(monitor.LoopCRL, a.crl)
			if cfg.CRL.WeeklyStatsEnabled {
				svc.Add("weekly", a.weekly)
			}
		}
		if cfg.TSL.Enabled && !viper.GetBool("run.no_tsl") {
			svc.Add(monitor.LoopTSL, a.tsl)
		}
		if cfg.Server.Enabled && !viper.GetBool("run.no_server") {
			svc.Add("http", a.server)
		}

		logger.WithField("timezone", cfg.Location().String()).Info("crlsentry started")
		if err := svc.Run(ctx); err != nil {
			return fmt.Errorf("monitor stopped: %w", err)
		}
		logger.Info("crlsentry stopped")
		return nil
	})
}
