package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

func NewCRLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "crl",
		Short: "Run a single CRL pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(a *app) error {
				report, err := a.crl.RunOnce(ctx)
				if report != nil {
					fmt.Printf("Pass %s: %d groups, %d URLs, %d processed, %d failed, %d skipped empty, %d notifications in %s\n",
						report.PassID, report.Groups, report.URLs, report.Processed, report.Failed,
						report.SkippedEmpty, len(report.Intents), utils.HumanizeDuration(report.Duration))
				}
				return err
			})
		},
	}
}

func NewTSLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tsl",
		Short: "Download and diff the trusted service list once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(a *app) error {
				report, err := a.tsl.RunOnce(ctx)
				if err != nil {
					return err
				}
				state := "unchanged"
				if report.Created {
					state = "new"
				}
				fmt.Printf("TSL version %s (%s, previous %q): %d active CAs, %d CRL URLs, %d diff entries, %d notifications\n",
					report.Version, state, report.Previous, report.ActiveCAs, report.CRLURLs, report.DiffCount, len(report.Changes))
				return nil
			})
		},
	}
}

func NewWeeklyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "weekly",
		Short: "Send the weekly revocation statistics now and reset the aggregate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				stats, err := a.weekly.Emit(ctx)
				if err != nil {
					return err
				}
				if stats == nil {
					fmt.Println("Nothing accumulated this week.")
					return nil
				}
				fmt.Printf("Weekly statistics for week of %s sent: %d revocations\n", stats.WeekStart, stats.Total())
				return nil
			})
		},
	}
}
