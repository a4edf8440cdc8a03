package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/crlsentry/internal/notify"
	"github.com/bl4ck0w1/crlsentry/internal/tracking"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

func NewStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show tracked CRLs, the weekly aggregate and known TSL versions",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	cmd.Flags().Bool("details", false, "list the per-CRL weekly rows")
	return cmd
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	details, _ := cmd.Flags().GetBool("details")

	return withApp(ctx, func(a *app) error {
		loc := a.cfg.Location()
		states, err := a.store.GetCRLStates(ctx)
		if err != nil {
			return fmt.Errorf("load CRL states: %w", err)
		}
		names := make([]string, 0, len(states))
		for name := range states {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Printf("Tracked CRLs: %d\n", len(names))
		fmt.Println("═══════════════════════════════════════════════════════════════")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tNUMBER\tREVOKED\tNEXT UPDATE\tCA\tLAST CHECK")
		for _, name := range names {
			rec := states[name]
			number := "-"
			if rec.CRLNumber != nil {
				number = notify.HexCRLNumber(*rec.CRLNumber)
			}
			next := "-"
			if rec.NextUpdate != nil {
				next = rec.NextUpdate.In(loc).Format("02.01.2006 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", name, number, rec.RevokedCount, next,
				orDash(rec.CAName), rec.LastCheck.In(loc).Format("02.01.2006 15:04"))
		}
		_ = w.Flush()

		weekly, err := a.store.GetWeekly(ctx)
		if err != nil {
			return fmt.Errorf("load weekly aggregate: %w", err)
		}
		week := tracking.WeekStart(time.Now().In(loc))
		fmt.Printf("\nWeekly aggregate (week of %s):\n", week)
		if len(weekly) == 0 {
			fmt.Println("  nothing accumulated")
		}
		cats := make([]string, 0, len(weekly))
		for c := range weekly {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		for _, c := range cats {
			fmt.Printf("  • %s: %d\n", c, weekly[c])
		}

		if details {
			rows, err := a.store.GetWeeklyDetails(ctx, week)
			if err != nil {
				return fmt.Errorf("load weekly details: %w", err)
			}
			printDetails(rows)
		}

		versions, err := a.store.ListTSLVersions(ctx)
		if err != nil {
			return fmt.Errorf("load TSL versions: %w", err)
		}
		fmt.Printf("\nTSL versions: %d\n", len(versions))
		for _, v := range versions {
			fmt.Printf("  • %s (published %s, ingested %s)\n", v.Version, orDash(v.PublishedAt), v.IngestedAt.In(loc).Format("02.01.2006 15:04"))
		}
		if a.failover != nil {
			fmt.Printf("\nState store breaker: %s\n", a.failover.State())
		}
		return nil
	})
}

func printDetails(rows []models.WeeklyDetail) {
	if len(rows) == 0 {
		return
	}
	fmt.Println("\nWeekly details:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CRL\tREASON\tCOUNT\tCA")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.CRLName, r.Reason, r.Count, orDash(r.CAName))
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
