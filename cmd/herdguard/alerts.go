package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/herdguard/pkg/outbreak"
	"github.com/hed1ad/herdguard/pkg/store"
)

var alertsFlags struct {
	location    string
	minSeverity string
	unresolved  bool
	since       time.Duration
	limit       int
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List stored outbreak alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := store.Filter{
			LocationID:     alertsFlags.location,
			UnresolvedOnly: alertsFlags.unresolved,
			Limit:          alertsFlags.limit,
		}
		if alertsFlags.minSeverity != "" {
			sev, err := outbreak.ParseSeverity(alertsFlags.minSeverity)
			if err != nil {
				return err
			}
			f.MinSeverity = sev
		}
		if alertsFlags.since > 0 {
			f.Since = time.Now().UTC().Add(-alertsFlags.since)
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		alerts, err := s.ListAlerts(cmd.Context(), f)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tLOCATION\tSTART\tEND\tSEVERITY\tANIMALS\tSCORE\tRESOLVED\tCATEGORIES")
		for _, a := range alerts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.2f\t%t\t%s\n",
				a.ID, a.LocationID,
				a.StartDate.Format(time.DateOnly), a.EndDate.Format(time.DateOnly),
				a.Severity, a.AffectedCount, a.AvgAnomalyScore, a.Resolved,
				strings.Join(a.Categories, ","),
			)
		}
		return tw.Flush()
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>...",
	Short: "Mark alerts resolved",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		for _, id := range args {
			if err := s.Resolve(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "resolved", id)
		}
		return nil
	},
}

func init() {
	f := alertsCmd.Flags()
	f.StringVar(&alertsFlags.location, "location", "", "only alerts for this location_id")
	f.StringVar(&alertsFlags.minSeverity, "min-severity", "", "low, medium, high or critical")
	f.BoolVar(&alertsFlags.unresolved, "unresolved", false, "hide resolved alerts")
	f.DurationVar(&alertsFlags.since, "since", 0, "only alerts ending within this duration")
	f.IntVar(&alertsFlags.limit, "limit", 0, "maximum number of alerts, 0 for all")
	alertsCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(alertsCmd)
}
