package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-pipeline/internal/leaderboard"
)

var (
	lbMetric string
	lbLimit  int
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Print the ambassador leaderboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.ListAmbassadorStats(cmd.Context())
		if err != nil {
			return err
		}

		limit := lbLimit
		if limit == 0 {
			limit = cfg.Leaderboard.DefaultLimit
		}

		entries, err := leaderboard.Compute(stats, leaderboard.Metric(lbMetric), limit, leaderboardWeights())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RANK\tNAME\tSIGNUPS\tDOMAINS\tLEADS\tREVENUE\tSCORE")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%.2f\t%.3f\n",
				e.Rank, e.Name, e.Signups, e.ActiveDomains, e.LeadsProcessed, e.RevenueRecovered, e.CompositeScore)
		}
		return w.Flush()
	},
}

func init() {
	leaderboardCmd.Flags().StringVar(&lbMetric, "metric", "composite", "ranking metric (composite, signups, active_domains, leads_processed, revenue_recovered)")
	leaderboardCmd.Flags().IntVar(&lbLimit, "limit", 0, "max entries (default from config)")
	rootCmd.AddCommand(leaderboardCmd)
}
