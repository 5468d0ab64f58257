package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"reactbot/internal/analytics"
	"reactbot/internal/config"
	"reactbot/internal/domain"
	"reactbot/internal/store"

	"github.com/spf13/cobra"
)

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.Open(store.Config{
		Path:          cfg.Storage.DBPath,
		RetryAttempts: cfg.Storage.RetryAttempts,
		RetryBackoff:  time.Duration(cfg.Storage.RetryBackoffMs) * time.Millisecond,
		Logger:        logger,
	})
}

func statsCmd() *cobra.Command {
	var (
		hourly bool
		daily  bool
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show reaction statistics from the outcome log",
		Long:  "Without flags prints overall totals. --hourly and --daily print bucketed summaries derived from the outcome log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hourly && daily {
				return fmt.Errorf("--hourly and --daily are mutually exclusive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			out := cmd.OutOrStdout()

			if !hourly && !daily {
				agg := analytics.New(analytics.Config{Outcomes: st, Logger: logger})
				if err := agg.Rebuild(ctx); err != nil {
					return err
				}
				snap := agg.Snapshot()
				if asJSON {
					return printJSON(out, snap)
				}
				fmt.Fprintln(out, statsText(snap))
				totals, err := st.PlatformTotals(ctx)
				if err != nil {
					return err
				}
				return printPlatformTotals(cmd, totals)
			}

			g := analytics.Hour
			if daily {
				g = analytics.Day
			}
			if since <= 0 {
				since = 24 * time.Hour
				if daily {
					since = 7 * 24 * time.Hour
				}
			}
			outcomes, err := st.ListOutcomes(ctx, time.Now().Add(-since), time.Time{})
			if err != nil {
				return err
			}
			sums := analytics.Summarize(outcomes, g)
			if asJSON {
				return printJSON(out, sums)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BUCKET\tSENT\tTHROTTLED\tFAILED\tSKIPPED\tSUCCESS\tCHATS")
			for _, s := range sums {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%d\n",
					s.Bucket, s.Sent, s.Throttled, s.Failed, s.Skipped, s.SuccessRate*100, s.ActiveChats)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&hourly, "hourly", false, "hourly buckets")
	cmd.Flags().BoolVar(&daily, "daily", false, "daily buckets")
	cmd.Flags().DurationVar(&since, "since", 0, "look-back window (default 24h hourly, 168h daily)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printPlatformTotals(cmd *cobra.Command, totals map[string]map[domain.Status]int64) error {
	if len(totals) == 0 {
		return nil
	}
	platforms := make([]string, 0, len(totals))
	for p := range totals {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nPLATFORM\tSENT\tTHROTTLED\tFAILED\tSKIPPED")
	for _, p := range platforms {
		t := totals[p]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", p,
			t[domain.StatusSent], t[domain.StatusThrottled], t[domain.StatusFailed], t[domain.StatusSkipped])
	}
	return w.Flush()
}
