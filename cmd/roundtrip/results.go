package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"roundtrip/internal/store"
)

func newResultsCommand(ctx *commandContext) *cobra.Command {
	var tag string
	var limit int
	var summary bool

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show results recorded by the client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Client.DBPath == "" {
				return fmt.Errorf("client.db_path is not configured")
			}

			st, err := store.Open(cfg.Client.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if summary {
				counts, err := st.CountByStatus(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderStatusCounts(counts))
				return nil
			}

			records, err := st.RecentResults(cmd.Context(), tag, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No results recorded")
				return nil
			}
			fmt.Fprintln(out, renderResults(records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Only show results for this tag")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of results to show")
	cmd.Flags().BoolVar(&summary, "summary", false, "Show counts per status instead of individual results")
	return cmd
}

func renderResults(records []store.ResultRecord) string {
	tw := newTable(table.Row{"Request", "Tag", "Status", "Results", "Bytes", "RTT", "Received", "Summary"}, 1, 4, 5, 6)
	for _, r := range records {
		tw.AppendRow(table.Row{
			r.RequestID,
			r.Tag,
			r.Status,
			r.ResultCount,
			r.PayloadSize,
			fmt.Sprintf("%dms", r.RoundTripMS),
			r.ReceivedAt.Format("15:04:05.000"),
			r.Summary,
		})
	}
	return tw.Render()
}

func renderStatusCounts(counts []store.StatusCount) string {
	tw := newTable(table.Row{"Status", "Count"}, 2)
	for _, c := range counts {
		tw.AppendRow(table.Row{c.Status, c.Count})
	}
	return tw.Render()
}
