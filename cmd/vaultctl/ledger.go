package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/designvault/internal/store"
)

func openLedger(cmd *cobra.Command) (*store.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		root, _ := cmd.Flags().GetString("data")
		path = filepath.Join(root, ".temp", "uploads.db")
	}
	return store.New(path, zerolog.Nop())
}

func ledgerFlags(cmd *cobra.Command) {
	cmd.Flags().String("data", "./data", "Data root holding .temp/uploads.db")
	cmd.Flags().String("db", "", "Ledger path (overrides --data)")
	cmd.Flags().IntP("limit", "n", 20, "Maximum rows")
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List background jobs recorded in the upload ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer ledger.Close()

			kind, _ := cmd.Flags().GetString("kind")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			list, err := ledger.ListJobs(cmd.Context(), store.JobFilter{Kind: kind, Status: status, Limit: limit})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tATTEMPTS\tCREATED\tERROR")
			for _, j := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					j.ID, j.Kind, j.Status, j.Attempts, stamp(j.CreatedAt), j.Error)
			}
			return tw.Flush()
		},
	}
	ledgerFlags(cmd)
	cmd.Flags().String("kind", "", "Filter by job kind")
	cmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed)")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent mutating API requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer ledger.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := ledger.RecentAudit(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tMETHOD\tPATH\tSTATUS\tDURATION\tREQUEST ID")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%dms\t%s\n",
					stamp(e.CreatedAt), e.Method, e.Path, e.Status, e.DurationMs, e.RequestID)
			}
			return tw.Flush()
		},
	}
	ledgerFlags(cmd)
	return cmd
}

func stamp(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}
