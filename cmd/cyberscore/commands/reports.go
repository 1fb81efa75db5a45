package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/cyberscore/internal/storage"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

func NewReportsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Browse stored score reports",
		Long:  `View the latest report, score history and alerts of a vendor, prune old reports and show store statistics.`,
	}
	cmd.AddCommand(newReportsViewCommand())
	cmd.AddCommand(newReportsHistoryCommand())
	cmd.AddCommand(newReportsAlertsCommand())
	cmd.AddCommand(newReportsPruneCommand())
	cmd.AddCommand(newReportsStatsCommand())
	return cmd
}

func openStore(ctx context.Context) (*storage.ResultsRepository, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, cfg.Storage, 0, logrus.StandardLogger())
}

func newReportsViewCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "view <target-id>",
		Short: "Show the latest report for a vendor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			report, err := store.Latest(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printSummary(cmd.OutOrStdout(), *report, nil, nil, 0)
			fmt.Fprintf(cmd.OutOrStdout(), "\nScanned at %s\n", report.ScannedAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func newReportsHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <target-id>",
		Short: "Show a vendor's score history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			reports, err := store.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				return fmt.Errorf("%w: %s", models.ErrReportNotFound, args[0])
			}
			return renderHistoryTable(cmd.OutOrStdout(), reports)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of reports")
	return cmd
}

func newReportsAlertsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts <target-id>",
		Short: "Show alerts raised for a vendor, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			alerts, err := store.Alerts(ctx, args[0], limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(alerts) == 0 {
				fmt.Fprintln(w, "No alerts")
				return nil
			}
			for _, a := range alerts {
				fmt.Fprintf(w, "%s  %-8s %-18s %s\n", a.CreatedAt.UTC().Format(time.RFC3339), a.Severity, a.Type, a.Title)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of alerts")
	return cmd
}

func newReportsPruneCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete reports older than a retention period",
		Long:  `Delete stored reports scanned before the retention cutoff. The latest report of each vendor is always kept.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Prune(ctx, time.Now().Add(-olderThan))
			if errors.Is(err, storage.ErrPruneUnsupported) {
				return fmt.Errorf("%w; use database retention instead", err)
			}
			if err != nil {
				return err
			}
			logrus.Infof("Pruned %d reports older than %s", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "Retention period")
	return cmd
}

func newReportsStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show report store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(context.Background())
			if err != nil {
				return err
			}
			defer store.Close()
			stats, err := store.Stats()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Report Store Statistics:")
			fmt.Fprintln(w, rule)
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%-22s %v\n", k+":", stats[k])
			}
			return nil
		},
	}
}
