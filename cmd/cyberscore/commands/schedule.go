package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/cyberscore/internal/orchestration"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Scan configured vendors on their tier cadence",
		Long: `Run the tier scheduler over the vendors listed under scheduler.vendors in the
config file. Tier 1 vendors are scanned daily, tier 2 weekly and tier 3 monthly (UTC).`,
		Args: cobra.NoArgs,
		RunE: runSchedule,
	}
	cmd.Flags().Bool("once", false, "Scan every configured vendor once and exit")
	_ = viper.BindPFlag("schedule.once", cmd.Flags().Lookup("once"))

	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Show the next scheduled run for each configured vendor",
		Args:  cobra.NoArgs,
		RunE:  runScheduleNext,
	})
	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Scheduler.Vendors) == 0 {
		return fmt.Errorf("no vendors configured under scheduler.vendors")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize scan pipeline: %w", err)
	}
	defer app.Close()

	sched, err := orchestration.NewScheduler(cfg.Orchestrator, cfg.Scheduler, app.Pipeline,
		orchestration.StaticVendors(cfg.Scheduler.Vendors), logrus.StandardLogger())
	if err != nil {
		return err
	}

	if viper.GetBool("schedule.once") {
		n, err := sched.Load(ctx, true)
		if err != nil {
			return err
		}
		logrus.Infof("Scanning %d vendors", n)
		sched.RunDue(ctx)
		return renderRunHistory(cmd, sched.History())
	}

	logrus.Infof("Scheduler started for %d vendors", len(cfg.Scheduler.Vendors))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	logrus.WithField("stats", sched.GetStats()).Info("Scheduler stopped")
	return nil
}

func runScheduleNext(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	sched, err := orchestration.NewScheduler(cfg.Orchestrator, cfg.Scheduler, nil,
		orchestration.StaticVendors(cfg.Scheduler.Vendors), logrus.StandardLogger())
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Target", "Domain", "Tier", "Next Run (UTC)", "In")
	for _, v := range cfg.Scheduler.Vendors {
		next, err := sched.NextRun(v.Tier, now)
		if err != nil {
			return fmt.Errorf("vendor %s: %w", v.ID, err)
		}
		row := []string{v.ID, v.Domain, strconv.Itoa(v.Tier), next.Format(time.RFC3339), next.Sub(now).Round(time.Minute).String()}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderRunHistory(cmd *cobra.Command, runs []orchestration.RunRecord) error {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Target", "Tier", "Started", "Score", "Grade", "Error")
	for _, r := range runs {
		row := []string{
			r.TargetID,
			strconv.Itoa(r.Tier),
			r.StartedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(r.GlobalScore),
			r.Grade,
			truncate(r.Err, 60),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
