package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/cyberscore/internal/orchestration"
)

func NewScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [domain]",
		Short: "Scan and score one vendor",
		Long: `Run the collectors selected by the vendor's tier, score the eight risk domains,
raise alerts against the previous report and persist the result.`,
		Args: cobra.ExactArgs(1),
		RunE: runScan,
	}

	cmd.Flags().IntP("tier", "t", 3, "Vendor criticality tier (1 critical, 2 important, 3 standard)")
	cmd.Flags().String("target-id", "", "Vendor identifier (defaults to the domain's organization label)")
	cmd.Flags().IntP("employees", "e", 0, "Vendor employee count (0 when unknown)")
	cmd.Flags().StringP("output", "o", "", "Write the full scan outcome as JSON to this file")
	cmd.Flags().String("raw-output", "", "Write the assembled raw data to this file (input for `cyberscore score`)")
	cmd.Flags().Bool("no-store", false, "Score without persisting the report")
	cmd.Flags().Duration("timeout", 0, "Overall scan timeout (defaults to the collector timeout plus headroom)")

	_ = viper.BindPFlag("scan.tier", cmd.Flags().Lookup("tier"))
	_ = viper.BindPFlag("scan.target_id", cmd.Flags().Lookup("target-id"))
	_ = viper.BindPFlag("scan.employees", cmd.Flags().Lookup("employees"))
	_ = viper.BindPFlag("scan.output", cmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("scan.raw_output", cmd.Flags().Lookup("raw-output"))
	_ = viper.BindPFlag("scan.no_store", cmd.Flags().Lookup("no-store"))
	_ = viper.BindPFlag("scan.timeout", cmd.Flags().Lookup("timeout"))
	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	target, err := targetFromArgs(args[0], viper.GetString("scan.target_id"), viper.GetInt("scan.tier"), viper.GetInt("scan.employees"))
	if err != nil {
		return err
	}
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	timeout := viper.GetDuration("scan.timeout")
	if timeout <= 0 {
		timeout = orchestration.ScanTimeout(cfg.Orchestrator)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var opts []AppOption
	if viper.GetBool("scan.no_store") {
		opts = append(opts, WithoutStore())
	}
	app, err := NewApp(ctx, cfg, logrus.StandardLogger(), opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize scan pipeline: %w", err)
	}
	defer app.Close()

	logrus.WithFields(logrus.Fields{"target_id": target.ID, "domain": target.Domain, "tier": target.Tier}).Info("Starting scan")
	start := time.Now()
	out, runErr := app.Pipeline.Run(ctx, orchestration.ScanRequest{
		TargetID:  target.ID,
		Domain:    target.Domain,
		Tier:      target.Tier,
		Employees: target.Employees,
	})
	if runErr != nil && out.Report.TargetID == "" {
		return fmt.Errorf("scan failed: %w", runErr)
	}
	if runErr != nil {
		logrus.WithError(runErr).Warn("Scan scored but not persisted")
	}

	if path := viper.GetString("scan.output"); path != "" {
		if err := writeJSONFile(path, out); err != nil {
			return err
		}
		logrus.Infof("Scan outcome written to %s", path)
	}
	if path := viper.GetString("scan.raw_output"); path != "" && out.Raw != nil {
		if err := writeJSONFile(path, out.Raw); err != nil {
			return err
		}
		logrus.Infof("Raw data written to %s", path)
	}

	printSummary(cmd.OutOrStdout(), out.Report, &out.Agent, out.Alerts, time.Since(start))
	if out.Stored != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nStored as %s\n", out.Stored.ID)
	}
	return nil
}
