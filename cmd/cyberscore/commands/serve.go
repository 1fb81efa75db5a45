package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/cyberscore/internal/api"
	"github.com/bl4ck0w1/cyberscore/internal/orchestration"
)

func NewServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scan API and Prometheus metrics",
		Long: `Start the HTTP API (scan trigger, reports, alerts, audit trail) and the metrics
endpoint. With --scheduler the tier scheduler runs in the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error { return runServe(cmd, version) },
	}
	cmd.Flags().String("addr", "", "API listen address (overrides server.addr)")
	cmd.Flags().String("metrics-addr", "", "Separate metrics listen address (overrides server.metrics_addr)")
	cmd.Flags().Bool("scheduler", false, "Also run the tier scheduler over configured vendors")
	_ = viper.BindPFlag("serve.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("serve.metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	_ = viper.BindPFlag("serve.scheduler", cmd.Flags().Lookup("scheduler"))
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if v := viper.GetString("serve.addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("serve.metrics_addr"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if cfg.Server.JWTSecret == "" {
		logrus.Warn("server.jwt_secret is empty; the API accepts unauthenticated requests")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize scan pipeline: %w", err)
	}
	defer app.Close()

	server := api.NewServer(cfg.Server, orchestration.ScanTimeout(cfg.Orchestrator), api.Dependencies{
		Runner:  app.Pipeline,
		Reports: app.Store,
		Monitor: app.Orchestrator,
		Metrics: app.Metrics,
	}, logrus.StandardLogger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if addr := cfg.Server.MetricsAddr; addr != "" && addr != cfg.Server.Addr {
		g.Go(func() error {
			logrus.Infof("Metrics listening on %s", addr)
			return app.Metrics.StartServerWithContext(gctx, addr)
		})
	}
	if viper.GetBool("serve.scheduler") && len(cfg.Scheduler.Vendors) > 0 {
		sched, err := orchestration.NewScheduler(cfg.Orchestrator, cfg.Scheduler, app.Pipeline,
			orchestration.StaticVendors(cfg.Scheduler.Vendors), logrus.StandardLogger())
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Start(gctx) })
	}

	logrus.WithField("version", version).Info("CyberScore server started")
	return g.Wait()
}
