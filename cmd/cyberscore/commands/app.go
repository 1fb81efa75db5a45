package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/cyberscore/internal/alerting"
	"github.com/bl4ck0w1/cyberscore/internal/collectors"
	"github.com/bl4ck0w1/cyberscore/internal/envelope"
	"github.com/bl4ck0w1/cyberscore/internal/orchestration"
	"github.com/bl4ck0w1/cyberscore/internal/scoring"
	"github.com/bl4ck0w1/cyberscore/internal/sources"
	"github.com/bl4ck0w1/cyberscore/internal/sources/dns"
	"github.com/bl4ck0w1/cyberscore/internal/sources/tlsprobe"
	"github.com/bl4ck0w1/cyberscore/internal/storage"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

// secretKeys are read from the environment (CYBERSCORE_SOURCES_SHODAN_API_KEY, ...) and
// override anything in the config file.
var secretKeys = []string{
	"sources.shodan_api_key",
	"sources.nvd_api_key",
	"sources.hibp_api_key",
	"sources.abuseipdb_api_key",
	"sources.virustotal_api_key",
	"sources.github_token",
	"planner.api_key",
	"storage.dsn",
	"server.jwt_secret",
}

// LoadConfig builds the effective configuration: defaults, then the config file viper
// located, then secrets from the environment, then logging flags.
func LoadConfig() (*models.Config, error) {
	cfg := models.DefaultConfig()
	if path := viper.ConfigFileUsed(); path != "" {
		if err := cfg.Load(path); err != nil {
			return nil, err
		}
	}
	for _, key := range secretKeys {
		_ = viper.BindEnv(key)
		if v := viper.GetString(key); v != "" {
			applySecret(cfg, key, v)
		}
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("log_format"); v != "" {
		cfg.Logging.Format = v
	}
	if v := viper.GetString("log_file"); v != "" {
		cfg.Logging.File = v
		cfg.Logging.Output = "both"
	}
	return cfg, nil
}

func applySecret(cfg *models.Config, key, v string) {
	switch key {
	case "sources.shodan_api_key":
		cfg.Sources.ShodanAPIKey = v
	case "sources.nvd_api_key":
		cfg.Sources.NVDAPIKey = v
	case "sources.hibp_api_key":
		cfg.Sources.HIBPAPIKey = v
	case "sources.abuseipdb_api_key":
		cfg.Sources.AbuseIPDBAPIKey = v
	case "sources.virustotal_api_key":
		cfg.Sources.VirusTotalAPIKey = v
	case "sources.github_token":
		cfg.Sources.GitHubToken = v
	case "planner.api_key":
		cfg.Planner.APIKey = v
	case "storage.dsn":
		cfg.Storage.DSN = v
	case "server.jwt_secret":
		cfg.Server.JWTSecret = v
	}
}

// App is the fully wired scan stack shared by the scan, schedule and serve commands.
type App struct {
	Config       *models.Config
	Logger       *logrus.Logger
	Metrics      *utils.MetricsCollector
	Envelope     *envelope.Envelope
	Orchestrator *orchestration.Orchestrator
	Engine       *scoring.Engine
	Store        *storage.ResultsRepository
	Pipeline     *orchestration.Pipeline

	auditSink *envelope.JSONLSink
}

type appOptions struct {
	withStore bool
}

type AppOption func(*appOptions)

// WithoutStore skips opening the report store; reports are scored but not persisted.
func WithoutStore() AppOption {
	return func(o *appOptions) { o.withStore = false }
}

func NewApp(ctx context.Context, cfg *models.Config, logger *logrus.Logger, opts ...AppOption) (*App, error) {
	o := appOptions{withStore: true}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metrics, err := utils.NewScanMetrics(true)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	app := &App{Config: cfg, Logger: logger, Metrics: metrics}

	auditLog := envelope.NewAuditLog()
	if cfg.Audit.Path != "" {
		sink, err := envelope.OpenJSONL(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		app.auditSink = sink
		auditLog = envelope.NewAuditLog(sink)
	}
	app.Envelope = envelope.New(cfg.Envelope, logger,
		envelope.WithMetrics(metrics),
		envelope.WithAuditLog(auditLog),
	)

	var orchOpts []orchestration.Option
	orchOpts = append(orchOpts, orchestration.WithMetrics(metrics))
	if cfg.Planner.Enabled {
		httpClient := sources.NewHTTPClient(cfg.Planner.Timeout)
		orchOpts = append(orchOpts, orchestration.WithPlanner(orchestration.NewChatPlanner(cfg.Planner, httpClient)))
	}
	app.Orchestrator = orchestration.NewOrchestrator(cfg.Orchestrator, buildCollectors(cfg, app.Envelope, logger), app.Envelope, logger, orchOpts...)
	app.Engine = scoring.NewEngine(cfg.Scoring, logger, scoring.WithMetrics(metrics))

	var store orchestration.ReportStore
	if o.withStore {
		repo, err := storage.Open(ctx, cfg.Storage, 10*time.Minute, logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Store = repo
		store = repo
	}
	app.Pipeline = orchestration.NewPipeline(app.Orchestrator, app.Engine, store, alerting.NewDetector(), logger)
	return app, nil
}

// buildCollectors wires the configured source clients into the three collectors. A source
// without credentials stays nil and its sub-check reports a missing-source error.
func buildCollectors(cfg *models.Config, env *envelope.Envelope, logger *logrus.Logger) []collectors.Collector {
	sc := cfg.Sources
	httpClient := sources.NewHTTPClient(sc.HTTPTimeout)
	resolver := dns.NewResolver(sc.Resolvers, 0, 0, logger)
	prober := tlsprobe.NewProber(sc.HTTPTimeout, logger, tlsprobe.WithHTTPClient(httpClient))
	crtsh := sources.NewCrtSh(httpClient, sc.CrtShURL, sc.UserAgent, logger)

	osint := collectors.OSINTSources{
		DNS:        resolver,
		TLS:        prober,
		CT:         crtsh,
		Pages:      sources.NewPageFetcher(httpClient, sc.UserAgent, logger),
		Blocklists: sc.Blocklists,
		// NVD works without a key at a lower rate limit.
		CVE: sources.NewNVD(httpClient, sc.NVDURL, sc.NVDAPIKey, sc.UserAgent, logger),
	}
	darkweb := collectors.DarkWebSources{
		Feeds:    sources.NewFeedReader(httpClient, sc.UserAgent, logger),
		FeedURLs: sc.Feeds,
	}
	if sc.ShodanAPIKey != "" {
		osint.Network = sources.NewShodan(httpClient, sc.ShodanURL, sc.ShodanAPIKey, sc.UserAgent, logger)
	}
	if sc.HIBPAPIKey != "" {
		hibp := sources.NewHIBP(httpClient, sc.HIBPURL, sc.HIBPAPIKey, sc.UserAgent, logger)
		osint.Breaches = hibp
		darkweb.Breaches = hibp
	}
	if sc.AbuseIPDBAPIKey != "" {
		osint.Abuse = sources.NewAbuseIPDB(httpClient, sc.AbuseIPDBURL, sc.AbuseIPDBAPIKey, sc.UserAgent, logger)
	}
	if sc.VirusTotalAPIKey != "" {
		osint.Malware = sources.NewVirusTotal(httpClient, sc.VirusTotalURL, sc.VirusTotalAPIKey, sc.UserAgent, logger)
	}
	if sc.GitHubToken != "" {
		darkweb.Code = sources.NewGitHub(httpClient, sc.GitHubURL, sc.GitHubToken, sc.UserAgent, logger)
	}

	th := cfg.Orchestrator.Thresholds
	return []collectors.Collector{
		collectors.NewOSINT(osint, env, collectors.Threshold(th, collectors.OSINTName), logger),
		collectors.NewDarkWeb(darkweb, env, collectors.Threshold(th, collectors.DarkWebName), logger),
		collectors.NewNthParty(collectors.NthPartySources{DNS: resolver, TLS: prober}, env,
			collectors.Threshold(th, collectors.NthPartyName), logger),
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.auditSink != nil {
		errs = append(errs, a.auditSink.Close())
	}
	return errors.Join(errs...)
}

// targetFromArgs normalizes the domain and fills the target id from it when none was given.
func targetFromArgs(domain, targetID string, tier, employees int) (models.Target, error) {
	d, err := utils.NormalizeDomain(domain)
	if err != nil {
		return models.Target{}, err
	}
	if strings.TrimSpace(targetID) == "" {
		targetID = utils.OrganizationLabel(d)
	}
	t := models.Target{ID: targetID, Domain: d, Tier: tier, Employees: employees}
	return t, t.Validate()
}
