package models

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Envelope     EnvelopeConfig     `yaml:"envelope" json:"envelope"`
	Scoring      ScoringConfig      `yaml:"scoring" json:"scoring"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Sources      SourcesConfig      `yaml:"sources" json:"sources"`
	Planner      PlannerConfig      `yaml:"planner" json:"planner"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" json:"scheduler"`
	Audit        AuditConfig        `yaml:"audit" json:"audit"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Output     string `yaml:"output" json:"output"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// SourcePolicy bounds how one external source is called.
type SourcePolicy struct {
	Concurrency   int           `yaml:"concurrency" json:"concurrency"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

type EnvelopeConfig struct {
	Default SourcePolicy            `yaml:"default" json:"default"`
	Sources map[string]SourcePolicy `yaml:"sources" json:"sources"`
}

// Policy returns the policy for a source, falling back to the default for unset fields.
func (e EnvelopeConfig) Policy(source string) SourcePolicy {
	p, ok := e.Sources[source]
	if !ok {
		return e.Default
	}
	if p.Concurrency <= 0 {
		p.Concurrency = e.Default.Concurrency
	}
	if p.Timeout <= 0 {
		p.Timeout = e.Default.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = e.Default.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = e.Default.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = e.Default.MaxBackoff
	}
	if p.RatePerSecond <= 0 {
		p.RatePerSecond = e.Default.RatePerSecond
	}
	return p
}

// SizeBand applies Factor to organizations with fewer than Below employees.
// Below == 0 marks the open-ended last band.
type SizeBand struct {
	Below  int     `yaml:"below" json:"below"`
	Factor float64 `yaml:"factor" json:"factor"`
}

type ScoringConfig struct {
	Weights   map[string]float64 `yaml:"weights" json:"weights"`
	SizeBands []SizeBand         `yaml:"size_bands" json:"size_bands"`
	Timeout   time.Duration      `yaml:"timeout" json:"timeout"`
}

// DomainWeights normalizes weight keys to domain codes. Unknown keys are dropped.
func (s ScoringConfig) DomainWeights() map[DomainCode]float64 {
	out := make(map[DomainCode]float64, len(s.Weights))
	for k, v := range s.Weights {
		code, err := ParseDomainCode(k)
		if err != nil {
			continue
		}
		out[code] = v
	}
	return out
}

type TierPlan struct {
	Tier       int      `yaml:"tier" json:"tier"`
	Name       string   `yaml:"name" json:"name"`
	Collectors []string `yaml:"collectors" json:"collectors"`
	Schedule   string   `yaml:"schedule" json:"schedule"`
	// ErrorThreshold is the error count at which a scan of this tier is judged failed.
	// Zero falls back to thresholds.orchestrator.
	ErrorThreshold int `yaml:"error_threshold,omitempty" json:"error_threshold,omitempty"`
}

type OrchestratorConfig struct {
	Tiers            []TierPlan     `yaml:"tiers" json:"tiers"`
	Thresholds       map[string]int `yaml:"thresholds" json:"thresholds"`
	CollectorTimeout time.Duration  `yaml:"collector_timeout" json:"collector_timeout"`
	// CollectorGrace is how long a collector may take to hand back partial results after its timeout.
	CollectorGrace time.Duration `yaml:"collector_grace" json:"collector_grace"`
}

func (o OrchestratorConfig) Tier(tier int) (TierPlan, bool) {
	for _, t := range o.Tiers {
		if t.Tier == tier {
			return t, true
		}
	}
	return TierPlan{}, false
}

type SourcesConfig struct {
	UserAgent        string        `yaml:"user_agent" json:"user_agent"`
	HTTPTimeout      time.Duration `yaml:"http_timeout" json:"http_timeout"`
	Resolvers        []string      `yaml:"resolvers" json:"resolvers"`
	Blocklists       []string      `yaml:"blocklists" json:"blocklists"`
	Feeds            []string      `yaml:"feeds" json:"feeds"`
	ShodanAPIKey     string        `yaml:"shodan_api_key" json:"-"`
	ShodanURL        string        `yaml:"shodan_url" json:"shodan_url"`
	NVDAPIKey        string        `yaml:"nvd_api_key" json:"-"`
	NVDURL           string        `yaml:"nvd_url" json:"nvd_url"`
	HIBPAPIKey       string        `yaml:"hibp_api_key" json:"-"`
	HIBPURL          string        `yaml:"hibp_url" json:"hibp_url"`
	AbuseIPDBAPIKey  string        `yaml:"abuseipdb_api_key" json:"-"`
	AbuseIPDBURL     string        `yaml:"abuseipdb_url" json:"abuseipdb_url"`
	VirusTotalAPIKey string        `yaml:"virustotal_api_key" json:"-"`
	VirusTotalURL    string        `yaml:"virustotal_url" json:"virustotal_url"`
	GitHubToken      string        `yaml:"github_token" json:"-"`
	GitHubURL        string        `yaml:"github_url" json:"github_url"`
	CrtShURL         string        `yaml:"crtsh_url" json:"crtsh_url"`
	RequireKeys      []string      `yaml:"require_keys" json:"require_keys"`
}

type PlannerConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Endpoint  string        `yaml:"endpoint" json:"endpoint"`
	Model     string        `yaml:"model" json:"model"`
	APIKey    string        `yaml:"api_key" json:"-"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	MaxTokens int           `yaml:"max_tokens" json:"max_tokens"`
}

type StorageConfig struct {
	Driver   string `yaml:"driver" json:"driver"`
	Path     string `yaml:"path" json:"path"`
	DSN      string `yaml:"dsn" json:"-"`
	Compress bool   `yaml:"compress" json:"compress"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr" json:"metrics_addr"`
	JWTSecret       string        `yaml:"jwt_secret" json:"-"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type SchedulerConfig struct {
	Workers      int           `yaml:"workers" json:"workers"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Vendors      []Target      `yaml:"vendors" json:"vendors"`
}

type AuditConfig struct {
	Path string `yaml:"path" json:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "console",
			File:       "./logs/cyberscore.log",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Envelope: EnvelopeConfig{
			Default: SourcePolicy{
				Concurrency:   2,
				RatePerSecond: 0,
				Timeout:       30 * time.Second,
				MaxAttempts:   3,
				BaseBackoff:   2 * time.Second,
				MaxBackoff:    30 * time.Second,
			},
			Sources: map[string]SourcePolicy{
				"shodan":     {Concurrency: 1, RatePerSecond: 1},
				"nvd":        {Concurrency: 1, RatePerSecond: 0.5},
				"hibp":       {Concurrency: 1, RatePerSecond: 0.5},
				"abuseipdb":  {Concurrency: 1},
				"virustotal": {Concurrency: 1, RatePerSecond: 0.25},
				"github":     {Concurrency: 1, RatePerSecond: 0.5},
				"planner":    {Concurrency: 1, Timeout: 60 * time.Second, MaxAttempts: 1},
			},
		},
		Scoring: ScoringConfig{
			Weights: map[string]float64{
				"D1": 0.15, "D2": 0.10, "D3": 0.15, "D4": 0.10,
				"D5": 0.15, "D6": 0.10, "D7": 0.15, "D8": 0.10,
			},
			SizeBands: []SizeBand{
				{Below: 10, Factor: 1.15},
				{Below: 250, Factor: 1.10},
				{Below: 5000, Factor: 1.00},
				{Below: 0, Factor: 0.90},
			},
			Timeout: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Tiers: []TierPlan{
				{Tier: 1, Name: "Critical", Collectors: []string{"osint", "darkweb", "nthparty"}, Schedule: "daily 02:00", ErrorThreshold: 4},
				{Tier: 2, Name: "Important", Collectors: []string{"osint", "darkweb"}, Schedule: "weekly mon 03:00", ErrorThreshold: 3},
				{Tier: 3, Name: "Standard", Collectors: []string{"osint"}, Schedule: "monthly 1 04:00", ErrorThreshold: 4},
			},
			Thresholds: map[string]int{
				"orchestrator": 4,
				"osint":        4,
				"darkweb":      2,
				"nthparty":     1,
			},
			CollectorTimeout: 120 * time.Second,
			CollectorGrace:   10 * time.Second,
		},
		Sources: SourcesConfig{
			UserAgent:     "cyberscore/1.0",
			HTTPTimeout:   20 * time.Second,
			Blocklists:    []string{"zen.spamhaus.org", "bl.spamcop.net", "b.barracudacentral.org"},
			Feeds:         []string{"https://www.cert.ssi.gouv.fr/feed/", "https://www.bleepingcomputer.com/feed/"},
			ShodanURL:     "https://api.shodan.io",
			NVDURL:        "https://services.nvd.nist.gov/rest/json/cves/2.0",
			HIBPURL:       "https://haveibeenpwned.com/api/v3",
			AbuseIPDBURL:  "https://api.abuseipdb.com/api/v2",
			VirusTotalURL: "https://www.virustotal.com/api/v3",
			GitHubURL:     "https://api.github.com",
			CrtShURL:      "https://crt.sh",
		},
		Planner: PlannerConfig{
			Enabled:   false,
			Endpoint:  "https://api.openai.com/v1/chat/completions",
			Model:     "gpt-4o-mini",
			Timeout:   60 * time.Second,
			MaxTokens: 200,
		},
		Storage: StorageConfig{
			Driver:   "file",
			Path:     "./results",
			Compress: false,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:      2,
			PollInterval: time.Minute,
		},
		Audit: AuditConfig{
			Path: "./results/audit.jsonl",
		},
	}
}

func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, "logging.level must be one of trace|debug|info|warn|error|fatal|panic")
	}

	errs = append(errs, validatePolicy("envelope.default", c.Envelope.Default)...)
	for name := range c.Envelope.Sources {
		errs = append(errs, validatePolicy("envelope.sources."+name, c.Envelope.Policy(name))...)
	}

	var sum float64
	weights := c.Scoring.DomainWeights()
	for _, code := range DomainCodes {
		w, ok := weights[code]
		if !ok {
			errs = append(errs, fmt.Sprintf("scoring.weights missing %s", code))
			continue
		}
		if w < 0 {
			errs = append(errs, fmt.Sprintf("scoring.weights.%s must be >= 0", code))
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 0.001 {
		errs = append(errs, fmt.Sprintf("scoring.weights must sum to 1.0 (got %.3f)", sum))
	}
	if err := validateSizeBands(c.Scoring.SizeBands); err != nil {
		errs = append(errs, err.Error())
	}

	for tier := 1; tier <= 3; tier++ {
		plan, ok := c.Orchestrator.Tier(tier)
		if !ok || len(plan.Collectors) == 0 {
			errs = append(errs, fmt.Sprintf("orchestrator.tiers must define collectors for tier %d", tier))
		}
		if plan.ErrorThreshold < 0 {
			errs = append(errs, fmt.Sprintf("orchestrator.tiers[%d].error_threshold must be >= 0", tier))
		}
	}
	for name, th := range c.Orchestrator.Thresholds {
		if th < 1 {
			errs = append(errs, fmt.Sprintf("orchestrator.thresholds.%s must be >= 1", name))
		}
	}
	if c.Orchestrator.CollectorTimeout <= 0 {
		errs = append(errs, "orchestrator.collector_timeout must be > 0")
	}
	if c.Orchestrator.CollectorGrace < 0 {
		errs = append(errs, "orchestrator.collector_grace must be >= 0")
	}

	for _, key := range c.Sources.RequireKeys {
		if c.Sources.APIKey(key) == "" {
			errs = append(errs, fmt.Sprintf("sources: credential for %s is required", key))
		}
	}
	if c.Planner.Enabled && c.Planner.Endpoint == "" {
		errs = append(errs, "planner.endpoint must be set when the planner is enabled")
	}

	switch c.Storage.Driver {
	case "file", "":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Sprintf("storage.dsn is required for driver %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, "storage.driver must be one of file|postgres|sqlite")
	}

	if c.Scheduler.Workers <= 0 {
		errs = append(errs, "scheduler.workers must be > 0")
	}
	for i, v := range c.Scheduler.Vendors {
		if err := v.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler.vendors[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validatePolicy(prefix string, p SourcePolicy) []string {
	var errs []string
	if p.Concurrency <= 0 {
		errs = append(errs, prefix+".concurrency must be > 0")
	}
	if p.Timeout <= 0 {
		errs = append(errs, prefix+".timeout must be > 0")
	}
	if p.MaxAttempts <= 0 {
		errs = append(errs, prefix+".max_attempts must be > 0")
	}
	if p.RatePerSecond < 0 {
		errs = append(errs, prefix+".rate_per_second must be >= 0")
	}
	return errs
}

func validateSizeBands(bands []SizeBand) error {
	if len(bands) == 0 {
		return fmt.Errorf("scoring.size_bands must not be empty")
	}
	sorted := append([]SizeBand(nil), bands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Below == 0 {
			return false
		}
		if sorted[j].Below == 0 {
			return true
		}
		return sorted[i].Below < sorted[j].Below
	})
	if sorted[len(sorted)-1].Below != 0 {
		return fmt.Errorf("scoring.size_bands needs an open-ended band (below: 0)")
	}
	for _, b := range bands {
		if b.Factor <= 0 {
			return fmt.Errorf("scoring.size_bands factors must be > 0")
		}
	}
	return nil
}

// APIKey resolves a credential by source name.
func (s SourcesConfig) APIKey(source string) string {
	switch strings.ToLower(source) {
	case "shodan":
		return s.ShodanAPIKey
	case "nvd":
		return s.NVDAPIKey
	case "hibp":
		return s.HIBPAPIKey
	case "abuseipdb":
		return s.AbuseIPDBAPIKey
	case "virustotal":
		return s.VirusTotalAPIKey
	case "github":
		return s.GitHubToken
	}
	return ""
}

func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomically write config: %w", err)
	}
	return nil
}

func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	}

	return c.Validate()
}
