package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/internal/alerting"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

// Scorer turns assembled raw data into a report.
type Scorer interface {
	Score(ctx context.Context, targetID string, raw *models.RawData, employees int) (models.ScoreReport, error)
}

// ReportStore persists fully formed reports.
type ReportStore interface {
	Save(ctx context.Context, report models.ScoreReport) (models.StoredReport, error)
	Latest(ctx context.Context, targetID string) (*models.ScoreReport, error)
}

// AlertSink is implemented by stores that also keep alert history.
type AlertSink interface {
	SaveAlerts(ctx context.Context, reportID string, alerts []models.Alert) error
}

type ScanRequest struct {
	TargetID  string `json:"target_id"`
	Domain    string `json:"domain"`
	Tier      int    `json:"tier"`
	Employees int    `json:"employees"`
	// Previous overrides the stored report used for drop and grade alerts.
	Previous *models.ScoreReport `json:"-"`
}

func (r ScanRequest) Target() models.Target {
	return models.Target{ID: r.TargetID, Domain: r.Domain, Tier: r.Tier, Employees: r.Employees}
}

type Outcome struct {
	Agent  models.AgentResult   `json:"agent"`
	Raw    *models.RawData      `json:"raw"`
	Report models.ScoreReport   `json:"report"`
	Alerts []models.Alert       `json:"alerts"`
	Stored *models.StoredReport `json:"stored,omitempty"`
}

// Pipeline runs an orchestrated scan end to end: collect, score, alert, persist.
type Pipeline struct {
	orch     *Orchestrator
	scorer   Scorer
	store    ReportStore
	detector *alerting.Detector
	logger   *logrus.Logger
}

func NewPipeline(orch *Orchestrator, scorer Scorer, store ReportStore, detector *alerting.Detector, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	if detector == nil {
		detector = alerting.NewDetector()
	}
	return &Pipeline{orch: orch, scorer: scorer, store: store, detector: detector, logger: logger}
}

// Run always returns the best-effort outcome once collection has started. A non-nil
// error alongside a populated Outcome means only persistence failed.
func (p *Pipeline) Run(ctx context.Context, req ScanRequest) (Outcome, error) {
	target := req.Target()
	agent, err := p.orch.RunOrchestratedScan(ctx, target)
	if err != nil {
		return Outcome{}, err
	}
	log := utils.WithTarget(utils.WithComponent(p.logger, "pipeline"), target.ID, target.Domain)

	raw := AssembleRawData(target.Domain, agent)
	report, err := p.scorer.Score(ctx, target.ID, raw, target.Employees)
	if err != nil {
		return Outcome{Agent: agent, Raw: raw}, fmt.Errorf("score %s: %w", target.ID, err)
	}
	report.Domain = target.Domain

	previous := req.Previous
	if previous == nil && p.store != nil {
		prev, err := p.store.Latest(ctx, target.ID)
		switch {
		case err == nil:
			previous = prev
		case errors.Is(err, models.ErrReportNotFound):
		default:
			log.WithError(err).Warn("could not load previous report")
		}
	}

	alerts := p.detector.Detect(previous, report)
	if dw, ok := agent.LeakMonitor(); ok {
		alerts = append(alerts, dw.Alerts...)
	}
	if sc, ok := agent.SupplyChain(); ok {
		alerts = append(alerts, p.detector.Concentration(target.ID, sc)...)
	}
	for _, a := range alerts {
		log.WithFields(logrus.Fields{"type": a.Type, "severity": a.Severity}).Info(a.Title)
	}

	out := Outcome{Agent: agent, Raw: raw, Report: report, Alerts: alerts}
	if p.store == nil {
		return out, nil
	}
	stored, err := p.store.Save(ctx, report)
	if err != nil {
		return out, fmt.Errorf("persist report for %s: %w", target.ID, err)
	}
	out.Stored = &stored
	if sink, ok := p.store.(AlertSink); ok {
		if err := sink.SaveAlerts(ctx, stored.ID, alerts); err != nil {
			log.WithError(err).Warn("could not persist alerts")
		}
	}
	log.WithFields(logrus.Fields{
		"report_id":    stored.ID,
		"global_score": report.GlobalScore,
		"grade":        report.Grade,
		"alerts":       len(alerts),
	}).Info("scan persisted")
	return out, nil
}

// AssembleRawData builds the analyzer input from collector payloads. Secrets found by the
// leak monitor are folded into the leaks section when that section was collected.
func AssembleRawData(domain string, agent models.AgentResult) *models.RawData {
	raw := &models.RawData{Domain: domain}
	if osint, ok := agent.RawData(); ok && osint != nil {
		cp := *osint
		raw = &cp
		if raw.Domain == "" {
			raw.Domain = domain
		}
	}

	dw, ok := agent.LeakMonitor()
	if !ok || dw == nil || raw.Leaks == nil {
		return raw
	}
	leaks := *raw.Leaks
	seen := make(map[string]bool, len(leaks.GitHubSecrets))
	merged := append([]models.CodeLeak{}, leaks.GitHubSecrets...)
	for _, s := range merged {
		seen[s.Repository+"/"+s.Path] = true
	}
	for _, s := range dw.Secrets {
		key := s.Repository + "/" + s.Path
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, s)
	}
	leaks.GitHubSecrets = merged
	raw.Leaks = &leaks
	return raw
}

// ScanTimeout bounds a whole pipeline run: collectors run in parallel, plus headroom for scoring and persistence.
func ScanTimeout(cfg models.OrchestratorConfig) time.Duration {
	if cfg.CollectorTimeout <= 0 {
		return 5 * time.Minute
	}
	return cfg.CollectorTimeout + cfg.CollectorGrace + time.Minute
}
