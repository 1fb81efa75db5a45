// Package scoring aggregates the eight domain analyses into a vendor's global score.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/cyberscore/internal/analyzers"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

// scores within this distance of the next integer are not truncated down
const truncEpsilon = 1e-9

const defaultWeight = 0.1

type Engine struct {
	analyzers []analyzers.Analyzer
	weights   map[models.DomainCode]float64
	bands     []models.SizeBand
	timeout   time.Duration
	logger    *logrus.Logger
	metrics   *utils.MetricsCollector
	now       func() time.Time
}

type Option func(*Engine)

func WithAnalyzers(a ...analyzers.Analyzer) Option {
	return func(e *Engine) { e.analyzers = a }
}

func WithMetrics(m *utils.MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg models.ScoringConfig, logger *logrus.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	weights := cfg.DomainWeights()
	if len(weights) == 0 {
		weights = models.DefaultConfig().Scoring.DomainWeights()
	}
	bands := cfg.SizeBands
	if len(bands) == 0 {
		bands = models.DefaultConfig().Scoring.SizeBands
	}
	e := &Engine{
		analyzers: analyzers.All(),
		weights:   weights,
		bands:     sortBands(bands),
		timeout:   cfg.Timeout,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sortBands(bands []models.SizeBand) []models.SizeBand {
	out := append([]models.SizeBand(nil), bands...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Below == 0 {
			return false
		}
		if out[j].Below == 0 {
			return true
		}
		return out[i].Below < out[j].Below
	})
	return out
}

// SizeFactor returns the multiplier of the first band whose upper bound exceeds employees.
func (e *Engine) SizeFactor(employees int) float64 {
	for _, b := range e.bands {
		if b.Below == 0 || employees < b.Below {
			return b.Factor
		}
	}
	return 1.0
}

// Analyze runs every analyzer concurrently. A failing or panicking analyzer is replaced by
// a neutral result. Results are ordered by domain code.
func (e *Engine) Analyze(ctx context.Context, raw *models.RawData) []models.DomainResult {
	target := ""
	if raw != nil {
		target = raw.Domain
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	results := make([]models.DomainResult, len(e.analyzers))
	var wg sync.WaitGroup
	for i, a := range e.analyzers {
		wg.Add(1)
		go func(i int, a analyzers.Analyzer) {
			defer wg.Done()
			res, err := e.runAnalyzer(ctx, a, target, raw)
			if err != nil {
				e.logger.WithFields(logrus.Fields{"domain_code": a.Code(), "domain": target}).
					WithError(err).Warn("analyzer failed, using neutral result")
				e.metrics.RecordAnalyzerFailure(string(a.Code()))
				res = models.NeutralDomainResult(a.Code(), err.Error())
			}
			results[i] = res
		}(i, a)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].DomainCode < results[j].DomainCode })
	return results
}

func (e *Engine) runAnalyzer(ctx context.Context, a analyzers.Analyzer, target string, raw *models.RawData) (res models.DomainResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analyzer %s panicked: %v", a.Code(), r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return models.DomainResult{}, err
	}
	res, err = a.Analyze(ctx, target, raw)
	if err != nil {
		return models.DomainResult{}, err
	}
	if res.DomainCode != a.Code() {
		return models.DomainResult{}, fmt.Errorf("analyzer %s returned result for %s", a.Code(), res.DomainCode)
	}
	res.Score = models.ClampInt(res.Score, 0, models.MaxDomainScore)
	res.Grade = models.DomainGrade(res.Score)
	return res, nil
}

// Aggregate is Σ(score × weight × 10) over the given results, before size normalization.
func (e *Engine) Aggregate(results []models.DomainResult) float64 {
	var total float64
	for _, r := range results {
		w, ok := e.weights[r.DomainCode]
		if !ok {
			w = defaultWeight
		}
		total += float64(r.Score) * w * 10
	}
	return total
}

// Score runs the analyzers over raw and builds the vendor report.
func (e *Engine) Score(ctx context.Context, targetID string, raw *models.RawData, employees int) (models.ScoreReport, error) {
	if targetID == "" {
		return models.ScoreReport{}, models.ErrEmptyTargetID
	}
	results := e.Analyze(ctx, raw)
	report := e.Build(targetID, results, employees)
	if raw != nil {
		report.Domain = raw.Domain
	}
	e.metrics.RecordScore(targetID, report.GlobalScore)

	e.logger.WithFields(logrus.Fields{
		"target_id":    targetID,
		"global_score": report.GlobalScore,
		"grade":        report.Grade,
		"findings":     report.FindingsCount,
	}).Info("vendor scored")
	return report, nil
}

// Build turns domain results into a report. Findings are merged in domain-code order.
func (e *Engine) Build(targetID string, results []models.DomainResult, employees int) models.ScoreReport {
	factor := e.SizeFactor(employees)
	global := int(math.Floor(e.Aggregate(results)*factor + truncEpsilon))
	global = models.ClampInt(global, 0, models.MaxGlobalScore)

	sorted := append([]models.DomainResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DomainCode < sorted[j].DomainCode })

	summaries := make(map[models.DomainCode]models.DomainSummary, len(sorted))
	findings := make([]models.Finding, 0)
	for i := range sorted {
		summaries[sorted[i].DomainCode] = sorted[i].Summary()
		findings = append(findings, sorted[i].Findings...)
	}

	return models.ScoreReport{
		TargetID:      targetID,
		GlobalScore:   global,
		Grade:         models.GlobalGrade(global),
		SizeFactor:    factor,
		Employees:     employees,
		DomainScores:  summaries,
		Findings:      findings,
		FindingsCount: len(findings),
		ScannedAt:     e.now().UTC(),
	}
}

// PortfolioEntry is one vendor to score in a batch.
type PortfolioEntry struct {
	TargetID  string
	Raw       *models.RawData
	Employees int
}

// ScorePortfolio scores vendors with at most parallel running at once. Output order follows input order.
func (e *Engine) ScorePortfolio(ctx context.Context, entries []PortfolioEntry, parallel int) ([]models.ScoreReport, error) {
	if parallel <= 0 {
		parallel = 1
	}
	reports := make([]models.ScoreReport, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			r, err := e.Score(gctx, entry.TargetID, entry.Raw, entry.Employees)
			if err != nil {
				return fmt.Errorf("score %q: %w", entry.TargetID, err)
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
