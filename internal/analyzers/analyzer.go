// Package analyzers turns collected raw data into scored results, one analyzer per risk domain.
package analyzers

import (
	"context"
	"errors"
	"fmt"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// ErrNoData means the raw data section an analyzer needs was never collected.
var ErrNoData = errors.New("no data collected for domain")

type Analyzer interface {
	Code() models.DomainCode
	Analyze(ctx context.Context, target string, raw *models.RawData) (models.DomainResult, error)
}

// All returns one analyzer per domain in domain-code order.
func All() []Analyzer {
	return []Analyzer{
		NewNetworkAnalyzer(),
		NewDNSAnalyzer(),
		NewWebAnalyzer(),
		NewEmailAnalyzer(),
		NewPatchingAnalyzer(),
		NewReputationAnalyzer(),
		NewLeaksAnalyzer(),
		NewRegulatoryAnalyzer(),
	}
}

// CalculateScore starts at 100, deducts per finding severity and clamps to [0,100].
func CalculateScore(findings []models.Finding) int {
	score := models.MaxDomainScore
	for _, f := range findings {
		score -= f.Severity.Deduction()
	}
	return models.ClampInt(score, 0, models.MaxDomainScore)
}

type base struct {
	code models.DomainCode
}

func (b base) Code() models.DomainCode { return b.code }

func (b base) finding(sev models.Severity, source, title, description, recommendation string) models.Finding {
	return models.Finding{
		DomainCode:     b.code,
		Title:          title,
		Description:    description,
		Severity:       sev,
		Source:         source,
		Recommendation: recommendation,
	}
}

func (b base) result(findings []models.Finding, confidence float64, metadata map[string]interface{}) models.DomainResult {
	score := CalculateScore(findings)
	return models.DomainResult{
		DomainCode: b.code,
		DomainName: b.code.Name(),
		Score:      score,
		Grade:      models.DomainGrade(score),
		Findings:   findings,
		Confidence: confidence,
		Metadata:   metadata,
	}
}

func (b base) noData() error {
	return fmt.Errorf("%s: %w", b.code, ErrNoData)
}
