package analyzers

import (
	"context"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// EmailAnalyzer (D4) checks MTA-STS, BIMI and MX presence.
type EmailAnalyzer struct{ base }

func NewEmailAnalyzer() *EmailAnalyzer {
	return &EmailAnalyzer{base{models.DomainEmail}}
}

func (a *EmailAnalyzer) Analyze(_ context.Context, _ string, raw *models.RawData) (models.DomainResult, error) {
	if raw == nil {
		return models.DomainResult{}, a.noData()
	}
	e := raw.Email
	if e == nil {
		e = models.EmailFromDNS(raw.DNS)
	}
	if e == nil {
		return models.DomainResult{}, a.noData()
	}

	var findings []models.Finding
	if !e.MTASTS {
		findings = append(findings, a.finding(models.SeverityMedium, "dns", "MTA-STS missing",
			"MTA-STS is not configured; mail in transit is open to downgrade attacks.",
			"Publish an MTA-STS policy."))
	}
	if !e.BIMI {
		findings = append(findings, a.finding(models.SeverityInfo, "dns", "BIMI not configured",
			"No Brand Indicators for Message Identification record.",
			"Consider publishing a BIMI record."))
	}
	if len(e.MX) == 0 {
		findings = append(findings, a.finding(models.SeverityHigh, "dns", "MX records missing",
			"No MX record was found.", "Check the MX configuration."))
	}
	return a.result(findings, 0.9, nil), nil
}
