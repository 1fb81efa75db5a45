package analyzers

import (
	"context"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const (
	certificationBonus    = 5
	maxCertificationBonus = 15
)

// RegulatoryAnalyzer (D8) checks published privacy and legal pages and rewards certifications.
type RegulatoryAnalyzer struct{ base }

func NewRegulatoryAnalyzer() *RegulatoryAnalyzer {
	return &RegulatoryAnalyzer{base{models.DomainRegulatory}}
}

func (a *RegulatoryAnalyzer) Analyze(_ context.Context, _ string, raw *models.RawData) (models.DomainResult, error) {
	if raw == nil || raw.Regulatory == nil {
		return models.DomainResult{}, a.noData()
	}
	reg := raw.Regulatory
	var findings []models.Finding

	if !reg.PrivacyPolicy {
		findings = append(findings, a.finding(models.SeverityHigh, "web_scrape", "Privacy policy missing",
			"No privacy policy was found on the website.", "Publish a GDPR-compliant privacy policy."))
	}
	if !reg.LegalNotice {
		findings = append(findings, a.finding(models.SeverityMedium, "web_scrape", "Legal notice missing",
			"No legal notice page was found.", "Publish the mandatory legal notice."))
	}
	if len(reg.Certifications) == 0 {
		findings = append(findings, a.finding(models.SeverityLow, "web_scrape", "No published certification",
			"No security certification was identified.", "Publish obtained certifications (ISO 27001, SOC 2, ...)."))
	}

	res := a.result(findings, 0.6, map[string]interface{}{"certifications_found": reg.Certifications})

	// bonus applies after the deduction pass
	bonus := len(reg.Certifications) * certificationBonus
	if bonus > maxCertificationBonus {
		bonus = maxCertificationBonus
	}
	res.Score = models.ClampInt(res.Score+bonus, 0, models.MaxDomainScore)
	res.Grade = models.DomainGrade(res.Score)
	return res, nil
}
