package analyzers

import (
	"context"
	"fmt"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// LeaksAnalyzer (D7) scores breaches by affected accounts and exposed secrets.
type LeaksAnalyzer struct{ base }

func NewLeaksAnalyzer() *LeaksAnalyzer {
	return &LeaksAnalyzer{base{models.DomainLeaks}}
}

// BreachSeverity scales with the number of affected records.
func BreachSeverity(pwnCount int) models.Severity {
	switch {
	case pwnCount > 100000:
		return models.SeverityCritical
	case pwnCount > 10000:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

func (a *LeaksAnalyzer) Analyze(_ context.Context, _ string, raw *models.RawData) (models.DomainResult, error) {
	if raw == nil || raw.Leaks == nil {
		return models.DomainResult{}, a.noData()
	}
	var findings []models.Finding

	for _, b := range raw.Leaks.Breaches {
		name := b.Name
		if name == "" {
			name = "Unknown"
		}
		date := b.BreachDate
		if date == "" {
			date = "unknown date"
		}
		f := a.finding(BreachSeverity(b.PwnCount), "hibp",
			fmt.Sprintf("Breach detected: %s", name),
			fmt.Sprintf("Data breach '%s' on %s, %d accounts affected.", name, date, b.PwnCount),
			"Assess impact, notify users and reset credentials.")
		f.Evidence = fmt.Sprintf("HIBP: %s (%s)", name, date)
		findings = append(findings, f)
	}

	for _, s := range raw.Leaks.GitHubSecrets {
		f := a.finding(models.SeverityCritical, "github_scan",
			fmt.Sprintf("Secret exposed on GitHub: %s", s.Repository),
			fmt.Sprintf("A potential credential was found in %s.", s.Path),
			"Revoke the secret immediately and remove it from the repository.")
		f.Evidence = s.URL
		findings = append(findings, f)
	}

	return a.result(findings, 0.9, map[string]interface{}{
		"certificates_seen": len(raw.Leaks.Certificates),
	}), nil
}
