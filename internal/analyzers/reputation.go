package analyzers

import (
	"context"
	"fmt"
	"strings"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// ReputationAnalyzer (D6) checks abuse reports, antivirus detections and DNS blocklists.
type ReputationAnalyzer struct{ base }

func NewReputationAnalyzer() *ReputationAnalyzer {
	return &ReputationAnalyzer{base{models.DomainReputation}}
}

func (a *ReputationAnalyzer) Analyze(_ context.Context, _ string, raw *models.RawData) (models.DomainResult, error) {
	if raw == nil || raw.Reputation == nil {
		return models.DomainResult{}, a.noData()
	}
	r := raw.Reputation
	var findings []models.Finding

	if r.AbuseScore > 50 {
		sev := models.SeverityHigh
		if r.AbuseScore > 80 {
			sev = models.SeverityCritical
		}
		findings = append(findings, a.finding(sev, "abuseipdb",
			fmt.Sprintf("High abuse score: %d%%", r.AbuseScore),
			fmt.Sprintf("AbuseIPDB confidence score: %d%%.", r.AbuseScore),
			"Investigate the abuse reports."))
	}
	if r.VTMalicious > 0 {
		sev := models.SeverityMedium
		if r.VTMalicious > 3 {
			sev = models.SeverityHigh
		}
		findings = append(findings, a.finding(sev, "virustotal",
			fmt.Sprintf("VirusTotal detections: %d", r.VTMalicious),
			fmt.Sprintf("%d antivirus engines flag this IP.", r.VTMalicious),
			"Review network activity from this IP."))
	}
	if len(r.Blacklists) > 0 {
		shown := r.Blacklists
		if len(shown) > 5 {
			shown = shown[:5]
		}
		findings = append(findings, a.finding(models.SeverityHigh, "blacklists",
			fmt.Sprintf("IP listed on %d blocklist(s)", len(r.Blacklists)),
			fmt.Sprintf("The IP is listed on: %s.", strings.Join(shown, ", ")),
			"Request delisting from the blocklists."))
	}

	confidence := 0.3
	if len(r.Results) > 0 {
		confidence = 0.85
	}
	return a.result(findings, confidence, map[string]interface{}{"ips_checked": len(r.Results)}), nil
}
