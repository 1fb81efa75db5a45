package analyzers

import (
	"context"
	"fmt"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// PatchingAnalyzer (D5) turns CVE matches into findings graded by CVSS.
type PatchingAnalyzer struct{ base }

func NewPatchingAnalyzer() *PatchingAnalyzer {
	return &PatchingAnalyzer{base{models.DomainPatching}}
}

func (a *PatchingAnalyzer) Analyze(_ context.Context, _ string, raw *models.RawData) (models.DomainResult, error) {
	if raw == nil || raw.Patching == nil {
		return models.DomainResult{}, a.noData()
	}
	var findings []models.Finding
	for _, cve := range raw.Patching.CVEs {
		id := cve.ID
		if id == "" {
			id = "Unknown"
		}
		desc := cve.Description
		if desc == "" {
			desc = "Known vulnerability."
		}
		f := a.finding(models.SeverityFromCVSS(cve.CVSS), "nvd",
			fmt.Sprintf("CVE detected: %s", id), desc,
			fmt.Sprintf("Apply the fix for %s.", id))
		f.CVSSScore = models.CVSS(cve.CVSS)
		f.Evidence = fmt.Sprintf("CVE: %s, CVSS: %.1f", id, cve.CVSS)
		if cve.Service != "" {
			f.Evidence += ", service: " + cve.Service
		}
		findings = append(findings, f)
	}

	confidence := 0.5
	if len(raw.Patching.CVEs) > 0 {
		confidence = 0.7
	}
	return a.result(findings, confidence, map[string]interface{}{
		"cves":         len(raw.Patching.CVEs),
		"shodan_vulns": len(raw.Patching.ShodanVulns),
	}), nil
}
