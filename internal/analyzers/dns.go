package analyzers

import (
	"context"
	"strings"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// DNSAnalyzer (D2) checks SPF, DKIM, DMARC, DNSSEC and CAA.
type DNSAnalyzer struct{ base }

func NewDNSAnalyzer() *DNSAnalyzer {
	return &DNSAnalyzer{base{models.DomainDNS}}
}

func (a *DNSAnalyzer) Analyze(_ context.Context, _ string, raw *models.RawData) (models.DomainResult, error) {
	if raw == nil || raw.DNS == nil {
		return models.DomainResult{}, a.noData()
	}
	d := raw.DNS
	var findings []models.Finding

	add := func(sev models.Severity, cvss float64, title, desc, rec string) {
		f := a.finding(sev, "dns", title, desc, rec)
		f.CVSSScore = models.CVSS(cvss)
		findings = append(findings, f)
	}

	if !d.SPF {
		add(models.SeverityHigh, 5.0, "SPF record missing", "No SPF record was found.", "Publish an SPF record.")
	}
	if !d.DKIM {
		add(models.SeverityHigh, 5.0, "DKIM record missing", "No DKIM key was found on common selectors.", "Configure DKIM signing for the domain.")
	}
	switch {
	case !d.DMARC:
		add(models.SeverityCritical, 7.0, "DMARC record missing", "No DMARC policy was found.", "Publish DMARC with p=quarantine or p=reject.")
	case strings.EqualFold(d.DMARCPolicy, "none"):
		add(models.SeverityMedium, 4.0, "DMARC policy=none", "DMARC is published but its policy is 'none' and offers no protection.", "Move the DMARC policy to quarantine or reject.")
	}
	if !d.DNSSEC {
		add(models.SeverityMedium, 3.5, "DNSSEC not enabled", "The zone is not signed with DNSSEC.", "Enable DNSSEC.")
	}
	if len(d.CAA) == 0 {
		add(models.SeverityLow, 2.0, "CAA record missing", "No CAA record restricts which CAs may issue certificates.", "Add a CAA record.")
	}

	return a.result(findings, 0.95, nil), nil
}
