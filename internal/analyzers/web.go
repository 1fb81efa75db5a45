package analyzers

import (
	"context"
	"fmt"
	"strings"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const defaultDaysUntilExpiry = 365

var requiredHeaders = []string{
	"Content-Security-Policy",
	"Strict-Transport-Security",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Referrer-Policy",
}

// WebAnalyzer (D3) checks the negotiated TLS version, certificate lifetime and security headers.
type WebAnalyzer struct{ base }

func NewWebAnalyzer() *WebAnalyzer {
	return &WebAnalyzer{base{models.DomainWeb}}
}

func (a *WebAnalyzer) Analyze(_ context.Context, _ string, raw *models.RawData) (models.DomainResult, error) {
	if raw == nil || raw.Web == nil {
		return models.DomainResult{}, a.noData()
	}
	w := raw.Web
	var findings []models.Finding

	switch w.TLSVersion {
	case "TLSv1", "TLSv1.0", "TLSv1.1":
		f := a.finding(models.SeverityCritical, "ssl_check",
			fmt.Sprintf("Obsolete TLS: %s", w.TLSVersion),
			fmt.Sprintf("TLS version %s negotiated.", w.TLSVersion),
			"Require TLS 1.2 at minimum, TLS 1.3 recommended.")
		f.CVSSScore = models.CVSS(7.5)
		findings = append(findings, f)
	case "TLSv1.2":
		findings = append(findings, a.finding(models.SeverityLow, "ssl_check",
			"TLS 1.2, upgrade recommended",
			"TLS 1.2 is supported but TLS 1.3 is recommended.",
			"Enable TLS 1.3."))
	}

	days := defaultDaysUntilExpiry
	if w.DaysUntilExpiry != nil {
		days = *w.DaysUntilExpiry
	}
	switch {
	case days < 0:
		f := a.finding(models.SeverityCritical, "ssl_check", "Certificate expired",
			"The TLS certificate has expired.", "Renew the certificate immediately.")
		f.CVSSScore = models.CVSS(9.0)
		findings = append(findings, f)
	case days < 30:
		findings = append(findings, a.finding(models.SeverityHigh, "ssl_check", "Certificate expiring soon",
			fmt.Sprintf("The certificate expires in %d days.", days), "Renew the certificate soon."))
	}

	present := make(map[string]bool, len(w.Headers))
	for h := range w.Headers {
		present[strings.ToLower(h)] = true
	}
	for _, h := range requiredHeaders {
		if present[strings.ToLower(h)] {
			continue
		}
		findings = append(findings, a.finding(models.SeverityMedium, "http_headers",
			fmt.Sprintf("Missing header: %s", h),
			fmt.Sprintf("The security header %s is not set.", h),
			fmt.Sprintf("Add the %s header.", h)))
	}

	meta := map[string]interface{}{
		"tls_version":   w.TLSVersion,
		"embedded_scts": w.EmbeddedSCTs,
	}
	if w.OCSPStatus != "" {
		meta["ocsp_status"] = w.OCSPStatus
	}
	return a.result(findings, 0.9, meta), nil
}
