package analyzers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

func intPtr(v int) *int { return &v }

func titles(r models.DomainResult) []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.Title)
	}
	return out
}

func TestCalculateScoreSingleFinding(t *testing.T) {
	want := map[models.Severity]int{
		models.SeverityCritical: 70,
		models.SeverityHigh:     80,
		models.SeverityMedium:   90,
		models.SeverityLow:      95,
		models.SeverityInfo:     100,
	}
	for sev, score := range want {
		assert.Equal(t, score, CalculateScore([]models.Finding{{Severity: sev}}), string(sev))
	}
}

func TestCalculateScoreClampsAtZero(t *testing.T) {
	findings := make([]models.Finding, 5)
	for i := range findings {
		findings[i].Severity = models.SeverityCritical
	}
	assert.Equal(t, 0, CalculateScore(findings))
	assert.Equal(t, 0, CalculateScore(append(findings, models.Finding{Severity: models.SeverityHigh})))
	assert.Equal(t, 100, CalculateScore(nil))
}

func TestAllCoversEveryDomainInOrder(t *testing.T) {
	all := All()
	require.Len(t, all, len(models.DomainCodes))
	for i, a := range all {
		assert.Equal(t, models.DomainCodes[i], a.Code())
	}
}

func TestAnalyzersRejectMissingSection(t *testing.T) {
	for _, a := range All() {
		_, err := a.Analyze(context.Background(), "example.com", &models.RawData{Domain: "example.com"})
		assert.True(t, errors.Is(err, ErrNoData), "%s", a.Code())

		_, err = a.Analyze(context.Background(), "example.com", nil)
		assert.Error(t, err, "%s", a.Code())
	}
}

func TestNetworkAnalyzer(t *testing.T) {
	raw := &models.RawData{Network: &models.NetworkData{
		IPs: []string{"192.0.2.1"},
		Services: []models.Service{
			{IP: "192.0.2.1", Port: 443, Transport: "tcp", TLS: true},
			{IP: "192.0.2.1", Port: 3389, Transport: "tcp"},
			{IP: "192.0.2.1", Port: 3306, Transport: "tcp", TLS: true},
			{IP: "192.0.2.1", Port: 8080, Transport: "tcp"},
		},
	}}
	res, err := NewNetworkAnalyzer().Analyze(context.Background(), "example.com", raw)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"Risky port open: 3389",
		"Risky port open: 3306",
		"Unencrypted service: port 3389",
		"Unencrypted service: port 8080",
	}, titles(res))
	// high + medium + medium + medium
	assert.Equal(t, 50, res.Score)
	assert.Equal(t, "C", res.Grade)
	assert.Equal(t, 0.8, res.Confidence)
	require.NoError(t, res.Validate())
}

func TestNetworkAnalyzerDeductsEveryFinding(t *testing.T) {
	f := models.Finding{DomainCode: models.DomainNetwork, Title: "Risky port open: 139", Source: "shodan", Evidence: "same", Severity: models.SeverityMedium}
	assert.Equal(t, 80, NewNetworkAnalyzer().result([]models.Finding{f, f}, 0.8, nil).Score)

	raw := &models.RawData{Network: &models.NetworkData{
		IPs: []string{"1.2.3.4"},
		Services: []models.Service{
			{IP: "1.2.3.4", Port: 139, Transport: "tcp", TLS: true},
			{IP: "1.2.3.4", Port: 139, Transport: "udp"},
		},
	}}
	res, err := NewNetworkAnalyzer().Analyze(context.Background(), "example.com", raw)
	require.NoError(t, err)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, 80, res.Score)
	assert.Equal(t, "port 139/tcp detected on 1.2.3.4", res.Findings[0].Evidence)
	assert.Equal(t, "port 139/udp detected on 1.2.3.4", res.Findings[1].Evidence)
}

func TestNetworkAnalyzerNoPortsLowConfidence(t *testing.T) {
	res, err := NewNetworkAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{Network: &models.NetworkData{}})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 0.3, res.Confidence)
	assert.Empty(t, res.Findings)
}

func TestDNSAnalyzer(t *testing.T) {
	res, err := NewDNSAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{DNS: &models.DNSData{}})
	require.NoError(t, err)
	// high, high, critical, medium, low
	assert.Equal(t, 5, len(res.Findings))
	assert.Equal(t, 15, res.Score)
	assert.Equal(t, "E", res.Grade)
	assert.Equal(t, 0.95, res.Confidence)

	res, err = NewDNSAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{DNS: &models.DNSData{
		SPF: true, DKIM: true, DMARC: true, DMARCPolicy: "none", DNSSEC: true, CAA: []string{"0 issue \"letsencrypt.org\""},
	}})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "DMARC policy=none", res.Findings[0].Title)
	require.NotNil(t, res.Findings[0].CVSSScore)
	assert.Equal(t, 4.0, *res.Findings[0].CVSSScore)
	assert.Equal(t, 90, res.Score)
}

func TestWebAnalyzer(t *testing.T) {
	raw := &models.RawData{Web: &models.WebData{
		TLSVersion:      "TLSv1.1",
		DaysUntilExpiry: intPtr(-2),
		Headers: map[string]string{
			"strict-transport-security": "max-age=63072000",
			"X-Frame-Options":           "DENY",
			"x-content-type-options":    "nosniff",
		},
	}}
	res, err := NewWebAnalyzer().Analyze(context.Background(), "example.com", raw)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"Obsolete TLS: TLSv1.1",
		"Certificate expired",
		"Missing header: Content-Security-Policy",
		"Missing header: Referrer-Policy",
	}, titles(res))
	assert.Equal(t, 20, res.Score)
	assert.Equal(t, "D", res.Grade)
}

func TestWebAnalyzerDefaultsExpiry(t *testing.T) {
	headers := map[string]string{}
	for _, h := range requiredHeaders {
		headers[h] = "x"
	}
	res, err := NewWebAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{Web: &models.WebData{
		TLSVersion: "TLSv1.3",
		Headers:    headers,
	}})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Equal(t, 100, res.Score)

	res, err = NewWebAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{Web: &models.WebData{
		TLSVersion:      "TLSv1.2",
		DaysUntilExpiry: intPtr(10),
		Headers:         headers,
	}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"TLS 1.2, upgrade recommended", "Certificate expiring soon"}, titles(res))
	assert.Equal(t, 75, res.Score)
}

func TestEmailAnalyzerFallsBackToDNS(t *testing.T) {
	raw := &models.RawData{DNS: &models.DNSData{MX: []string{"mx.example.com"}, MTASTS: true}}
	res, err := NewEmailAnalyzer().Analyze(context.Background(), "example.com", raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"BIMI not configured"}, titles(res))
	assert.Equal(t, 100, res.Score)

	res, err = NewEmailAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{Email: &models.EmailData{}})
	require.NoError(t, err)
	// medium + info + high
	assert.Equal(t, 70, res.Score)
}

func TestPatchingAnalyzerSeverityFromCVSS(t *testing.T) {
	raw := &models.RawData{Patching: &models.PatchingData{CVEs: []models.CVE{
		{ID: "CVE-2021-44228", CVSS: 10.0},
		{ID: "CVE-2023-0001", CVSS: 7.0},
		{ID: "CVE-2023-0002", CVSS: 4.0},
		{ID: "CVE-2023-0003", CVSS: 3.9},
	}}}
	res, err := NewPatchingAnalyzer().Analyze(context.Background(), "example.com", raw)
	require.NoError(t, err)
	require.Len(t, res.Findings, 4)

	got := make([]models.Severity, 0, 4)
	for _, f := range res.Findings {
		got = append(got, f.Severity)
		assert.Equal(t, "nvd", f.Source)
	}
	assert.Equal(t, []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow}, got)
	assert.Equal(t, 35, res.Score)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, "CVE detected: CVE-2021-44228", res.Findings[0].Title)
}

func TestReputationAnalyzer(t *testing.T) {
	raw := &models.RawData{Reputation: &models.ReputationData{
		Results:     []models.IPReputation{{IP: "192.0.2.1", AbuseScore: 90, VTMalicious: 2}},
		AbuseScore:  90,
		VTMalicious: 2,
		Blacklists:  []string{"a", "b", "c", "d", "e", "f"},
	}}
	res, err := NewReputationAnalyzer().Analyze(context.Background(), "example.com", raw)
	require.NoError(t, err)
	require.Len(t, res.Findings, 3)
	assert.Equal(t, models.SeverityCritical, res.Findings[0].Severity)
	assert.Equal(t, models.SeverityMedium, res.Findings[1].Severity)
	assert.Equal(t, "IP listed on 6 blocklist(s)", res.Findings[2].Title)
	assert.NotContains(t, res.Findings[2].Description, "f.")
	assert.Equal(t, 40, res.Score)
	assert.Equal(t, 0.85, res.Confidence)
}

func TestReputationAnalyzerThresholds(t *testing.T) {
	res, err := NewReputationAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{Reputation: &models.ReputationData{
		AbuseScore: 50, VTMalicious: 4,
	}})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, models.SeverityHigh, res.Findings[0].Severity)
	assert.Equal(t, "virustotal", res.Findings[0].Source)
	assert.Equal(t, 0.3, res.Confidence)
}

func TestBreachSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, BreachSeverity(100001))
	assert.Equal(t, models.SeverityHigh, BreachSeverity(100000))
	assert.Equal(t, models.SeverityHigh, BreachSeverity(10001))
	assert.Equal(t, models.SeverityMedium, BreachSeverity(10000))
	assert.Equal(t, models.SeverityMedium, BreachSeverity(0))
}

func TestLeaksAnalyzer(t *testing.T) {
	raw := &models.RawData{Leaks: &models.LeaksData{
		Breaches: []models.Breach{
			{Name: "Collection1", BreachDate: "2019-01-07", PwnCount: 772904991},
			{Name: "Forum", PwnCount: 5000},
		},
		GitHubSecrets: []models.CodeLeak{{Repository: "acme/infra", Path: "deploy/.env", URL: "https://github.com/acme/infra/blob/main/deploy/.env"}},
	}}
	res, err := NewLeaksAnalyzer().Analyze(context.Background(), "example.com", raw)
	require.NoError(t, err)
	require.Len(t, res.Findings, 3)
	assert.Equal(t, models.SeverityCritical, res.Findings[0].Severity)
	assert.Equal(t, models.SeverityMedium, res.Findings[1].Severity)
	assert.Equal(t, "github_scan", res.Findings[2].Source)
	assert.Equal(t, 30, res.Score)
}

func TestRegulatoryAnalyzerBonusIsCapped(t *testing.T) {
	res, err := NewRegulatoryAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{Regulatory: &models.RegulatoryData{
		PrivacyPolicy:  true,
		Certifications: []string{"ISO 27001", "SOC 2", "HDS", "SECNUMCLOUD"},
	}})
	require.NoError(t, err)
	// medium for legal notice, then +15
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, "A", res.Grade)

	res, err = NewRegulatoryAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{Regulatory: &models.RegulatoryData{
		Certifications: []string{"ISO 27001"},
	}})
	require.NoError(t, err)
	// high + medium, then +5
	assert.Equal(t, 75, res.Score)
	assert.Equal(t, "B", res.Grade)
	assert.Equal(t, 0.6, res.Confidence)

	res, err = NewRegulatoryAnalyzer().Analyze(context.Background(), "example.com", &models.RawData{Regulatory: &models.RegulatoryData{}})
	require.NoError(t, err)
	assert.Equal(t, 65, res.Score)
	require.NoError(t, res.Validate())
}
