package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/cyberscore/internal/envelope"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestTargetFromArgs(t *testing.T) {
	target, err := targetFromArgs("https://WWW.Acme.com/login", "", 1, 40)
	require.NoError(t, err)
	assert.Equal(t, "www.acme.com", target.Domain)
	assert.Equal(t, "acme", target.ID)
	assert.Equal(t, 1, target.Tier)

	_, err = targetFromArgs("acme.com", "v-1", 4, 0)
	assert.ErrorIs(t, err, models.ErrInvalidTier)

	_, err = targetFromArgs("not a domain", "v-1", 1, 0)
	assert.Error(t, err)
}

func TestMaskSecrets(t *testing.T) {
	cfg := *models.DefaultConfig()
	cfg.Sources.ShodanAPIKey = "abc"
	cfg.Server.JWTSecret = "s3cret"

	masked := maskSecrets(cfg)
	assert.Equal(t, "********", masked.Sources.ShodanAPIKey)
	assert.Equal(t, "********", masked.Server.JWTSecret)
	assert.Empty(t, masked.Sources.HIBPAPIKey)
	assert.Equal(t, "abc", cfg.Sources.ShodanAPIKey, "original config must not change")
}

func TestConfirmOverwrite(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"", false},
	}
	for _, tt := range tests {
		ok, err := confirmOverwrite(strings.NewReader(tt.in), io.Discard)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "input %q", tt.in)
	}
}

func sampleAudit(now time.Time) []models.AuditEntry {
	return []models.AuditEntry{
		{Agent: "osint", Source: "shodan", Status: models.AuditSuccess, Attempt: 1, Timestamp: now.Add(-48 * time.Hour)},
		{Agent: "osint", Source: "nvd", Status: models.AuditTimeout, Attempt: 1, Timestamp: now.Add(-2 * time.Hour), Error: "timeout after 30s"},
		{Agent: "osint", Source: "nvd", Status: models.AuditSuccess, Attempt: 2, Timestamp: now.Add(-time.Hour)},
		{Agent: "darkweb", Source: "hibp", Status: models.AuditError, Attempt: 3, Timestamp: now.Add(-time.Minute), Error: "HTTP 503"},
	}
}

func TestAuditFilterApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := sampleAudit(now)

	assert.Len(t, (&auditFilter{}).apply(entries, now), 4)
	assert.Len(t, (&auditFilter{source: "nvd"}).apply(entries, now), 2)
	assert.Len(t, (&auditFilter{status: "error"}).apply(entries, now), 1)
	assert.Len(t, (&auditFilter{since: 24 * time.Hour}).apply(entries, now), 3)

	last := (&auditFilter{limit: 2}).apply(entries, now)
	require.Len(t, last, 2)
	assert.Equal(t, "hibp", last[1].Source)
}

func TestAuditExportCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, envelope.WriteJSONL(f, sampleAudit(time.Now())))
	require.NoError(t, f.Close())

	cmd := NewAuditCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"export", "--file", path, "--source", "nvd"})
	require.NoError(t, cmd.Execute())

	got, err := envelope.ReadJSONL(&out)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.AuditTimeout, got[0].Status)
}

func TestRenderDomainTable(t *testing.T) {
	report := models.ScoreReport{
		TargetID: "acme",
		DomainScores: map[models.DomainCode]models.DomainSummary{
			models.DomainCodes[0]: {Name: "Network", Score: 80, Grade: "B", FindingCount: 2, Confidence: 0.8},
			models.DomainCodes[1]: {Name: "DNS", Score: 95, Grade: "A", FindingCount: 0, Confidence: 1},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, renderDomainTable(&buf, report))
	out := buf.String()
	assert.Contains(t, out, "Network")
	assert.Contains(t, out, "0.80")
	assert.Less(t, strings.Index(out, "Network"), strings.Index(out, "DNS"))
}

func TestPrintSummary(t *testing.T) {
	report := models.ScoreReport{
		TargetID:      "acme",
		Domain:        "acme.com",
		GlobalScore:   612,
		Grade:         "B",
		SizeFactor:    1.1,
		Employees:     40,
		FindingsCount: 2,
		Findings: []models.Finding{
			{Severity: models.SeverityCritical, Title: "x"},
			{Severity: models.SeverityLow, Title: "y"},
		},
	}
	agent := &models.AgentResult{State: models.ScanPartiallyFailed, APICallsMade: 9, Errors: []string{"darkweb failed: feed outage"}}
	alerts := []models.Alert{{Severity: models.SeverityHigh, Title: "Score dropped by 60 points"}}

	var buf bytes.Buffer
	printSummary(&buf, report, agent, alerts, 3*time.Second)
	out := buf.String()
	assert.Contains(t, out, "612/1000  Grade B")
	assert.Contains(t, out, "Critical: 1")
	assert.Contains(t, out, "darkweb failed: feed outage")
	assert.Contains(t, out, "[HIGH] Score dropped by 60 points")
	assert.Contains(t, out, "3.0s")
}

func TestScoreCommandOffline(t *testing.T) {
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "raw.json")
	reportPath := filepath.Join(dir, "report.json")
	data, err := json.Marshal(models.RawData{Domain: "acme.com"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rawPath, data, 0o644))

	cmd := NewScoreCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--input", rawPath, "--employees", "1000", "--target-id", "acme", "--output", reportPath})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Global Score:")

	saved, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report models.ScoreReport
	require.NoError(t, json.Unmarshal(saved, &report))
	assert.Equal(t, "acme", report.TargetID)
	assert.Equal(t, "acme.com", report.Domain)
	assert.Len(t, report.DomainScores, len(models.DomainCodes))
	assert.NoError(t, report.Validate())
}

func TestLoadRawDataErrors(t *testing.T) {
	_, err := loadRawData(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = loadRawData(bad)
	assert.Error(t, err)
}
