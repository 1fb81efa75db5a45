package models

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityDeduction(t *testing.T) {
	want := map[Severity]int{
		SeverityCritical: 70,
		SeverityHigh:     80,
		SeverityMedium:   90,
		SeverityLow:      95,
		SeverityInfo:     100,
	}
	for sev, score := range want {
		assert.Equal(t, score, 100-sev.Deduction(), sev)
	}
}

func TestDomainGradeBoundaries(t *testing.T) {
	cases := map[int]string{100: "A", 80: "A", 79: "B", 60: "B", 59: "C", 40: "C", 39: "D", 20: "D", 19: "E", 0: "E"}
	for score, grade := range cases {
		assert.Equal(t, grade, DomainGrade(score), "score %d", score)
	}
}

func TestGlobalGradeBoundaries(t *testing.T) {
	cases := map[int]string{1000: "A", 800: "A", 799: "B", 600: "B", 599: "C", 400: "C", 399: "D", 200: "D", 199: "F", 0: "F"}
	for score, grade := range cases {
		assert.Equal(t, grade, GlobalGrade(score), "score %d", score)
	}
}

func TestSeverityFromCVSS(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityFromCVSS(9.0))
	assert.Equal(t, SeverityHigh, SeverityFromCVSS(8.9))
	assert.Equal(t, SeverityHigh, SeverityFromCVSS(7.0))
	assert.Equal(t, SeverityMedium, SeverityFromCVSS(4.0))
	assert.Equal(t, SeverityLow, SeverityFromCVSS(3.9))
}

func TestParseDomainCode(t *testing.T) {
	code, err := ParseDomainCode("d3")
	require.NoError(t, err)
	assert.Equal(t, DomainWeb, code)
	assert.Equal(t, "Web Security", code.Name())

	_, err = ParseDomainCode("D9")
	assert.ErrorIs(t, err, ErrUnknownDomainCode)
}

func TestFindingValidateAndFingerprint(t *testing.T) {
	f := Finding{DomainCode: DomainDNS, Title: "SPF record missing", Severity: SeverityHigh, CVSSScore: CVSS(5.0), Source: "dns"}
	require.NoError(t, f.Validate())

	g := f
	g.Description = "different wording"
	assert.Equal(t, f.Fingerprint(), g.Fingerprint())

	bad := f
	bad.Severity = "urgent"
	assert.Error(t, bad.Validate())

	bad = f
	bad.CVSSScore = CVSS(11)
	assert.Error(t, bad.Validate())

	deduped := DedupeFindings([]Finding{f, g, {DomainCode: DomainDNS, Title: "CAA missing", Severity: SeverityLow}})
	assert.Len(t, deduped, 2)
}

func TestNeutralDomainResult(t *testing.T) {
	r := NeutralDomainResult(DomainLeaks, "boom")
	assert.Equal(t, 50, r.Score)
	assert.Equal(t, "C", r.Grade)
	assert.Equal(t, 0.0, r.Confidence)
	assert.Equal(t, "Leaks & Exposure", r.DomainName)
	require.NoError(t, r.Validate())
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	plan, ok := cfg.Orchestrator.Tier(1)
	require.True(t, ok)
	assert.Equal(t, []string{"osint", "darkweb", "nthparty"}, plan.Collectors)
}

func TestConfigValidateRejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.Weights["D1"] = 0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestConfigValidateRequiredCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sources.RequireKeys = []string{"shodan"}
	require.Error(t, cfg.Validate())

	cfg.Sources.ShodanAPIKey = "key"
	require.NoError(t, cfg.Validate())
}

func TestEnvelopePolicyFallback(t *testing.T) {
	cfg := DefaultConfig()
	p := cfg.Envelope.Policy("shodan")
	assert.Equal(t, 1, p.Concurrency)
	assert.Equal(t, 30*time.Second, p.Timeout)
	assert.Equal(t, 3, p.MaxAttempts)

	p = cfg.Envelope.Policy("unknown")
	assert.Equal(t, cfg.Envelope.Default, p)
}

func TestConfigSaveLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyberscore.yaml")
	cfg := DefaultConfig()
	cfg.Scheduler.Vendors = []Target{{ID: "v-1", Domain: "example.com", Tier: 2}}
	require.NoError(t, cfg.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, cfg.Scheduler.Vendors, loaded.Scheduler.Vendors)
	assert.Equal(t, cfg.Envelope.Default.Timeout, loaded.Envelope.Default.Timeout)
}

func TestTargetValidate(t *testing.T) {
	assert.ErrorIs(t, Target{Domain: "a.com", Tier: 1}.Validate(), ErrEmptyTargetID)
	assert.ErrorIs(t, Target{ID: "x", Domain: "a.com", Tier: 4}.Validate(), ErrInvalidTier)
	assert.NoError(t, Target{ID: "x", Domain: "a.com", Tier: 3}.Validate())
}
