package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func report(score int, findings ...models.Finding) models.ScoreReport {
	return models.ScoreReport{
		TargetID:      "v-1",
		GlobalScore:   score,
		Grade:         models.GlobalGrade(score),
		Findings:      findings,
		FindingsCount: len(findings),
	}
}

func TestDetectScoreDropAndGradeChange(t *testing.T) {
	d := NewDetector(WithClock(func() time.Time { return fixed }))
	prev := report(820)
	alerts := d.Detect(&prev, report(700))

	require.Len(t, alerts, 2)
	assert.Equal(t, models.AlertScoreDrop, alerts[0].Type)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "Significant score drop: 820 -> 700", alerts[0].Title)
	assert.Equal(t, models.AlertGradeChange, alerts[1].Type)
	assert.Equal(t, "Grade degraded: A -> B", alerts[1].Title)
	assert.Equal(t, fixed, alerts[0].CreatedAt)
	assert.Equal(t, "v-1", alerts[1].TargetID)
}

func TestDetectDropBoundary(t *testing.T) {
	d := NewDetector()
	prev := report(700)
	assert.Empty(t, d.Detect(&prev, report(650)), "a drop of exactly 50 is tolerated")

	alerts := d.Detect(&prev, report(649))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertScoreDrop, alerts[0].Type)
}

func TestDetectGradeChangeWithoutLargeDrop(t *testing.T) {
	d := NewDetector()
	prev := report(605)
	alerts := d.Detect(&prev, report(595))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertGradeChange, alerts[0].Type)
}

func TestImprovementRaisesNothing(t *testing.T) {
	d := NewDetector()
	prev := report(300)
	assert.Empty(t, d.Detect(&prev, report(900)))
}

func TestDetectWithoutHistory(t *testing.T) {
	d := NewDetector()
	alerts := d.Detect(nil, report(100,
		models.Finding{DomainCode: models.DomainDNS, Title: "DMARC missing", Severity: models.SeverityCritical},
		models.Finding{DomainCode: models.DomainDNS, Title: "SPF missing", Severity: models.SeverityHigh},
		models.Finding{DomainCode: models.DomainDNS, Title: "No CAA", Severity: models.SeverityLow},
	))
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, models.AlertCriticalFinding, a.Type)
	}
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "Finding critical: DMARC missing", alerts[0].Title)
	assert.Equal(t, models.SeverityHigh, alerts[1].Severity)

	counts := CountBySeverity(alerts)
	assert.Equal(t, 1, counts[models.SeverityCritical])
	assert.Equal(t, 1, counts[models.SeverityHigh])
}

func TestDetectAlertsOncePerDistinctFinding(t *testing.T) {
	leak := models.Finding{DomainCode: models.DomainLeaks, Title: "Secret exposed", Source: "github", Evidence: "acme/app/.env", Severity: models.SeverityCritical}
	other := leak
	other.Evidence = "acme/infra/tf.vars"

	alerts := NewDetector().Detect(nil, report(400, leak, leak, other))
	assert.Len(t, alerts, 2)
}

func TestCustomDropThreshold(t *testing.T) {
	d := NewDetector(WithScoreDropThreshold(10))
	prev := report(700)
	alerts := d.Detect(&prev, report(680))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertScoreDrop, alerts[0].Type)
}

func TestConcentration(t *testing.T) {
	d := NewDetector()
	assert.Nil(t, d.Concentration("v-1", nil))
	assert.Nil(t, d.Concentration("v-1", &models.SupplyChainData{}))

	sc := &models.SupplyChainData{ConcentrationRisk: models.ConcentrationRisk{
		Alert:                   true,
		TotalDependencies:       4,
		ProvidersAboveThreshold: []models.ProviderShare{{Provider: "Cloudflare", Count: 3, Ratio: 0.75}},
	}}
	alerts := d.Concentration("v-1", sc)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertConcentration, alerts[0].Type)
	assert.Equal(t, "Cloudflare backs 3 of 4 dependencies (75%).", alerts[0].Description)
}
