// Package alerting turns score history and findings into alerts.
package alerting

import (
	"fmt"
	"time"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// DefaultScoreDropThreshold is the global-score drop above which a score_drop alert fires.
const DefaultScoreDropThreshold = 50

type Detector struct {
	dropThreshold int
	now           func() time.Time
}

type Option func(*Detector)

func WithScoreDropThreshold(points int) Option {
	return func(d *Detector) {
		if points > 0 {
			d.dropThreshold = points
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func NewDetector(opts ...Option) *Detector {
	d := &Detector{dropThreshold: DefaultScoreDropThreshold, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect compares current against the previous report for the same target, which may be nil.
// Score and grade alerts need a previous report; finding alerts do not.
func (d *Detector) Detect(previous *models.ScoreReport, current models.ScoreReport) []models.Alert {
	now := d.now().UTC()
	alerts := []models.Alert{}

	if previous != nil {
		oldScore, newScore := previous.GlobalScore, current.GlobalScore
		if drop := oldScore - newScore; drop > d.dropThreshold {
			alerts = append(alerts, models.Alert{
				Type:        models.AlertScoreDrop,
				Severity:    models.SeverityHigh,
				TargetID:    current.TargetID,
				Title:       fmt.Sprintf("Significant score drop: %d -> %d", oldScore, newScore),
				Description: fmt.Sprintf("The vendor lost %d points. Immediate review recommended.", drop),
				CreatedAt:   now,
			})
		}
		oldGrade, newGrade := models.GlobalGrade(oldScore), models.GlobalGrade(newScore)
		if oldGrade != newGrade && oldScore > newScore {
			alerts = append(alerts, models.Alert{
				Type:        models.AlertGradeChange,
				Severity:    models.SeverityHigh,
				TargetID:    current.TargetID,
				Title:       fmt.Sprintf("Grade degraded: %s -> %s", oldGrade, newGrade),
				Description: fmt.Sprintf("The vendor moved from grade %s to grade %s.", oldGrade, newGrade),
				CreatedAt:   now,
			})
		}
	}

	// Scores count every finding; alerts fire once per distinct issue.
	for _, f := range models.DedupeFindings(current.Findings) {
		if !f.IsCritical() {
			continue
		}
		alerts = append(alerts, models.Alert{
			Type:        models.AlertCriticalFinding,
			Severity:    f.Severity,
			TargetID:    current.TargetID,
			Title:       fmt.Sprintf("Finding %s: %s", f.Severity, f.Title),
			Description: f.Description,
			CreatedAt:   now,
		})
	}
	return alerts
}

// Concentration raises an alert when supply-chain data shows a dominant provider.
func (d *Detector) Concentration(targetID string, sc *models.SupplyChainData) []models.Alert {
	if sc == nil || !sc.ConcentrationRisk.Alert {
		return nil
	}
	out := make([]models.Alert, 0, len(sc.ConcentrationRisk.ProvidersAboveThreshold))
	for _, p := range sc.ConcentrationRisk.ProvidersAboveThreshold {
		out = append(out, models.Alert{
			Type:     models.AlertConcentration,
			Severity: models.SeverityMedium,
			TargetID: targetID,
			Title:    fmt.Sprintf("Provider concentration: %s", p.Provider),
			Description: fmt.Sprintf("%s backs %d of %d dependencies (%.0f%%).",
				p.Provider, p.Count, sc.ConcentrationRisk.TotalDependencies, p.Ratio*100),
			CreatedAt: d.now().UTC(),
		})
	}
	return out
}

// CountBySeverity tallies alerts for summaries.
func CountBySeverity(alerts []models.Alert) map[models.Severity]int {
	out := make(map[models.Severity]int)
	for _, a := range alerts {
		out[a.Severity]++
	}
	return out
}
