package models

import (
	"errors"
	"fmt"
	"time"
)

const (
	MaxDomainScore = 100
	MaxGlobalScore = 1000

	// NeutralDomainScore substitutes for a domain whose analysis failed.
	NeutralDomainScore = 50
)

var gradeLabels = map[string]string{
	"A": "Excellent",
	"B": "Good",
	"C": "Acceptable",
	"D": "Weak",
	"E": "Critical",
	"F": "Critical",
}

// DomainGrade maps a 0-100 domain score to A-E.
func DomainGrade(score int) string {
	switch {
	case score >= 80:
		return "A"
	case score >= 60:
		return "B"
	case score >= 40:
		return "C"
	case score >= 20:
		return "D"
	default:
		return "E"
	}
}

// GlobalGrade maps a 0-1000 global score to A-F.
func GlobalGrade(score int) string {
	switch {
	case score >= 800:
		return "A"
	case score >= 600:
		return "B"
	case score >= 400:
		return "C"
	case score >= 200:
		return "D"
	default:
		return "F"
	}
}

func GradeLabel(grade string) string {
	if l, ok := gradeLabels[grade]; ok {
		return l
	}
	return "Unknown"
}

func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type DomainResult struct {
	DomainCode DomainCode             `json:"domain_code"`
	DomainName string                 `json:"domain_name"`
	Score      int                    `json:"score"`
	Grade      string                 `json:"grade"`
	Findings   []Finding              `json:"findings"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NeutralDomainResult stands in for an analyzer that could not produce a result.
func NeutralDomainResult(code DomainCode, reason string) DomainResult {
	r := DomainResult{
		DomainCode: code,
		DomainName: code.Name(),
		Score:      NeutralDomainScore,
		Grade:      DomainGrade(NeutralDomainScore),
		Findings:   []Finding{},
		Confidence: 0.0,
	}
	if reason != "" {
		r.Metadata = map[string]interface{}{"error": reason}
	}
	return r
}

func (r *DomainResult) Validate() error {
	if !r.DomainCode.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownDomainCode, r.DomainCode)
	}
	if r.Score < 0 || r.Score > MaxDomainScore {
		return fmt.Errorf("domain score %d out of range", r.Score)
	}
	if r.Grade != DomainGrade(r.Score) {
		return fmt.Errorf("grade %s does not match score %d", r.Grade, r.Score)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1")
	}
	return nil
}

type DomainSummary struct {
	Name         string  `json:"name"`
	Score        int     `json:"score"`
	Grade        string  `json:"grade"`
	FindingCount int     `json:"finding_count"`
	Confidence   float64 `json:"confidence"`
}

func (r *DomainResult) Summary() DomainSummary {
	return DomainSummary{
		Name:         r.DomainName,
		Score:        r.Score,
		Grade:        r.Grade,
		FindingCount: len(r.Findings),
		Confidence:   r.Confidence,
	}
}

type ScoreReport struct {
	TargetID      string                       `json:"target_id"`
	Domain        string                       `json:"domain,omitempty"`
	GlobalScore   int                          `json:"global_score"`
	Grade         string                       `json:"grade"`
	SizeFactor    float64                      `json:"size_factor"`
	Employees     int                          `json:"employees"`
	DomainScores  map[DomainCode]DomainSummary `json:"domain_scores"`
	Findings      []Finding                    `json:"findings"`
	FindingsCount int                          `json:"findings_count"`
	ScannedAt     time.Time                    `json:"scanned_at"`
}

var (
	ErrEmptyTargetID  = errors.New("target id is required")
	ErrReportNotFound = errors.New("report not found")
)

func (r *ScoreReport) Validate() error {
	if r.TargetID == "" {
		return ErrEmptyTargetID
	}
	if r.GlobalScore < 0 || r.GlobalScore > MaxGlobalScore {
		return fmt.Errorf("global score %d out of range", r.GlobalScore)
	}
	if r.Grade != GlobalGrade(r.GlobalScore) {
		return fmt.Errorf("grade %s does not match score %d", r.Grade, r.GlobalScore)
	}
	if r.FindingsCount != len(r.Findings) {
		return fmt.Errorf("findings_count %d does not match %d findings", r.FindingsCount, len(r.Findings))
	}
	return nil
}

// StoredReport is the identity a persistence backend assigns to a saved report.
type StoredReport struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id"`
	ScannedAt time.Time `json:"scanned_at"`
	Location  string    `json:"location,omitempty"`
}
