package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityDeductions = map[Severity]int{
	SeverityCritical: 30,
	SeverityHigh:     20,
	SeverityMedium:   10,
	SeverityLow:      5,
	SeverityInfo:     0,
}

// Deduction is the number of points a finding of this severity removes from a domain score.
func (s Severity) Deduction() int {
	return severityDeductions[s]
}

func (s Severity) Valid() bool {
	_, ok := severityDeductions[s]
	return ok
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("invalid severity: %s", s)
	}
	return sev, nil
}

// SeverityFromCVSS maps a CVSS base score onto the finding scale.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type DomainCode string

const (
	DomainNetwork    DomainCode = "D1"
	DomainDNS        DomainCode = "D2"
	DomainWeb        DomainCode = "D3"
	DomainEmail      DomainCode = "D4"
	DomainPatching   DomainCode = "D5"
	DomainReputation DomainCode = "D6"
	DomainLeaks      DomainCode = "D7"
	DomainRegulatory DomainCode = "D8"
)

var ErrUnknownDomainCode = errors.New("unknown domain code")

// DomainCodes lists the eight risk domains in merge order.
var DomainCodes = []DomainCode{
	DomainNetwork, DomainDNS, DomainWeb, DomainEmail,
	DomainPatching, DomainReputation, DomainLeaks, DomainRegulatory,
}

var domainNames = map[DomainCode]string{
	DomainNetwork:    "Network Security",
	DomainDNS:        "DNS Security",
	DomainWeb:        "Web Security",
	DomainEmail:      "Email Security",
	DomainPatching:   "Patching Cadence",
	DomainReputation: "IP Reputation",
	DomainLeaks:      "Leaks & Exposure",
	DomainRegulatory: "Regulatory Presence",
}

func (c DomainCode) Name() string {
	return domainNames[c]
}

func (c DomainCode) Valid() bool {
	_, ok := domainNames[c]
	return ok
}

func ParseDomainCode(s string) (DomainCode, error) {
	code := DomainCode(strings.ToUpper(strings.TrimSpace(s)))
	if !code.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomainCode, s)
	}
	return code, nil
}

// Finding is produced once by an analyzer and only read afterwards.
type Finding struct {
	DomainCode     DomainCode `json:"domain_code" yaml:"domain_code"`
	Title          string     `json:"title" yaml:"title"`
	Description    string     `json:"description" yaml:"description"`
	Severity       Severity   `json:"severity" yaml:"severity"`
	CVSSScore      *float64   `json:"cvss_score,omitempty" yaml:"cvss_score,omitempty"`
	Source         string     `json:"source" yaml:"source"`
	Evidence       string     `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	Recommendation string     `json:"recommendation" yaml:"recommendation"`
}

func (f *Finding) Validate() error {
	if !f.DomainCode.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownDomainCode, f.DomainCode)
	}
	if f.Title == "" {
		return fmt.Errorf("finding title is required")
	}
	if !f.Severity.Valid() {
		return fmt.Errorf("invalid severity: %s", f.Severity)
	}
	if f.CVSSScore != nil && (*f.CVSSScore < 0 || *f.CVSSScore > 10) {
		return fmt.Errorf("cvss score must be between 0 and 10")
	}
	return nil
}

// Fingerprint identifies a finding independent of its wording changes in description or recommendation.
func (f *Finding) Fingerprint() string {
	key := strings.Join([]string{string(f.DomainCode), strings.ToLower(f.Title), f.Source, f.Evidence}, "|")
	return fmt.Sprintf("%016x", xxh3.HashString(key))
}

func (f *Finding) IsCritical() bool {
	return f.Severity == SeverityCritical || f.Severity == SeverityHigh
}

// CVSS returns a pointer suitable for Finding.CVSSScore.
func CVSS(score float64) *float64 {
	return &score
}

// DedupeFindings drops repeated findings, keeping the first occurrence.
func DedupeFindings(findings []Finding) []Finding {
	seen := make(map[string]struct{}, len(findings))
	out := make([]Finding, 0, len(findings))
	for i := range findings {
		fp := findings[i].Fingerprint()
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, findings[i])
	}
	return out
}

func CountBySeverity(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}
