package models

import (
	"errors"
	"time"
)

var (
	ErrInvalidDomain = errors.New("invalid domain")
	ErrInvalidTier   = errors.New("invalid tier")
)

// Payload is the typed data a collector contributes to an AgentResult.
type Payload interface {
	PayloadKind() string
}

type AgentResult struct {
	AgentName    string             `json:"agent_name"`
	TargetID     string             `json:"target_id"`
	Success      bool               `json:"success"`
	Data         map[string]Payload `json:"data"`
	Errors       []string           `json:"errors"`
	Duration     time.Duration      `json:"duration"`
	APICallsMade int                `json:"api_calls_made"`
	LLMPlan      string             `json:"llm_plan,omitempty"`
	State        ScanState          `json:"state,omitempty"`
}

func NewAgentResult(agent, targetID string) AgentResult {
	return AgentResult{
		AgentName: agent,
		TargetID:  targetID,
		Data:      make(map[string]Payload),
		Errors:    []string{},
	}
}

func (r *AgentResult) RawData() (*RawData, bool) {
	p, ok := r.Data["osint"]
	if !ok {
		return nil, false
	}
	raw, ok := p.(*RawData)
	return raw, ok
}

func (r *AgentResult) LeakMonitor() (*LeakMonitorData, bool) {
	p, ok := r.Data["darkweb"]
	if !ok {
		return nil, false
	}
	d, ok := p.(*LeakMonitorData)
	return d, ok
}

func (r *AgentResult) SupplyChain() (*SupplyChainData, bool) {
	p, ok := r.Data["nthparty"]
	if !ok {
		return nil, false
	}
	d, ok := p.(*SupplyChainData)
	return d, ok
}

type ScanState string

const (
	ScanPlanned         ScanState = "planned"
	ScanRunning         ScanState = "running"
	ScanPartiallyFailed ScanState = "partially_failed"
	ScanCompleted       ScanState = "completed"
)

type Target struct {
	ID        string `json:"target_id" yaml:"target_id"`
	Domain    string `json:"domain" yaml:"domain"`
	Tier      int    `json:"tier" yaml:"tier"`
	Employees int    `json:"employees" yaml:"employees"`
}

func (t Target) Validate() error {
	if t.ID == "" {
		return ErrEmptyTargetID
	}
	if t.Domain == "" {
		return ErrInvalidDomain
	}
	if t.Tier < 1 || t.Tier > 3 {
		return ErrInvalidTier
	}
	return nil
}

type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditTimeout AuditStatus = "timeout"
	AuditError   AuditStatus = "error"
)

// AuditEntry records one attempted external call.
type AuditEntry struct {
	Agent     string            `json:"agent"`
	Source    string            `json:"source"`
	Status    AuditStatus       `json:"status"`
	Attempt   int               `json:"attempt"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

type AlertType string

const (
	AlertScoreDrop       AlertType = "score_drop"
	AlertGradeChange     AlertType = "grade_change"
	AlertCriticalFinding AlertType = "critical_finding"
	AlertBreach          AlertType = "breach"
	AlertSecret          AlertType = "potential_secret"
	AlertFeedMention     AlertType = "feed_mention"
	AlertConcentration   AlertType = "concentration_risk"
)

type Alert struct {
	Type        AlertType `json:"type"`
	Severity    Severity  `json:"severity"`
	TargetID    string    `json:"target_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
