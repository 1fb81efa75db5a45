package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bl4ck0w1/cyberscore/internal/orchestration"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

type scanRequest struct {
	TargetID  string `json:"target_id"`
	Domain    string `json:"domain"`
	Tier      int    `json:"tier"`
	Employees int    `json:"employees"`
}

type scanResponse struct {
	TargetID     string                                     `json:"target_id"`
	Domain       string                                     `json:"domain"`
	Success      bool                                       `json:"success"`
	State        models.ScanState                           `json:"state"`
	Errors       []string                                   `json:"errors"`
	APICallsMade int                                        `json:"api_calls_made"`
	LLMPlan      string                                     `json:"llm_plan,omitempty"`
	GlobalScore  int                                        `json:"global_score"`
	Grade        string                                     `json:"grade"`
	DomainScores map[models.DomainCode]models.DomainSummary `json:"domain_scores"`
	Alerts       []models.Alert                             `json:"alerts"`
	Stored       *models.StoredReport                       `json:"stored,omitempty"`
	Warning      string                                     `json:"warning,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "scan pipeline not configured")
		return
	}
	var req scanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	domain, err := utils.NormalizeDomain(req.Domain)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target := models.Target{ID: req.TargetID, Domain: domain, Tier: req.Tier, Employees: req.Employees}
	if err := target.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.scanTimeout)
	defer cancel()
	out, err := s.deps.Runner.Run(ctx, orchestration.ScanRequest{
		TargetID:  target.ID,
		Domain:    target.Domain,
		Tier:      target.Tier,
		Employees: target.Employees,
	})
	if err != nil && out.Report.TargetID == "" {
		s.logger.WithError(err).WithField("target_id", target.ID).Error("scan failed")
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}

	resp := scanResponse{
		TargetID:     target.ID,
		Domain:       target.Domain,
		Success:      out.Agent.Success,
		State:        out.Agent.State,
		Errors:       out.Agent.Errors,
		APICallsMade: out.Agent.APICallsMade,
		LLMPlan:      out.Agent.LLMPlan,
		GlobalScore:  out.Report.GlobalScore,
		Grade:        out.Report.Grade,
		DomainScores: out.Report.DomainScores,
		Alerts:       out.Alerts,
		Stored:       out.Stored,
	}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) activeScans(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeJSON(w, http.StatusOK, []orchestration.ScanContext{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitor.ListActiveScans())
}

func (s *Server) auditLog(w http.ResponseWriter, r *http.Request) {
	entries := []models.AuditEntry{}
	if s.deps.Monitor != nil {
		entries = s.deps.Monitor.GetAuditLog()
	}
	source := r.URL.Query().Get("source")
	status := r.URL.Query().Get("status")
	if source == "" && status == "" {
		writeJSON(w, http.StatusOK, entries)
		return
	}
	filtered := make([]models.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if source != "" && e.Source != source {
			continue
		}
		if status != "" && string(e.Status) != status {
			continue
		}
		filtered = append(filtered, e)
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	st, err := s.deps.Reports.Stats()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) latestReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	report, err := s.deps.Reports.Latest(r.Context(), chi.URLParam(r, "targetID"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) reportHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	limit, ok := limitParam(w, r, 20)
	if !ok {
		return
	}
	reports, err := s.deps.Reports.History(r.Context(), chi.URLParam(r, "targetID"), limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []models.ScoreReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) targetAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	limit, ok := limitParam(w, r, 50)
	if !ok {
		return
	}
	alerts, err := s.deps.Reports.Alerts(r.Context(), chi.URLParam(r, "targetID"), limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrReportNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrEmptyTargetID):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		s.logger.WithError(err).Error("report store failure")
		writeError(w, r, http.StatusInternalServerError, "report store failure")
	}
}

func limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error":      msg,
		"request_id": middleware.GetReqID(r.Context()),
	})
}
