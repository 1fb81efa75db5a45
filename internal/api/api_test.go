package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/cyberscore/internal/orchestration"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type mockRunner struct{ mock.Mock }

func (m *mockRunner) Run(ctx context.Context, req orchestration.ScanRequest) (orchestration.Outcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(orchestration.Outcome), args.Error(1)
}

type fakeReports struct {
	reports map[string][]models.ScoreReport
	alerts  []models.Alert
}

func (f *fakeReports) Latest(_ context.Context, id string) (*models.ScoreReport, error) {
	if id == "" {
		return nil, models.ErrEmptyTargetID
	}
	rs := f.reports[id]
	if len(rs) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrReportNotFound, id)
	}
	return &rs[0], nil
}

func (f *fakeReports) History(_ context.Context, id string, limit int) ([]models.ScoreReport, error) {
	rs := f.reports[id]
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}

func (f *fakeReports) Alerts(context.Context, string, int) ([]models.Alert, error) {
	return f.alerts, nil
}

func (f *fakeReports) Stats() (map[string]interface{}, error) {
	return map[string]interface{}{"driver": "file", "reports": 3}, nil
}

type fakeMonitor struct{ entries []models.AuditEntry }

func (f *fakeMonitor) GetAuditLog() []models.AuditEntry { return f.entries }

func (f *fakeMonitor) ListActiveScans() []orchestration.ScanContext {
	return []orchestration.ScanContext{{ScanID: "s-1", TargetID: "v-1", State: models.ScanRunning, CancelFunc: func() {}}}
}

func newTestServer(t *testing.T, secret string, deps Dependencies) *httptest.Server {
	t.Helper()
	s := NewServer(models.ServerConfig{JWTSecret: secret}, time.Second, deps, quietLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, "secret", Dependencies{})
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestTriggerScan(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, orchestration.ScanRequest{TargetID: "v-1", Domain: "acme.com", Tier: 1, Employees: 50}).
		Return(orchestration.Outcome{
			Agent:  models.AgentResult{Success: true, State: models.ScanPartiallyFailed, Errors: []string{"darkweb failed: x"}, APICallsMade: 12},
			Report: models.ScoreReport{TargetID: "v-1", GlobalScore: 640, Grade: "B"},
			Alerts: []models.Alert{{Type: models.AlertScoreDrop, Severity: models.SeverityHigh}},
			Stored: &models.StoredReport{ID: "r-1", TargetID: "v-1"},
		}, nil)
	srv := newTestServer(t, "", Dependencies{Runner: runner})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/scans", "",
		`{"target_id":"v-1","domain":"https://ACME.com/","tier":1,"employees":50}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "acme.com", body["domain"])
	assert.EqualValues(t, 640, body["global_score"])
	assert.Equal(t, "B", body["grade"])
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["alerts"], 1)
	assert.NotContains(t, body, "warning")
	runner.AssertExpectations(t)
}

func TestTriggerScanValidation(t *testing.T) {
	runner := &mockRunner{}
	srv := newTestServer(t, "", Dependencies{Runner: runner})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"target_id":`},
		{"bad domain", `{"target_id":"v-1","domain":"not a domain","tier":1}`},
		{"bad tier", `{"target_id":"v-1","domain":"acme.com","tier":5}`},
		{"missing id", `{"domain":"acme.com","tier":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/scans", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["request_id"])
		})
	}
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestTriggerScanFailures(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(r orchestration.ScanRequest) bool { return r.TargetID == "v-down" })).
		Return(orchestration.Outcome{}, errors.New("score v-down: boom"))
	runner.On("Run", mock.Anything, mock.MatchedBy(func(r orchestration.ScanRequest) bool { return r.TargetID == "v-disk" })).
		Return(orchestration.Outcome{Report: models.ScoreReport{TargetID: "v-disk", GlobalScore: 500, Grade: "C"}},
			errors.New("persist report for v-disk: disk full"))
	srv := newTestServer(t, "", Dependencies{Runner: runner})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/scans", "", `{"target_id":"v-down","domain":"acme.com","tier":3}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/scans", "", `{"target_id":"v-disk","domain":"acme.com","tier":3}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body["warning"], "disk full")
	assert.EqualValues(t, 500, body["global_score"])
}

func TestBearerAuth(t *testing.T) {
	reports := &fakeReports{reports: map[string][]models.ScoreReport{"v-1": {{TargetID: "v-1", GlobalScore: 810, Grade: "A"}}}}
	srv := newTestServer(t, "s3cret", Dependencies{Reports: reports})
	url := srv.URL + "/api/v1/targets/v-1/report"

	resp, _ := do(t, http.MethodGet, url, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad, err := utils.IssueToken("other", "ci", time.Minute)
	require.NoError(t, err)
	resp, _ = do(t, http.MethodGet, url, bad, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	good, err := utils.IssueToken("s3cret", "ci", time.Minute)
	require.NoError(t, err)
	resp, body := do(t, http.MethodGet, url, good, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 810, body["global_score"])
}

func TestReportEndpoints(t *testing.T) {
	reports := &fakeReports{
		reports: map[string][]models.ScoreReport{"v-1": {
			{TargetID: "v-1", GlobalScore: 640, Grade: "B"},
			{TargetID: "v-1", GlobalScore: 700, Grade: "B"},
		}},
		alerts: []models.Alert{{Type: models.AlertGradeChange, Severity: models.SeverityHigh, TargetID: "v-1"}},
	}
	srv := newTestServer(t, "", Dependencies{Reports: reports})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/targets/v-404/report", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "report not found")

	resp, err := http.Get(srv.URL + "/api/v1/targets/v-1/history?limit=1")
	require.NoError(t, err)
	var history []models.ScoreReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	resp.Body.Close()
	require.Len(t, history, 1)
	assert.Equal(t, 640, history[0].GlobalScore)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/targets/v-1/history?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/targets/v-1/alerts")
	require.NoError(t, err)
	var alerts []models.Alert
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&alerts))
	resp.Body.Close()
	assert.Len(t, alerts, 1)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/stats", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "file", body["driver"])
}

func TestAuditAndActiveScans(t *testing.T) {
	monitor := &fakeMonitor{entries: []models.AuditEntry{
		{Agent: "osint", Source: "shodan", Status: models.AuditSuccess, Attempt: 1},
		{Agent: "osint", Source: "nvd", Status: models.AuditError, Attempt: 1},
		{Agent: "osint", Source: "nvd", Status: models.AuditSuccess, Attempt: 2},
	}}
	srv := newTestServer(t, "", Dependencies{Monitor: monitor})

	get := func(path string) []map[string]interface{} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out []map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	assert.Len(t, get("/api/v1/audit"), 3)
	assert.Len(t, get("/api/v1/audit?source=nvd"), 2)
	assert.Len(t, get("/api/v1/audit?source=nvd&status="+string(models.AuditSuccess)), 1)

	active := get("/api/v1/scans/active")
	require.Len(t, active, 1)
	assert.Equal(t, "s-1", active[0]["scan_id"])
}

func TestMetricsEndpoint(t *testing.T) {
	m, err := utils.NewScanMetrics(false)
	require.NoError(t, err)
	m.RecordScan(1, "success")
	srv := newTestServer(t, "secret", Dependencies{Metrics: m})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "cyberscore_scans_total")
}
