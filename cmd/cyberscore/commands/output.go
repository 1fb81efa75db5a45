package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

const rule = "═══════════════════════════════════════════════════════════════"

func printSummary(w io.Writer, report models.ScoreReport, agent *models.AgentResult, alerts []models.Alert, elapsed time.Duration) {
	counts := severityCounts(report.Findings)
	fmt.Fprintf(w, `
Scan Summary:
%s
Target:           %s (%s)
Global Score:     %d/1000  Grade %s
Size Factor:      %.2f (%d employees)
Findings:         %d (Critical: %d, High: %d, Medium: %d, Low: %d)
`, rule, report.TargetID, report.Domain, report.GlobalScore, report.Grade,
		report.SizeFactor, report.Employees, report.FindingsCount,
		counts[models.SeverityCritical], counts[models.SeverityHigh],
		counts[models.SeverityMedium], counts[models.SeverityLow])
	if agent != nil {
		fmt.Fprintf(w, "Collection:       %s, %d API calls, %d errors\n", agent.State, agent.APICallsMade, len(agent.Errors))
	}
	if elapsed > 0 {
		fmt.Fprintf(w, "Scan Duration:    %s\n", utils.HumanizeDuration(elapsed))
	}
	fmt.Fprintln(w, rule)

	if err := renderDomainTable(w, report); err != nil {
		fmt.Fprintf(w, "could not render domain table: %v\n", err)
	}

	if agent != nil && len(agent.Errors) > 0 {
		fmt.Fprintln(w, "\nCollection errors:")
		for _, e := range agent.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	if len(alerts) > 0 {
		fmt.Fprintln(w, "\nAlerts:")
		for _, a := range alerts {
			fmt.Fprintf(w, "  [%s] %s\n", strings.ToUpper(string(a.Severity)), a.Title)
		}
	}
	if agent != nil && agent.LLMPlan != "" {
		fmt.Fprintf(w, "\nPlanner advice:\n  %s\n", agent.LLMPlan)
	}
}

func renderDomainTable(w io.Writer, report models.ScoreReport) error {
	table := tablewriter.NewWriter(w)
	table.Header("Code", "Domain", "Score", "Grade", "Findings", "Confidence")
	for _, code := range models.DomainCodes {
		s, ok := report.DomainScores[code]
		if !ok {
			continue
		}
		row := []string{
			string(code),
			s.Name,
			strconv.Itoa(s.Score),
			s.Grade,
			strconv.Itoa(s.FindingCount),
			strconv.FormatFloat(s.Confidence, 'f', 2, 64),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderHistoryTable(w io.Writer, reports []models.ScoreReport) error {
	table := tablewriter.NewWriter(w)
	table.Header("Scanned At", "Score", "Grade", "Findings")
	for _, r := range reports {
		row := []string{
			r.ScannedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(r.GlobalScore),
			r.Grade,
			strconv.Itoa(r.FindingsCount),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderAuditTable(w io.Writer, entries []models.AuditEntry) error {
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Agent", "Source", "Attempt", "Status", "Duration", "Error")
	for _, e := range entries {
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Agent,
			e.Source,
			strconv.Itoa(e.Attempt),
			string(e.Status),
			e.Duration.Round(time.Millisecond).String(),
			truncate(e.Error, 60),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func severityCounts(findings []models.Finding) map[models.Severity]int {
	out := make(map[models.Severity]int)
	for _, f := range findings {
		out[f.Severity]++
	}
	return out
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
