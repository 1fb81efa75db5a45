package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/cyberscore/internal/envelope"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

type auditFilter struct {
	file   string
	source string
	status string
	since  time.Duration
	limit  int
}

func (f *auditFilter) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "file", "", "Audit JSONL file (defaults to audit.path)")
	cmd.Flags().StringVar(&f.source, "source", "", "Only entries for this source")
	cmd.Flags().StringVar(&f.status, "status", "", "Only entries with this status (success, timeout, error)")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only entries newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Keep only the last N matching entries")
}

func (f *auditFilter) load() ([]models.AuditEntry, error) {
	path := f.file
	if path == "" {
		cfg, err := LoadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Audit.Path
	}
	if path == "" {
		return nil, fmt.Errorf("no audit file configured (audit.path)")
	}
	entries, err := envelope.LoadJSONL(path)
	if err != nil {
		return nil, err
	}
	return f.apply(entries, time.Now()), nil
}

func (f *auditFilter) apply(entries []models.AuditEntry, now time.Time) []models.AuditEntry {
	out := make([]models.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if f.source != "" && e.Source != f.source {
			continue
		}
		if f.status != "" && string(e.Status) != f.status {
			continue
		}
		if f.since > 0 && e.Timestamp.Before(now.Add(-f.since)) {
			continue
		}
		out = append(out, e)
	}
	if f.limit > 0 && len(out) > f.limit {
		out = out[len(out)-f.limit:]
	}
	return out
}

func NewAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the external call audit trail",
		Long:  `Show or export the append-only record of every external source call attempt.`,
	}
	cmd.AddCommand(newAuditShowCommand())
	cmd.AddCommand(newAuditExportCommand())
	return cmd
}

func newAuditShowCommand() *cobra.Command {
	f := &auditFilter{}
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print audit entries as a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := f.load()
			if err != nil {
				return err
			}
			if err := renderAuditTable(cmd.OutOrStdout(), entries); err != nil {
				return err
			}
			printAuditCounts(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newAuditExportCommand() *cobra.Command {
	f := &auditFilter{}
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export filtered audit entries as JSONL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := f.load()
			if err != nil {
				return err
			}
			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer file.Close()
				w = file
			}
			if err := envelope.WriteJSONL(w, entries); err != nil {
				return fmt.Errorf("export audit: %w", err)
			}
			if output != "" {
				logrus.Infof("Exported %d audit entries to %s", len(entries), output)
			}
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func printAuditCounts(w io.Writer, entries []models.AuditEntry) {
	counts := make(map[models.AuditStatus]int)
	for _, e := range entries {
		counts[e.Status]++
	}
	fmt.Fprintf(w, "\n%d entries (success: %d, timeout: %d, error: %d)\n",
		len(entries), counts[models.AuditSuccess], counts[models.AuditTimeout], counts[models.AuditError])
}
