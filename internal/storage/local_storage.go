package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

const fileTimeLayout = "20060102T150405.000000000Z"

// LocalStorage keeps one JSON file per report under <base>/reports/<target>/.
// File names start with the scan time so a reverse name sort is newest first.
type LocalStorage struct {
	baseDir     string
	logger      *logrus.Logger
	mu          sync.RWMutex
	compression bool
	now         func() time.Time
}

func NewLocalStorage(baseDir string, compression bool, logger *logrus.Logger) (*LocalStorage, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "reports"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}
	return &LocalStorage{
		baseDir:     baseDir,
		logger:      logger,
		compression: compression,
		now:         time.Now,
	}, nil
}

func (ls *LocalStorage) targetDir(targetID string) string {
	return filepath.Join(ls.baseDir, "reports", safeName(targetID))
}

func (ls *LocalStorage) Save(ctx context.Context, report models.ScoreReport) (models.StoredReport, error) {
	if err := ctx.Err(); err != nil {
		return models.StoredReport{}, err
	}
	if report.TargetID == "" {
		return models.StoredReport{}, models.ErrEmptyTargetID
	}
	if report.ScannedAt.IsZero() {
		report.ScannedAt = ls.now().UTC()
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return models.StoredReport{}, fmt.Errorf("encode report: %w", err)
	}

	id := utils.NewID()
	name := fmt.Sprintf("%s_%s.json", report.ScannedAt.UTC().Format(fileTimeLayout), id)
	if ls.compression {
		if data, err = gzipBytes(data); err != nil {
			return models.StoredReport{}, err
		}
		name += ".gz"
	}

	path := filepath.Join(ls.targetDir(report.TargetID), name)
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return models.StoredReport{}, fmt.Errorf("write report: %w", err)
	}
	ls.logger.Debugf("report saved to %s", path)

	return models.StoredReport{
		ID:        id,
		TargetID:  report.TargetID,
		ScannedAt: report.ScannedAt,
		Location:  path,
	}, nil
}

func (ls *LocalStorage) Latest(ctx context.Context, targetID string) (*models.ScoreReport, error) {
	reports, err := ls.History(ctx, targetID, 1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrReportNotFound, targetID)
	}
	return &reports[0], nil
}

// History returns up to limit reports for targetID, newest first. limit <= 0 means all.
func (ls *LocalStorage) History(ctx context.Context, targetID string, limit int) ([]models.ScoreReport, error) {
	if targetID == "" {
		return nil, models.ErrEmptyTargetID
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	names, err := reportFiles(ls.targetDir(targetID))
	if err != nil {
		return nil, err
	}

	out := make([]models.ScoreReport, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		r, err := readReportFile(filepath.Join(ls.targetDir(targetID), name))
		if err != nil {
			ls.logger.Warnf("Failed to parse report %s: %v", name, err)
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// Prune removes reports scanned before cutoff, always keeping each target's latest one.
func (ls *LocalStorage) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	targets, err := os.ReadDir(filepath.Join(ls.baseDir, "reports"))
	if err != nil {
		return 0, fmt.Errorf("read reports directory: %w", err)
	}
	removed := 0
	for _, t := range targets {
		if !t.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		dir := filepath.Join(ls.baseDir, "reports", t.Name())
		names, err := reportFiles(dir)
		if err != nil {
			return removed, err
		}
		for i, name := range names {
			if i == 0 {
				continue
			}
			ts, ok := scanTimeFromName(name)
			if !ok || !ts.Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				ls.logger.Warnf("Failed to remove old report %s: %v", name, err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		ls.logger.Infof("pruned %d reports older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

func (ls *LocalStorage) Stats() (map[string]interface{}, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var (
		size    int64
		files   int
		targets = map[string]bool{}
	)
	root := filepath.Join(ls.baseDir, "reports")
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		size += info.Size()
		files++
		targets[filepath.Base(filepath.Dir(p))] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk reports directory: %w", err)
	}
	return map[string]interface{}{
		"driver":              "file",
		"reports":             files,
		"targets":             len(targets),
		"total_size_bytes":    size,
		"total_size_human":    fmt.Sprintf("%.2f MB", float64(size)/1024.0/1024.0),
		"compression_enabled": ls.compression,
	}, nil
}

type storedAlert struct {
	ReportID string `json:"report_id"`
	models.Alert
}

// SaveAlerts appends alerts to <base>/alerts/<target>.jsonl.
func (ls *LocalStorage) SaveAlerts(ctx context.Context, reportID string, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return ctx.Err()
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	dir := filepath.Join(ls.baseDir, "alerts")
	if err := utils.EnsureDir(dir); err != nil {
		return fmt.Errorf("create alerts directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(alerts[0].TargetID)+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open alerts file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, a := range alerts {
		if err := enc.Encode(storedAlert{ReportID: reportID, Alert: a}); err != nil {
			return fmt.Errorf("write alert: %w", err)
		}
	}
	return nil
}

// Alerts returns up to limit alerts for targetID, newest first.
func (ls *LocalStorage) Alerts(ctx context.Context, targetID string, limit int) ([]models.Alert, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	f, err := os.Open(filepath.Join(ls.baseDir, "alerts", safeName(targetID)+".jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return []models.Alert{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open alerts file: %w", err)
	}
	defer f.Close()

	var all []models.Alert
	dec := json.NewDecoder(f)
	for {
		var sa storedAlert
		if err := dec.Decode(&sa); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		all = append(all, sa.Alert)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Alert, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (ls *LocalStorage) Close() error { return nil }

// reportFiles lists report file names in dir, newest first. A missing dir is empty.
func reportFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read report directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, de := range entries {
		n := de.Name()
		if de.IsDir() || strings.HasPrefix(n, ".") {
			continue
		}
		if strings.HasSuffix(n, ".json") || strings.HasSuffix(n, ".json.gz") {
			names = append(names, n)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func scanTimeFromName(name string) (time.Time, bool) {
	stamp, _, ok := strings.Cut(name, "_")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(fileTimeLayout, stamp)
	return t, err == nil
}

func readReportFile(path string) (*models.ScoreReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gzr.Close()
		r = gzr
	}
	var report models.ScoreReport
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gzw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := gzw.Write(data); err != nil {
		gzw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
