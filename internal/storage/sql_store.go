package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) goose() goose.Dialect {
	if d == Postgres {
		return goose.DialectPostgres
	}
	return goose.DialectSQLite3
}

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists reports in postgres (pgx) or sqlite (modernc). The full report is kept
// as a JSON document next to the columns used for lookups.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *logrus.Logger
	now     func() time.Time
}

// NewSQLStore wraps an open database. Call Migrate before first use on a fresh schema.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *logrus.Logger) *SQLStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger, now: time.Now}
}

// OpenSQL opens dsn with the dialect's driver and applies pending migrations.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, logger *logrus.Logger) (*SQLStore, error) {
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := NewSQLStore(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	return s, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	provider, err := goose.NewProvider(s.dialect.goose(), s.db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Infof("applied migration %s (%s)", r.Source.Path, r.Duration)
	}
	return nil
}

const insertReport = `INSERT INTO score_reports (id, target_id, domain, global_score, grade, scanned_at_ms, report)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (s *SQLStore) Save(ctx context.Context, report models.ScoreReport) (models.StoredReport, error) {
	if report.TargetID == "" {
		return models.StoredReport{}, models.ErrEmptyTargetID
	}
	if report.ScannedAt.IsZero() {
		report.ScannedAt = s.now().UTC()
	}
	doc, err := json.Marshal(report)
	if err != nil {
		return models.StoredReport{}, fmt.Errorf("encode report: %w", err)
	}
	id := utils.NewID()
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(insertReport),
		id, report.TargetID, report.Domain, report.GlobalScore, report.Grade, report.ScannedAt.UnixMilli(), string(doc))
	if err != nil {
		return models.StoredReport{}, fmt.Errorf("insert report: %w", err)
	}
	return models.StoredReport{ID: id, TargetID: report.TargetID, ScannedAt: report.ScannedAt}, nil
}

const selectReports = `SELECT report FROM score_reports WHERE target_id = ? ORDER BY scanned_at_ms DESC LIMIT ?`

func (s *SQLStore) Latest(ctx context.Context, targetID string) (*models.ScoreReport, error) {
	reports, err := s.History(ctx, targetID, 1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrReportNotFound, targetID)
	}
	return &reports[0], nil
}

func (s *SQLStore) History(ctx context.Context, targetID string, limit int) ([]models.ScoreReport, error) {
	if targetID == "" {
		return nil, models.ErrEmptyTargetID
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(selectReports), targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []models.ScoreReport
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		var r models.ScoreReport
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			s.logger.Warnf("skipping unreadable report for %s: %v", targetID, err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const insertAlert = `INSERT INTO alerts (id, report_id, target_id, type, severity, title, created_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`

// SaveAlerts records alerts raised for a stored report in one transaction.
func (s *SQLStore) SaveAlerts(ctx context.Context, reportID string, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(insertAlert))
	if err != nil {
		return fmt.Errorf("prepare alert insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range alerts {
		created := a.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		if _, err := stmt.ExecContext(ctx, utils.NewID(), reportID, a.TargetID,
			string(a.Type), string(a.Severity), a.Title, created.UnixMilli()); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}
	return tx.Commit()
}

const selectAlerts = `SELECT type, severity, target_id, title, created_ms FROM alerts
WHERE target_id = ? ORDER BY created_ms DESC LIMIT ?`

func (s *SQLStore) Alerts(ctx context.Context, targetID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(selectAlerts), targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := []models.Alert{}
	for rows.Next() {
		var (
			a         models.Alert
			typ, sev  string
			createdMS int64
		)
		if err := rows.Scan(&typ, &sev, &a.TargetID, &a.Title, &createdMS); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Type, a.Severity = models.AlertType(typ), models.Severity(sev)
		a.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) Stats() (map[string]interface{}, error) {
	var reports, targets int
	row := s.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT target_id) FROM score_reports`)
	if err := row.Scan(&reports, &targets); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("count reports: %w", err)
	}
	return map[string]interface{}{
		"driver":  string(s.dialect),
		"reports": reports,
		"targets": targets,
	}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
