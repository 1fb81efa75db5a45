package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// Store is the persistence surface used by the pipeline, the scheduler and the API.
type Store interface {
	Save(ctx context.Context, report models.ScoreReport) (models.StoredReport, error)
	Latest(ctx context.Context, targetID string) (*models.ScoreReport, error)
	History(ctx context.Context, targetID string, limit int) ([]models.ScoreReport, error)
	SaveAlerts(ctx context.Context, reportID string, alerts []models.Alert) error
	Alerts(ctx context.Context, targetID string, limit int) ([]models.Alert, error)
	Stats() (map[string]interface{}, error)
	Close() error
}

var (
	_ Store = (*LocalStorage)(nil)
	_ Store = (*SQLStore)(nil)
	_ Store = (*ResultsRepository)(nil)
)

// Open builds the store named by cfg.Driver behind a ResultsRepository cache.
func Open(ctx context.Context, cfg models.StorageConfig, cacheTTL time.Duration, logger *logrus.Logger) (*ResultsRepository, error) {
	var (
		backend Store
		err     error
	)
	switch cfg.Driver {
	case "", "file":
		backend, err = NewLocalStorage(cfg.Path, cfg.Compress, logger)
	case "postgres":
		backend, err = OpenSQL(ctx, Postgres, cfg.DSN, logger)
	case "sqlite":
		backend, err = OpenSQL(ctx, SQLite, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewResultsRepository(backend, cacheTTL, logger), nil
}

type cachedReport struct {
	report   models.ScoreReport
	cachedAt time.Time
}

// ResultsRepository caches the latest report per target in front of a Store.
type ResultsRepository struct {
	store    Store
	logger   *logrus.Logger
	mu       sync.RWMutex
	cache    map[string]cachedReport
	cacheTTL time.Duration
	hits     int
	misses   int
	now      func() time.Time
}

func NewResultsRepository(store Store, cacheTTL time.Duration, logger *logrus.Logger) *ResultsRepository {
	if logger == nil {
		logger = logrus.New()
	}
	return &ResultsRepository{
		store:    store,
		logger:   logger,
		cache:    make(map[string]cachedReport),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

func (rr *ResultsRepository) Save(ctx context.Context, report models.ScoreReport) (models.StoredReport, error) {
	if err := rr.validateReport(report); err != nil {
		return models.StoredReport{}, fmt.Errorf("invalid report: %w", err)
	}
	stored, err := rr.store.Save(ctx, report)
	if err != nil {
		return models.StoredReport{}, fmt.Errorf("failed to save report: %w", err)
	}
	report.ScannedAt = stored.ScannedAt

	rr.mu.Lock()
	rr.cache[report.TargetID] = cachedReport{report: report, cachedAt: rr.now()}
	rr.mu.Unlock()
	return stored, nil
}

func (rr *ResultsRepository) Latest(ctx context.Context, targetID string) (*models.ScoreReport, error) {
	if targetID == "" {
		return nil, models.ErrEmptyTargetID
	}
	rr.mu.Lock()
	c, ok := rr.cache[targetID]
	if ok && (rr.cacheTTL <= 0 || rr.now().Sub(c.cachedAt) < rr.cacheTTL) {
		rr.hits++
		rr.mu.Unlock()
		r := c.report
		return &r, nil
	}
	if ok {
		delete(rr.cache, targetID)
	}
	rr.misses++
	rr.mu.Unlock()

	r, err := rr.store.Latest(ctx, targetID)
	if err != nil {
		if !errors.Is(err, models.ErrReportNotFound) {
			rr.logger.Warnf("Failed to load latest report for %s: %v", targetID, err)
		}
		return nil, err
	}
	rr.mu.Lock()
	rr.cache[targetID] = cachedReport{report: *r, cachedAt: rr.now()}
	rr.mu.Unlock()
	return r, nil
}

func (rr *ResultsRepository) History(ctx context.Context, targetID string, limit int) ([]models.ScoreReport, error) {
	return rr.store.History(ctx, targetID, limit)
}

func (rr *ResultsRepository) SaveAlerts(ctx context.Context, reportID string, alerts []models.Alert) error {
	return rr.store.SaveAlerts(ctx, reportID, alerts)
}

func (rr *ResultsRepository) Alerts(ctx context.Context, targetID string, limit int) ([]models.Alert, error) {
	return rr.store.Alerts(ctx, targetID, limit)
}

// Invalidate drops the cached report for targetID, or every entry when targetID is empty.
func (rr *ResultsRepository) Invalidate(targetID string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if targetID == "" {
		rr.cache = make(map[string]cachedReport)
		return
	}
	delete(rr.cache, targetID)
}

func (rr *ResultsRepository) Stats() (map[string]interface{}, error) {
	stats, err := rr.store.Stats()
	if err != nil {
		return nil, err
	}
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	stats["cached_reports"] = len(rr.cache)
	stats["cache_ttl"] = rr.cacheTTL.String()
	stats["cache_hits"] = rr.hits
	stats["cache_misses"] = rr.misses
	return stats, nil
}

// ErrPruneUnsupported is returned by Prune for backends that manage retention themselves.
var ErrPruneUnsupported = errors.New("prune not supported by this storage driver")

// Prune removes reports scanned before cutoff, keeping the latest per target.
func (rr *ResultsRepository) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	p, ok := rr.store.(interface {
		Prune(ctx context.Context, cutoff time.Time) (int, error)
	})
	if !ok {
		return 0, ErrPruneUnsupported
	}
	n, err := p.Prune(ctx, cutoff)
	if n > 0 {
		rr.Invalidate("")
	}
	return n, err
}

func (rr *ResultsRepository) Close() error { return rr.store.Close() }

func (rr *ResultsRepository) validateReport(r models.ScoreReport) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if len(r.DomainScores) == 0 {
		return fmt.Errorf("domain scores are required")
	}
	return nil
}
