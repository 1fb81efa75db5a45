// Package api exposes scan triggering, report lookup and audit export over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/internal/orchestration"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

type ScanRunner interface {
	Run(ctx context.Context, req orchestration.ScanRequest) (orchestration.Outcome, error)
}

// ReportReader is the read side of the report store.
type ReportReader interface {
	Latest(ctx context.Context, targetID string) (*models.ScoreReport, error)
	History(ctx context.Context, targetID string, limit int) ([]models.ScoreReport, error)
	Alerts(ctx context.Context, targetID string, limit int) ([]models.Alert, error)
	Stats() (map[string]interface{}, error)
}

type Monitor interface {
	GetAuditLog() []models.AuditEntry
	ListActiveScans() []orchestration.ScanContext
}

type Dependencies struct {
	Runner  ScanRunner
	Reports ReportReader
	Monitor Monitor
	Metrics *utils.MetricsCollector
}

type Server struct {
	router      *chi.Mux
	server      *http.Server
	logger      *logrus.Logger
	deps        Dependencies
	jwtSecret   string
	scanTimeout time.Duration
	shutdown    time.Duration
}

func NewServer(cfg models.ServerConfig, scanTimeout time.Duration, deps Dependencies, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if scanTimeout <= 0 {
		scanTimeout = 5 * time.Minute
	}
	s := &Server{
		logger:      logger,
		deps:        deps,
		jwtSecret:   cfg.JWTSecret,
		scanTimeout: scanTimeout,
		shutdown:    cfg.ShutdownTimeout,
	}
	if s.shutdown <= 0 {
		s.shutdown = 10 * time.Second
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.health)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.jwtSecret))
		r.Post("/scans", s.triggerScan)
		r.Get("/scans/active", s.activeScans)
		r.Get("/audit", s.auditLog)
		r.Get("/stats", s.stats)
		r.Get("/targets/{targetID}/report", s.latestReport)
		r.Get("/targets/{targetID}/history", s.reportHistory)
		r.Get("/targets/{targetID}/alerts", s.targetAlerts)
	})

	s.router = router
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("API listening on %s", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("API shutdown initiated")
		sctx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		if err := s.server.Shutdown(sctx); err != nil {
			s.logger.WithError(err).Error("graceful shutdown failed")
			return s.server.Close()
		}
		return nil
	}
}
