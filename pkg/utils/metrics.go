package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricSourceCalls    = "cyberscore_source_calls_total"
	MetricSourceDuration = "cyberscore_source_call_duration_seconds"
	MetricScans          = "cyberscore_scans_total"
	MetricGlobalScore    = "cyberscore_global_score"
	MetricAnalyzerFails  = "cyberscore_analyzer_failures_total"
)

type MetricsCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
}

func NewMetricsCollector(enableRuntimeMetrics bool) *MetricsCollector {
	reg := prometheus.NewRegistry()
	if enableRuntimeMetrics {
		_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		_ = reg.Register(collectors.NewGoCollector())
	}
	return &MetricsCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// NewScanMetrics returns a collector with the pipeline metrics registered.
func NewScanMetrics(enableRuntimeMetrics bool) (*MetricsCollector, error) {
	m := NewMetricsCollector(enableRuntimeMetrics)
	if err := m.RegisterCounter(MetricSourceCalls, "External source call attempts by outcome.", "source", "status"); err != nil {
		return nil, err
	}
	if err := m.RegisterHistogram(MetricSourceDuration, "External source call latency.", []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}, "source"); err != nil {
		return nil, err
	}
	if err := m.RegisterCounter(MetricScans, "Orchestrated scans by tier and outcome.", "tier", "outcome"); err != nil {
		return nil, err
	}
	if err := m.RegisterGauge(MetricGlobalScore, "Latest global score per target.", "target_id"); err != nil {
		return nil, err
	}
	if err := m.RegisterCounter(MetricAnalyzerFails, "Domain analyzers replaced by a neutral result.", "domain"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MetricsCollector) RegisterCounter(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; ok {
		return nil
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	if err := m.registry.Register(cv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			m.counters[name] = are.ExistingCollector.(*prometheus.CounterVec)
			return nil
		}
		return err
	}
	m.counters[name] = cv
	return nil
}

func (m *MetricsCollector) RegisterGauge(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; ok {
		return nil
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	if err := m.registry.Register(gv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			m.gauges[name] = are.ExistingCollector.(*prometheus.GaugeVec)
			return nil
		}
		return err
	}
	m.gauges[name] = gv
	return nil
}

func (m *MetricsCollector) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; ok {
		return nil
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	if err := m.registry.Register(hv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			m.histograms[name] = are.ExistingCollector.(*prometheus.HistogramVec)
			return nil
		}
		return err
	}
	m.histograms[name] = hv
	return nil
}

func (m *MetricsCollector) IncCounter(name string, labels prometheus.Labels) {
	m.mu.RLock()
	cv := m.counters[name]
	m.mu.RUnlock()
	if cv != nil {
		cv.With(labels).Inc()
	}
}

func (m *MetricsCollector) SetGauge(name string, value float64, labels prometheus.Labels) {
	m.mu.RLock()
	gv := m.gauges[name]
	m.mu.RUnlock()
	if gv != nil {
		gv.With(labels).Set(value)
	}
}

func (m *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	m.mu.RLock()
	hv := m.histograms[name]
	m.mu.RUnlock()
	if hv != nil {
		hv.With(labels).Observe(value)
	}
}

// ObserveSourceCall records one envelope attempt. Safe on a nil collector.
func (m *MetricsCollector) ObserveSourceCall(source, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.IncCounter(MetricSourceCalls, prometheus.Labels{"source": source, "status": status})
	m.ObserveHistogram(MetricSourceDuration, d.Seconds(), prometheus.Labels{"source": source})
}

func (m *MetricsCollector) RecordScan(tier int, outcome string) {
	if m == nil {
		return
	}
	m.IncCounter(MetricScans, prometheus.Labels{"tier": strconv.Itoa(tier), "outcome": outcome})
}

func (m *MetricsCollector) RecordScore(targetID string, score int) {
	if m == nil {
		return
	}
	m.SetGauge(MetricGlobalScore, float64(score), prometheus.Labels{"target_id": targetID})
}

func (m *MetricsCollector) RecordAnalyzerFailure(domain string) {
	if m == nil {
		return
	}
	m.IncCounter(MetricAnalyzerFails, prometheus.Labels{"domain": domain})
}

func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) StartServerWithContext(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server error: %w", err)
	}
}

func (m *MetricsCollector) GetRegistry() *prometheus.Registry {
	return m.registry
}
