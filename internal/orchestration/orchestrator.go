package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/internal/collectors"
	"github.com/bl4ck0w1/cyberscore/internal/envelope"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

const (
	AgentName = "orchestrator"

	// DefaultErrorThreshold applies to tiers with no error_threshold when thresholds.orchestrator is unset.
	DefaultErrorThreshold = 4

	defaultCollectorGrace = 10 * time.Second
)

// ScanContext tracks one orchestrated scan while it runs.
type ScanContext struct {
	ScanID     string             `json:"scan_id"`
	TargetID   string             `json:"target_id"`
	Domain     string             `json:"domain"`
	Tier       int                `json:"tier"`
	Collectors []string           `json:"collectors"`
	StartTime  time.Time          `json:"start_time"`
	State      models.ScanState   `json:"state"`
	CancelFunc context.CancelFunc `json:"-"`
}

type Orchestrator struct {
	collectors map[string]collectors.Collector
	cfg        models.OrchestratorConfig
	env        *envelope.Envelope
	planner    Planner
	logger     *logrus.Logger
	metrics    *utils.MetricsCollector

	mu          sync.RWMutex
	activeScans map[string]*ScanContext
}

type Option func(*Orchestrator)

func WithPlanner(p Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

func WithMetrics(m *utils.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func NewOrchestrator(cfg models.OrchestratorConfig, cols []collectors.Collector, env *envelope.Envelope, logger *logrus.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.CollectorTimeout <= 0 {
		cfg.CollectorTimeout = 120 * time.Second
	}
	if cfg.CollectorGrace <= 0 {
		cfg.CollectorGrace = defaultCollectorGrace
	}
	o := &Orchestrator{
		collectors:  make(map[string]collectors.Collector, len(cols)),
		cfg:         cfg,
		env:         env,
		logger:      logger,
		activeScans: make(map[string]*ScanContext),
	}
	for _, c := range cols {
		o.collectors[c.Name()] = c
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan returns the collectors the tier table assigns to tier.
func (o *Orchestrator) Plan(tier int) ([]string, error) {
	plan, ok := o.cfg.Tier(tier)
	if !ok || len(plan.Collectors) == 0 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidTier, tier)
	}
	return append([]string(nil), plan.Collectors...), nil
}

// Threshold is the error count at which a scan of tier is judged failed.
func (o *Orchestrator) Threshold(tier int) int {
	if plan, ok := o.cfg.Tier(tier); ok && plan.ErrorThreshold > 0 {
		return plan.ErrorThreshold
	}
	if t, ok := o.cfg.Thresholds[AgentName]; ok && t > 0 {
		return t
	}
	return DefaultErrorThreshold
}

type collectorOutcome struct {
	name   string
	result models.AgentResult
	err    error
}

// RunOrchestratedScan runs the tier's collectors concurrently and consolidates their results.
// A failing collector becomes an entry in Errors; it never aborts its siblings.
func (o *Orchestrator) RunOrchestratedScan(ctx context.Context, target models.Target) (models.AgentResult, error) {
	if err := target.Validate(); err != nil {
		return models.AgentResult{}, err
	}
	plan, err := o.Plan(target.Tier)
	if err != nil {
		return models.AgentResult{}, err
	}

	started := time.Now()
	log := utils.WithTarget(utils.WithComponent(o.logger, AgentName), target.ID, target.Domain).
		WithField("tier", target.Tier)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sc := &ScanContext{
		ScanID:     utils.NewScanID(target.Domain),
		TargetID:   target.ID,
		Domain:     target.Domain,
		Tier:       target.Tier,
		Collectors: plan,
		StartTime:  started,
		State:      models.ScanPlanned,
		CancelFunc: cancel,
	}
	o.register(sc)
	defer o.unregister(sc.ScanID)

	result := models.NewAgentResult(AgentName, target.ID)
	result.State = models.ScanPlanned
	log.Infof("starting orchestrated scan with %v", plan)

	result.LLMPlan = o.advisoryPlan(scanCtx, target, log)

	o.setState(sc, models.ScanRunning)
	outcomes := make([]collectorOutcome, len(plan))
	var wg sync.WaitGroup
	for i, name := range plan {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			res, err := o.runCollector(scanCtx, name, target)
			outcomes[i] = collectorOutcome{name: name, result: res, err: err}
		}(i, name)
	}
	wg.Wait()

	delivered := 0
	for _, out := range outcomes {
		if out.err != nil {
			msg := fmt.Sprintf("%s failed: %v", out.name, out.err)
			log.WithField("collector", out.name).Error(msg)
			result.Errors = append(result.Errors, msg)
			continue
		}
		for key, payload := range out.result.Data {
			result.Data[key] = payload
		}
		if len(out.result.Data) > 0 {
			delivered++
		}
		result.Errors = append(result.Errors, out.result.Errors...)
		result.APICallsMade += out.result.APICallsMade
	}

	// A scan where no collector delivered anything has nothing to score.
	result.Success = delivered > 0 && len(result.Errors) < o.Threshold(target.Tier)
	result.Duration = time.Since(started)
	result.State = models.ScanCompleted
	if len(result.Errors) > 0 {
		result.State = models.ScanPartiallyFailed
	}
	o.setState(sc, result.State)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	o.metrics.RecordScan(target.Tier, outcome)
	utils.WithDuration(log, result.Duration).WithFields(logrus.Fields{
		"state":     result.State,
		"success":   result.Success,
		"errors":    len(result.Errors),
		"api_calls": result.APICallsMade,
	}).Info("orchestrated scan finished")
	return result, nil
}

// runCollector isolates one collector: panics and overruns come back as errors.
// When the collector timeout fires the collector is cancelled and given CollectorGrace
// to return what it already gathered; only a collector that ignores cancellation is dropped.
func (o *Orchestrator) runCollector(ctx context.Context, name string, target models.Target) (models.AgentResult, error) {
	c, ok := o.collectors[name]
	if !ok {
		return models.AgentResult{}, fmt.Errorf("collector %q is not registered", name)
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CollectorTimeout)
	defer cancel()

	type reply struct {
		res models.AgentResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := c.Run(cctx, target)
		done <- reply{res: res, err: err}
	}()

	timedOut := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &envelope.TimeoutError{After: o.cfg.CollectorTimeout}
	}

	select {
	case r := <-done:
		return r.res, r.err
	case <-cctx.Done():
	}

	grace := time.NewTimer(o.cfg.CollectorGrace)
	defer grace.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return models.AgentResult{}, timedOut()
		}
		o.logger.WithFields(logrus.Fields{
			"collector": name,
			"target_id": target.ID,
		}).Warnf("collector timed out after %s, keeping partial results", o.cfg.CollectorTimeout)
		return r.res, nil
	case <-grace.C:
		return models.AgentResult{}, timedOut()
	}
}

// advisoryPlan asks the planner for a description of the scan. Failures are logged only.
func (o *Orchestrator) advisoryPlan(ctx context.Context, target models.Target, log *logrus.Entry) string {
	if o.planner == nil {
		return ""
	}
	req := PlanRequest{TargetID: target.ID, Domain: target.Domain, Tier: target.Tier}
	var (
		plan string
		err  error
	)
	if o.env != nil {
		plan, err = envelope.Do(ctx, o.env, envelope.Call{
			Agent:   AgentName,
			Source:  "planner",
			Context: map[string]string{"target_id": target.ID, "domain": target.Domain},
		}, func(ctx context.Context) (string, error) {
			return o.planner.Plan(ctx, req)
		})
	} else {
		plan, err = o.planner.Plan(ctx, req)
	}
	if err != nil {
		log.WithError(err).Debug("planner unavailable, using tier table")
		return ""
	}
	return plan
}

// GetAuditLog exports every external call attempt recorded by the envelope.
func (o *Orchestrator) GetAuditLog() []models.AuditEntry {
	if o.env == nil {
		return []models.AuditEntry{}
	}
	return o.env.GetAuditLog()
}

func (o *Orchestrator) register(sc *ScanContext) {
	o.mu.Lock()
	o.activeScans[sc.ScanID] = sc
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(scanID string) {
	o.mu.Lock()
	delete(o.activeScans, scanID)
	o.mu.Unlock()
}

func (o *Orchestrator) setState(sc *ScanContext, state models.ScanState) {
	o.mu.Lock()
	sc.State = state
	o.mu.Unlock()
}

// ListActiveScans returns copies of the scans currently running, oldest first.
func (o *Orchestrator) ListActiveScans() []ScanContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	scans := make([]ScanContext, 0, len(o.activeScans))
	for _, sc := range o.activeScans {
		cp := *sc
		cp.CancelFunc = nil
		scans = append(scans, cp)
	}
	sort.Slice(scans, func(i, j int) bool { return scans[i].StartTime.Before(scans[j].StartTime) })
	return scans
}

func (o *Orchestrator) CancelScan(scanID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sc, ok := o.activeScans[scanID]
	if !ok {
		return fmt.Errorf("scan not found: %s", scanID)
	}
	sc.CancelFunc()
	delete(o.activeScans, scanID)
	o.logger.Infof("scan cancelled: %s", scanID)
	return nil
}

func (o *Orchestrator) GetStats() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.collectors))
	for n := range o.collectors {
		names = append(names, n)
	}
	sort.Strings(names)
	thresholds := make(map[int]int, len(o.cfg.Tiers))
	for _, t := range o.cfg.Tiers {
		thresholds[t.Tier] = o.Threshold(t.Tier)
	}
	return map[string]interface{}{
		"active_scans":      len(o.activeScans),
		"error_thresholds":  thresholds,
		"collectors":        names,
		"collector_timeout": o.cfg.CollectorTimeout.String(),
		"collector_grace":   o.cfg.CollectorGrace.String(),
	}
}
