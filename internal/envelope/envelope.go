package envelope

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

// Call identifies one unit of work for the audit trail.
type Call struct {
	Agent   string
	Source  string
	Context map[string]string
}

type gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	policy  models.SourcePolicy
}

// Envelope bounds, times out, retries and audits calls to external sources.
// Each source gets its own concurrency budget; sources never block each other.
type Envelope struct {
	cfg     models.EnvelopeConfig
	logger  *logrus.Logger
	metrics *utils.MetricsCollector
	audit   *AuditLog
	jitter  float64
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu    sync.Mutex
	gates map[string]*gate

	attempts atomic.Int64
}

type Option func(*Envelope)

func WithMetrics(m *utils.MetricsCollector) Option {
	return func(e *Envelope) { e.metrics = m }
}

func WithAuditLog(a *AuditLog) Option {
	return func(e *Envelope) {
		if a != nil {
			e.audit = a
		}
	}
}

// WithJitter spreads backoff delays by ±factor.
func WithJitter(factor float64) Option {
	return func(e *Envelope) {
		if factor < 0 {
			factor = 0
		}
		if factor > 1 {
			factor = 1
		}
		e.jitter = factor
	}
}

// WithSleep replaces the backoff wait; tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Envelope) { e.sleep = fn }
}

func New(cfg models.EnvelopeConfig, logger *logrus.Logger, opts ...Option) *Envelope {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Default.Concurrency <= 0 {
		cfg.Default.Concurrency = 1
	}
	if cfg.Default.Timeout <= 0 {
		cfg.Default.Timeout = 30 * time.Second
	}
	if cfg.Default.MaxAttempts <= 0 {
		cfg.Default.MaxAttempts = 3
	}
	if cfg.Default.BaseBackoff <= 0 {
		cfg.Default.BaseBackoff = 2 * time.Second
	}
	if cfg.Default.MaxBackoff <= 0 {
		cfg.Default.MaxBackoff = 30 * time.Second
	}
	e := &Envelope{
		cfg:    cfg,
		logger: logger,
		audit:  NewAuditLog(),
		jitter: 0.1,
		sleep:  sleepCtx,
		now:    time.Now,
		gates:  make(map[string]*gate),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.audit.onError = func(err error) {
		e.logger.WithError(err).Warn("audit sink write failed")
	}
	return e
}

func (e *Envelope) gate(source string) *gate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.gates[source]; ok {
		return g
	}
	p := e.cfg.Policy(source)
	g := &gate{
		sem:    semaphore.NewWeighted(int64(p.Concurrency)),
		policy: p,
	}
	if p.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(p.RatePerSecond), p.Concurrency)
	}
	e.gates[source] = g
	return g
}

// Execute runs work under the source's policy. Every attempt appends exactly one
// audit entry. Only transient failures are retried; any failure comes back as *SourceError.
func (e *Envelope) Execute(ctx context.Context, call Call, work func(ctx context.Context) error) error {
	g := e.gate(call.Source)
	p := g.policy
	log := utils.WithComponent(e.logger, "envelope").WithFields(logrus.Fields{"source": call.Source, "agent": call.Agent})

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				g.sem.Release(1)
				if lastErr == nil {
					lastErr = err
				}
				break
			}
		}

		attempts = attempt
		start := e.now()
		err := e.runAttempt(ctx, p.Timeout, work)
		elapsed := e.now().Sub(start)
		g.sem.Release(1)

		status := models.AuditSuccess
		switch {
		case err == nil:
		case IsTimeout(err):
			status = models.AuditTimeout
		default:
			status = models.AuditError
		}
		entry := models.AuditEntry{
			Agent:     call.Agent,
			Source:    call.Source,
			Status:    status,
			Attempt:   attempt,
			Duration:  elapsed,
			Timestamp: start.UTC(),
			Context:   call.Context,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		e.audit.Append(entry)
		e.attempts.Add(1)
		e.metrics.ObserveSourceCall(call.Source, string(status), elapsed)

		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			log.WithError(err).Debug("non-retryable failure")
			break
		}
		if attempt == p.MaxAttempts || ctx.Err() != nil {
			break
		}
		backoff := e.backoff(p, attempt)
		log.WithError(err).Debugf("attempt %d/%d failed, retrying in %v", attempt, p.MaxAttempts, backoff)
		if err := e.sleep(ctx, backoff); err != nil {
			break
		}
	}

	log.WithError(lastErr).Warnf("%s call failed after %d attempt(s)", call.Source, attempts)
	return &SourceError{Agent: call.Agent, Source: call.Source, Attempts: attempts, Cause: lastErr}
}

func (e *Envelope) runAttempt(ctx context.Context, timeout time.Duration, work func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Permanent(fmt.Errorf("panic: %v", r))
			}
		}()
		done <- work(attemptCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &TimeoutError{After: timeout}
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{After: timeout}
	}
}

func (e *Envelope) backoff(p models.SourcePolicy, attempt int) time.Duration {
	d := p.BaseBackoff * time.Duration(1<<(attempt-1))
	if d > p.MaxBackoff || d <= 0 {
		d = p.MaxBackoff
	}
	if e.jitter > 0 {
		scale := 1 + e.jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * scale)
		if d > p.MaxBackoff {
			d = p.MaxBackoff
		}
	}
	return d
}

// GetAuditLog returns a copy of every attempt recorded so far.
func (e *Envelope) GetAuditLog() []models.AuditEntry {
	return e.audit.Snapshot()
}

func (e *Envelope) AuditLog() *AuditLog {
	return e.audit
}

// Attempts is the number of external call attempts made through this envelope.
func (e *Envelope) Attempts() int64 {
	return e.attempts.Load()
}

func (e *Envelope) GetStats() map[string]interface{} {
	e.mu.Lock()
	sources := make([]string, 0, len(e.gates))
	for s := range e.gates {
		sources = append(sources, s)
	}
	e.mu.Unlock()
	return map[string]interface{}{
		"attempts":  e.Attempts(),
		"sources":   sources,
		"by_source": e.audit.CountBySource(),
	}
}

// Do is Execute for work that produces a value. Values from abandoned attempts are discarded.
func Do[T any](ctx context.Context, e *Envelope, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)
	err := e.Execute(ctx, call, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		out = v
		mu.Unlock()
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
