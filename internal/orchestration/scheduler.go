package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

type CadenceKind string

const (
	Daily   CadenceKind = "daily"
	Weekly  CadenceKind = "weekly"
	Monthly CadenceKind = "monthly"
)

// Cadence is a UTC recurrence such as "daily 02:00", "weekly mon 03:00" or "monthly 1 04:00".
type Cadence struct {
	Kind    CadenceKind
	Weekday time.Weekday
	Day     int
	Hour    int
	Minute  int
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func ParseCadence(s string) (Cadence, error) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) < 2 {
		return Cadence{}, fmt.Errorf("invalid schedule %q", s)
	}
	var c Cadence
	clock := fields[len(fields)-1]
	switch CadenceKind(fields[0]) {
	case Daily:
		if len(fields) != 2 {
			return Cadence{}, fmt.Errorf("invalid daily schedule %q", s)
		}
		c.Kind = Daily
	case Weekly:
		if len(fields) != 3 {
			return Cadence{}, fmt.Errorf("invalid weekly schedule %q", s)
		}
		wd, ok := weekdays[fields[1][:min(3, len(fields[1]))]]
		if !ok {
			return Cadence{}, fmt.Errorf("invalid weekday in schedule %q", s)
		}
		c.Kind, c.Weekday = Weekly, wd
	case Monthly:
		if len(fields) != 3 {
			return Cadence{}, fmt.Errorf("invalid monthly schedule %q", s)
		}
		day, err := strconv.Atoi(fields[1])
		if err != nil || day < 1 || day > 28 {
			return Cadence{}, fmt.Errorf("monthly day must be 1-28 in schedule %q", s)
		}
		c.Kind, c.Day = Monthly, day
	default:
		return Cadence{}, fmt.Errorf("unknown schedule kind in %q", s)
	}

	hh, mm, ok := strings.Cut(clock, ":")
	if !ok {
		return Cadence{}, fmt.Errorf("invalid time of day in schedule %q", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return Cadence{}, fmt.Errorf("invalid time of day in schedule %q", s)
	}
	c.Hour, c.Minute = h, m
	return c, nil
}

// Next returns the first occurrence strictly after t.
func (c Cadence) Next(t time.Time) time.Time {
	t = t.UTC()
	switch c.Kind {
	case Weekly:
		cand := time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, time.UTC)
		cand = cand.AddDate(0, 0, (int(c.Weekday)-int(cand.Weekday())+7)%7)
		if !cand.After(t) {
			cand = cand.AddDate(0, 0, 7)
		}
		return cand
	case Monthly:
		cand := time.Date(t.Year(), t.Month(), c.Day, c.Hour, c.Minute, 0, 0, time.UTC)
		if !cand.After(t) {
			cand = cand.AddDate(0, 1, 0)
		}
		return cand
	default:
		cand := time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, time.UTC)
		if !cand.After(t) {
			cand = cand.AddDate(0, 0, 1)
		}
		return cand
	}
}

func (c Cadence) String() string {
	clock := fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
	switch c.Kind {
	case Weekly:
		return fmt.Sprintf("weekly %s %s", strings.ToLower(c.Weekday.String()[:3]), clock)
	case Monthly:
		return fmt.Sprintf("monthly %d %s", c.Day, clock)
	}
	return "daily " + clock
}

// ScanRunner is satisfied by *Pipeline.
type ScanRunner interface {
	Run(ctx context.Context, req ScanRequest) (Outcome, error)
}

type VendorSource interface {
	Vendors(ctx context.Context) ([]models.Target, error)
}

// StaticVendors serves a fixed vendor list, typically from configuration.
type StaticVendors []models.Target

func (s StaticVendors) Vendors(context.Context) ([]models.Target, error) {
	return append([]models.Target(nil), s...), nil
}

// Scheduler re-runs vendor scans on the cadence of their tier.
type Scheduler struct {
	runner   ScanRunner
	vendors  VendorSource
	queue    *JobQueue
	cadences map[int]Cadence
	workers  int
	poll     time.Duration
	timeout  time.Duration
	retries  int
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.Mutex
	results []RunRecord
}

// RunRecord summarizes one scheduled execution.
type RunRecord struct {
	JobID       string    `json:"job_id"`
	TargetID    string    `json:"target_id"`
	Tier        int       `json:"tier"`
	StartedAt   time.Time `json:"started_at"`
	GlobalScore int       `json:"global_score"`
	Grade       string    `json:"grade"`
	Err         string    `json:"error,omitempty"`
}

type SchedulerOption func(*Scheduler)

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func WithMaxRetries(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func NewScheduler(orch models.OrchestratorConfig, cfg models.SchedulerConfig, runner ScanRunner, vendors VendorSource, logger *logrus.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if vendors == nil {
		vendors = StaticVendors(cfg.Vendors)
	}
	cadences := make(map[int]Cadence, len(orch.Tiers))
	for _, t := range orch.Tiers {
		c, err := ParseCadence(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", t.Tier, err)
		}
		cadences[t.Tier] = c
	}
	s := &Scheduler{
		runner:   runner,
		vendors:  vendors,
		queue:    NewJobQueue(logger),
		cadences: cadences,
		workers:  max(cfg.Workers, 1),
		poll:     cfg.PollInterval,
		timeout:  ScanTimeout(orch),
		retries:  2,
		logger:   logger,
		now:      time.Now,
	}
	if s.poll <= 0 {
		s.poll = time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue.now = s.now
	s.queue.SetMaxConcurrent(s.workers)
	return s, nil
}

// NextRun is when target's tier is next due after from.
func (s *Scheduler) NextRun(tier int, from time.Time) (time.Time, error) {
	c, ok := s.cadences[tier]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %d", models.ErrInvalidTier, tier)
	}
	return c.Next(from), nil
}

// Load queues every vendor at its next cadence slot. With immediate set, vendors are due now.
func (s *Scheduler) Load(ctx context.Context, immediate bool) (int, error) {
	targets, err := s.vendors.Vendors(ctx)
	if err != nil {
		return 0, fmt.Errorf("load vendors: %w", err)
	}
	now := s.now()
	n := 0
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			s.logger.WithError(err).Warnf("skipping vendor %q", t.ID)
			continue
		}
		due := now
		if !immediate {
			if due, err = s.NextRun(t.Tier, now); err != nil {
				s.logger.WithError(err).Warnf("skipping vendor %q", t.ID)
				continue
			}
		}
		s.queue.Schedule(t, due, s.retries)
		n++
	}
	s.logger.Infof("scheduler loaded %d vendors", n)
	return n, nil
}

// RunDue executes every job due at the current time and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	jobs := make(chan *Job)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				s.execute(ctx, job)
			}
		}()
	}

	ran := 0
	for ctx.Err() == nil {
		job, err := s.queue.Next(s.now())
		if errors.Is(err, ErrQueueSaturate) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err != nil {
			break
		}
		jobs <- job
		ran++
	}
	close(jobs)
	wg.Wait()
	return ran
}

// Start loads vendors and dispatches due jobs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.Load(ctx, false); err != nil {
		return err
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		s.RunDue(ctx)
		if due, ok := s.queue.NextDue(); ok {
			s.logger.Debugf("next scheduled scan at %s", due.Format(time.RFC3339))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	started := s.now()
	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "target_id": job.Target.ID, "tier": job.Target.Tier})

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	stop := context.AfterFunc(job.Context(), cancel)
	defer stop()
	defer cancel()

	out, err := s.runner.Run(runCtx, ScanRequest{
		TargetID:  job.Target.ID,
		Domain:    job.Target.Domain,
		Tier:      job.Target.Tier,
		Employees: job.Target.Employees,
	})

	rec := RunRecord{JobID: job.ID, TargetID: job.Target.ID, Tier: job.Target.Tier, StartedAt: started}
	if err != nil && out.Report.TargetID == "" {
		rec.Err = err.Error()
		s.record(rec)
		if requeued, ferr := s.queue.Fail(job.ID, err); ferr == nil && !requeued {
			s.reschedule(job.Target, log)
		}
		return
	}
	if err != nil {
		rec.Err = err.Error()
		log.WithError(err).Warn("scheduled scan scored but was not persisted")
	}
	rec.GlobalScore = out.Report.GlobalScore
	rec.Grade = out.Report.Grade
	s.record(rec)
	_ = s.queue.Complete(job.ID)
	s.reschedule(job.Target, log)
}

func (s *Scheduler) reschedule(t models.Target, log *logrus.Entry) {
	next, err := s.NextRun(t.Tier, s.now())
	if err != nil {
		log.WithError(err).Error("cannot reschedule vendor")
		return
	}
	s.queue.Schedule(t, next, s.retries)
}

func (s *Scheduler) record(r RunRecord) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

// History returns the executions recorded so far.
func (s *Scheduler) History() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunRecord(nil), s.results...)
}

func (s *Scheduler) GetStats() map[string]interface{} {
	stats := s.queue.GetStats()
	stats["workers"] = s.workers
	stats["poll_interval"] = s.poll.String()
	return stats
}
