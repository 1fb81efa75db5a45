package collectors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/internal/envelope"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const (
	OSINTName    = "osint"
	DarkWebName  = "darkweb"
	NthPartyName = "nthparty"
)

// DefaultThresholds is the number of failed sub-checks at which a collector reports failure.
var DefaultThresholds = map[string]int{
	OSINTName:    4,
	DarkWebName:  2,
	NthPartyName: 1,
}

// Collector gathers one family of raw data for a target. Sub-check failures are
// reported in AgentResult.Errors; the returned error is reserved for invalid input.
type Collector interface {
	Name() string
	Run(ctx context.Context, target models.Target) (models.AgentResult, error)
}

type DNSLookup interface {
	Lookup(ctx context.Context, domain string) (*models.DNSData, error)
	LookupIPs(ctx context.Context, domain string) ([]string, error)
	Blocklisted(ctx context.Context, ip string, zones []string) ([]string, error)
}

type TLSProber interface {
	Probe(ctx context.Context, domain string) (*models.WebData, error)
}

type NetworkScanner interface {
	Host(ctx context.Context, domain string) (*models.NetworkData, error)
}

type CVESearcher interface {
	SearchCVEs(ctx context.Context, keyword string, limit int) ([]models.CVE, error)
	LookupCVE(ctx context.Context, id string) (*models.CVE, error)
}

type BreachChecker interface {
	BreachesForDomain(ctx context.Context, domain string) ([]models.Breach, error)
}

type AbuseChecker interface {
	CheckIP(ctx context.Context, ip string) (int, error)
}

type MalwareChecker interface {
	IPReport(ctx context.Context, ip string) (int, error)
}

type CTSearcher interface {
	Certificates(ctx context.Context, domain string) ([]models.CTEntry, error)
}

type CodeSearcher interface {
	SearchCode(ctx context.Context, query string, perPage int) ([]models.CodeLeak, error)
}

type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]models.FeedItem, error)
}

type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (int, string, error)
}

// Threshold resolves a collector's failure threshold from configuration.
func Threshold(thresholds map[string]int, name string) int {
	if t, ok := thresholds[name]; ok && t > 0 {
		return t
	}
	if t, ok := DefaultThresholds[name]; ok {
		return t
	}
	return 1
}

// run is the per-invocation state shared by a collector's sub-checks.
type run struct {
	env    *envelope.Envelope
	agent  string
	target models.Target
	log    *logrus.Entry
	calls  atomic.Int64

	mu     sync.Mutex
	errors []string
}

func newRun(env *envelope.Envelope, agent string, target models.Target, logger *logrus.Logger) *run {
	return &run{
		env:    env,
		agent:  agent,
		target: target,
		log: logger.WithFields(logrus.Fields{
			"agent":     agent,
			"target_id": target.ID,
			"domain":    target.Domain,
		}),
	}
}

func (r *run) call(source string) envelope.Call {
	r.calls.Add(1)
	return envelope.Call{
		Agent:  r.agent,
		Source: source,
		Context: map[string]string{
			"target_id": r.target.ID,
			"domain":    r.target.Domain,
		},
	}
}

func (r *run) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.log.Warn(msg)
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

func (r *run) result(data map[string]models.Payload, threshold int, started time.Time) models.AgentResult {
	res := models.NewAgentResult(r.agent, r.target.ID)
	for k, v := range data {
		res.Data[k] = v
	}
	r.mu.Lock()
	res.Errors = append(res.Errors, r.errors...)
	r.mu.Unlock()
	sort.Strings(res.Errors)
	res.APICallsMade = int(r.calls.Load())
	res.Success = len(res.Errors) < threshold
	res.Duration = time.Since(started)
	res.State = models.ScanCompleted
	if len(res.Errors) > 0 {
		res.State = models.ScanPartiallyFailed
	}
	r.log.WithFields(logrus.Fields{
		"success":   res.Success,
		"errors":    len(res.Errors),
		"api_calls": res.APICallsMade,
	}).Info("collection finished")
	return res
}

// fetch runs fn through the envelope under source, counting the call.
func fetch[T any](ctx context.Context, r *run, source string, fn func(ctx context.Context) (T, error)) (T, error) {
	return envelope.Do(ctx, r.env, r.call(source), fn)
}

func validate(target models.Target) error {
	if target.ID == "" {
		return models.ErrEmptyTargetID
	}
	if target.Domain == "" {
		return models.ErrInvalidDomain
	}
	return nil
}
