package collectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/cyberscore/internal/envelope"
	"github.com/bl4ck0w1/cyberscore/internal/sources"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

const (
	secretsPerPage  = 5
	secretsPerQuery = 3
)

type DarkWebSources struct {
	Breaches BreachChecker
	Code     CodeSearcher
	Feeds    FeedFetcher
	FeedURLs []string
}

// DarkWeb watches breach corpora, public code and security feeds for the vendor.
type DarkWeb struct {
	src       DarkWebSources
	env       *envelope.Envelope
	threshold int
	logger    *logrus.Logger
	now       func() time.Time
}

func NewDarkWeb(src DarkWebSources, env *envelope.Envelope, threshold int, logger *logrus.Logger) *DarkWeb {
	if logger == nil {
		logger = logrus.New()
	}
	if threshold <= 0 {
		threshold = DefaultThresholds[DarkWebName]
	}
	if len(src.FeedURLs) == 0 {
		src.FeedURLs = sources.DefaultFeeds
	}
	return &DarkWeb{src: src, env: env, threshold: threshold, logger: logger, now: time.Now}
}

func (d *DarkWeb) Name() string { return DarkWebName }

func (d *DarkWeb) Run(ctx context.Context, target models.Target) (models.AgentResult, error) {
	if err := validate(target); err != nil {
		return models.AgentResult{}, err
	}
	started := time.Now()
	r := newRun(d.env, DarkWebName, target, d.logger)
	out := &models.LeakMonitorData{
		Breaches:     []models.Breach{},
		Secrets:      []models.CodeLeak{},
		FeedMentions: []models.FeedItem{},
		Alerts:       []models.Alert{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := d.breaches(gctx, r)
		if err != nil {
			r.fail("HIBP check failed: %v", err)
			return nil
		}
		out.Breaches = b
		return nil
	})
	g.Go(func() error {
		s, err := d.secrets(gctx, r)
		if err != nil {
			r.fail("GitHub scan failed: %v", err)
			return nil
		}
		out.Secrets = s
		return nil
	})
	g.Go(func() error {
		m, err := d.mentions(gctx, r)
		if err != nil {
			r.fail("RSS feeds check failed: %v", err)
			return nil
		}
		out.FeedMentions = m
		return nil
	})
	_ = g.Wait()

	out.Alerts = d.alerts(target.ID, out)
	return r.result(map[string]models.Payload{DarkWebName: out}, d.threshold, started), nil
}

func (d *DarkWeb) breaches(ctx context.Context, r *run) ([]models.Breach, error) {
	if d.src.Breaches == nil {
		return nil, fmt.Errorf("hibp: %w", errNotConfigured)
	}
	b, err := fetch(ctx, r, "hibp", func(ctx context.Context) ([]models.Breach, error) {
		return d.src.Breaches.BreachesForDomain(ctx, r.target.Domain)
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = []models.Breach{}
	}
	return b, nil
}

// secrets fails only when every search query failed.
func (d *DarkWeb) secrets(ctx context.Context, r *run) ([]models.CodeLeak, error) {
	if d.src.Code == nil {
		return nil, fmt.Errorf("github: %w", errNotConfigured)
	}
	out := []models.CodeLeak{}
	queries := sources.SecretQueries(r.target.Domain)
	var errs []error
	for _, q := range queries {
		leaks, err := fetch(ctx, r, "github", func(ctx context.Context) ([]models.CodeLeak, error) {
			return d.src.Code.SearchCode(ctx, q, secretsPerPage)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(leaks) > secretsPerQuery {
			leaks = leaks[:secretsPerQuery]
		}
		out = append(out, leaks...)
	}
	if len(queries) > 0 && len(errs) == len(queries) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// mentions matches feed items against the vendor's organization label.
func (d *DarkWeb) mentions(ctx context.Context, r *run) ([]models.FeedItem, error) {
	if d.src.Feeds == nil {
		return nil, fmt.Errorf("feeds: %w", errNotConfigured)
	}
	label := utils.OrganizationLabel(r.target.Domain)
	out := []models.FeedItem{}
	var errs []error
	for _, feed := range d.src.FeedURLs {
		items, err := fetch(ctx, r, "feeds", func(ctx context.Context) ([]models.FeedItem, error) {
			return d.src.Feeds.Fetch(ctx, feed)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, it := range items {
			if sources.MentionsVendor(it.Title+" "+it.Summary, label) {
				out = append(out, it)
			}
		}
	}
	if len(errs) == len(d.src.FeedURLs) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (d *DarkWeb) alerts(targetID string, data *models.LeakMonitorData) []models.Alert {
	now := d.now().UTC()
	alerts := []models.Alert{}
	for _, b := range data.Breaches {
		alerts = append(alerts, models.Alert{
			Type:        models.AlertBreach,
			Severity:    models.SeverityHigh,
			TargetID:    targetID,
			Title:       "Breach: " + b.Name,
			Description: fmt.Sprintf("%d accounts exposed (breach date %s)", b.PwnCount, b.BreachDate),
			CreatedAt:   now,
		})
	}
	for _, s := range data.Secrets {
		alerts = append(alerts, models.Alert{
			Type:        models.AlertSecret,
			Severity:    models.SeverityCritical,
			TargetID:    targetID,
			Title:       "Potential secret exposed: " + s.Repository,
			Description: s.URL,
			CreatedAt:   now,
		})
	}
	for _, m := range data.FeedMentions {
		alerts = append(alerts, models.Alert{
			Type:        models.AlertFeedMention,
			Severity:    models.SeverityMedium,
			TargetID:    targetID,
			Title:       "Mentioned in security feed: " + m.Title,
			Description: m.Link,
			CreatedAt:   now,
		})
	}
	return alerts
}
