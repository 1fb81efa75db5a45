package collectors

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/cyberscore/internal/envelope"
	"github.com/bl4ck0w1/cyberscore/internal/sources"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

const (
	maxCVEServices  = 5
	cvesPerService  = 5
	maxShodanVulns  = 5
	maxReputationIP = 3
	minPageBytes    = 500
	maxCVEDesc      = 300
)

var (
	privacyPaths = []string{"/privacy", "/politique-de-confidentialite", "/privacy-policy"}
	legalPaths   = []string{"/mentions-legales", "/legal", "/imprint"}

	certificationPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"ISO 27001", regexp.MustCompile(`iso\s*27001`)},
		{"SOC 2", regexp.MustCompile(`soc\s*2`)},
		{"HDS", regexp.MustCompile(`\bhds\b|h[ée]bergeur de donn[ée]es de sant[ée]`)},
		{"SecNumCloud", regexp.MustCompile(`secnumcloud`)},
		{"ISO 27701", regexp.MustCompile(`iso\s*27701`)},
	}

	errNotConfigured = errors.New("source not configured")
)

// OSINTSources are the clients the OSINT collector draws on. A nil client marks
// the source as unconfigured.
type OSINTSources struct {
	DNS        DNSLookup
	TLS        TLSProber
	Network    NetworkScanner
	CVE        CVESearcher
	Breaches   BreachChecker
	Abuse      AbuseChecker
	Malware    MalwareChecker
	CT         CTSearcher
	Pages      PageFetcher
	Blocklists []string
}

// OSINT collects the passive posture data behind the eight scoring domains.
type OSINT struct {
	src       OSINTSources
	env       *envelope.Envelope
	threshold int
	logger    *logrus.Logger
}

func NewOSINT(src OSINTSources, env *envelope.Envelope, threshold int, logger *logrus.Logger) *OSINT {
	if logger == nil {
		logger = logrus.New()
	}
	if threshold <= 0 {
		threshold = DefaultThresholds[OSINTName]
	}
	return &OSINT{src: src, env: env, threshold: threshold, logger: logger}
}

func (o *OSINT) Name() string { return OSINTName }

func (o *OSINT) Run(ctx context.Context, target models.Target) (models.AgentResult, error) {
	if err := validate(target); err != nil {
		return models.AgentResult{}, err
	}
	started := time.Now()
	r := newRun(o.env, OSINTName, target, o.logger)
	raw := &models.RawData{Domain: target.Domain}

	// Stage one: independent lookups.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if d, err := o.network(gctx, r); err != nil {
			r.fail("D1 network scan: %v", err)
		} else {
			raw.Network = d
		}
		return nil
	})
	g.Go(func() error {
		if d, err := o.dns(gctx, r); err != nil {
			r.fail("D2 DNS scan: %v", err)
		} else {
			raw.DNS = d
		}
		return nil
	})
	g.Go(func() error {
		if d, err := o.web(gctx, r); err != nil {
			r.fail("D3 web scan: %v", err)
		} else {
			raw.Web = d
		}
		return nil
	})
	g.Go(func() error {
		if d, err := o.leaks(gctx, r); err != nil {
			r.fail("D7 leaks scan: %v", err)
		} else {
			raw.Leaks = d
		}
		return nil
	})
	g.Go(func() error {
		raw.Regulatory = o.regulatory(gctx, r)
		return nil
	})
	_ = g.Wait()

	// Stage two: checks that build on stage one.
	if raw.DNS == nil {
		r.fail("D4 email scan: %v", errors.New("dns data unavailable"))
	} else {
		raw.Email = models.EmailFromDNS(raw.DNS)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		if d, err := o.patching(gctx, r, raw.Network); err != nil {
			r.fail("D5 patching scan: %v", err)
		} else {
			raw.Patching = d
		}
		return nil
	})
	g.Go(func() error {
		if d, err := o.reputation(gctx, r, raw.Network, raw.DNS); err != nil {
			r.fail("D6 reputation scan: %v", err)
		} else {
			raw.Reputation = d
		}
		return nil
	})
	_ = g.Wait()

	return r.result(map[string]models.Payload{OSINTName: raw}, o.threshold, started), nil
}

func (o *OSINT) network(ctx context.Context, r *run) (*models.NetworkData, error) {
	if o.src.Network == nil {
		return nil, fmt.Errorf("shodan: %w", errNotConfigured)
	}
	return fetch(ctx, r, "shodan", func(ctx context.Context) (*models.NetworkData, error) {
		return o.src.Network.Host(ctx, r.target.Domain)
	})
}

func (o *OSINT) dns(ctx context.Context, r *run) (*models.DNSData, error) {
	if o.src.DNS == nil {
		return nil, fmt.Errorf("dns: %w", errNotConfigured)
	}
	return fetch(ctx, r, "dns", func(ctx context.Context) (*models.DNSData, error) {
		return o.src.DNS.Lookup(ctx, r.target.Domain)
	})
}

func (o *OSINT) web(ctx context.Context, r *run) (*models.WebData, error) {
	if o.src.TLS == nil {
		return nil, fmt.Errorf("tls: %w", errNotConfigured)
	}
	return fetch(ctx, r, "tls", func(ctx context.Context) (*models.WebData, error) {
		return o.src.TLS.Probe(ctx, r.target.Domain)
	})
}

// leaks needs at least one of HIBP and crt.sh to answer.
func (o *OSINT) leaks(ctx context.Context, r *run) (*models.LeaksData, error) {
	if o.src.Breaches == nil && o.src.CT == nil {
		return nil, fmt.Errorf("hibp and crtsh: %w", errNotConfigured)
	}
	out := &models.LeaksData{Breaches: []models.Breach{}}
	var errs []error
	if o.src.Breaches != nil {
		b, err := fetch(ctx, r, "hibp", func(ctx context.Context) ([]models.Breach, error) {
			return o.src.Breaches.BreachesForDomain(ctx, r.target.Domain)
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			out.Breaches = b
		}
	}
	if o.src.CT != nil {
		c, err := fetch(ctx, r, "crtsh", func(ctx context.Context) ([]models.CTEntry, error) {
			return o.src.CT.Certificates(ctx, r.target.Domain)
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			out.Certificates = c
		}
	}
	configured := 0
	if o.src.Breaches != nil {
		configured++
	}
	if o.src.CT != nil {
		configured++
	}
	if len(errs) == configured {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		r.log.WithError(err).Debug("partial leak data")
	}
	return out, nil
}

// regulatory probes well-known policy pages. Unreachable pages count as absent.
func (o *OSINT) regulatory(ctx context.Context, r *run) *models.RegulatoryData {
	out := &models.RegulatoryData{Certifications: []string{}}
	if o.src.Pages == nil {
		return out
	}
	if u, body, ok := o.findPage(ctx, r, privacyPaths); ok {
		out.PrivacyPolicy = true
		out.PrivacyURL = u
		out.Certifications = detectCertifications(body)
	}
	if u, _, ok := o.findPage(ctx, r, legalPaths); ok {
		out.LegalNotice = true
		out.LegalURL = u
	}
	return out
}

type page struct {
	status int
	body   string
}

func (o *OSINT) findPage(ctx context.Context, r *run, paths []string) (string, string, bool) {
	for _, p := range paths {
		u := "https://" + r.target.Domain + p
		pg, err := fetch(ctx, r, "web", func(ctx context.Context) (page, error) {
			status, body, err := o.src.Pages.Fetch(ctx, u)
			return page{status: status, body: body}, err
		})
		if err != nil {
			r.log.WithError(err).Debugf("page %s unavailable", u)
			continue
		}
		if pg.status == 200 && len(pg.body) > minPageBytes {
			return u, pg.body, true
		}
	}
	return "", "", false
}

func detectCertifications(body string) []string {
	lower := strings.ToLower(body)
	out := []string{}
	for _, c := range certificationPatterns {
		if c.re.MatchString(lower) {
			out = append(out, c.name)
		}
	}
	return out
}

func (o *OSINT) patching(ctx context.Context, r *run, network *models.NetworkData) (*models.PatchingData, error) {
	if o.src.CVE == nil {
		return nil, fmt.Errorf("nvd: %w", errNotConfigured)
	}
	out := &models.PatchingData{CVEs: []models.CVE{}}
	if network == nil {
		return out, nil
	}
	out.ShodanVulns = network.Vulns
	seen := make(map[string]bool)

	searched := 0
	for _, svc := range network.Services {
		if searched >= maxCVEServices {
			break
		}
		if svc.Product == "" || svc.Version == "" {
			continue
		}
		searched++
		keyword := sources.ServiceKeyword(svc.Product, svc.Version)
		cves, err := fetch(ctx, r, "nvd", func(ctx context.Context) ([]models.CVE, error) {
			return o.src.CVE.SearchCVEs(ctx, keyword, cvesPerService)
		})
		if err != nil {
			r.log.WithError(err).Debugf("cve search for %q failed", keyword)
			continue
		}
		for i, c := range cves {
			if i >= cvesPerService || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			c.Service = keyword
			c.Description = truncate(c.Description, maxCVEDesc)
			out.CVEs = append(out.CVEs, c)
		}
	}

	looked := 0
	for _, v := range network.Vulns {
		if looked >= maxShodanVulns {
			break
		}
		if !strings.HasPrefix(v, "CVE-") || seen[v] {
			continue
		}
		looked++
		id := v
		c, err := fetch(ctx, r, "nvd", func(ctx context.Context) (*models.CVE, error) {
			return o.src.CVE.LookupCVE(ctx, id)
		})
		if err != nil || c == nil {
			r.log.WithError(err).Debugf("cve lookup for %s failed", id)
			continue
		}
		seen[id] = true
		out.CVEs = append(out.CVEs, models.CVE{
			ID:          c.ID,
			CVSS:        c.CVSS,
			Description: "Detected by Shodan",
			Published:   c.Published,
			Service:     "shodan_fingerprint",
		})
	}
	return out, nil
}

func (o *OSINT) reputation(ctx context.Context, r *run, network *models.NetworkData, dnsData *models.DNSData) (*models.ReputationData, error) {
	if o.src.Abuse == nil && o.src.Malware == nil && (o.src.DNS == nil || len(o.src.Blocklists) == 0) {
		return nil, fmt.Errorf("abuseipdb, virustotal and dnsbl: %w", errNotConfigured)
	}
	var candidates []string
	if network != nil {
		candidates = network.IPs
	}
	if len(candidates) == 0 && dnsData != nil {
		candidates = dnsData.A
	}
	ips := make([]string, 0, len(candidates))
	for _, ip := range candidates {
		if utils.IsValidIP(ip) {
			ips = append(ips, ip)
		} else {
			r.log.Debugf("skipping malformed address %q", ip)
		}
	}
	if len(ips) > maxReputationIP {
		ips = ips[:maxReputationIP]
	}

	out := &models.ReputationData{Results: []models.IPReputation{}}
	if len(ips) == 0 {
		return out, nil
	}

	var (
		attempted, failed int
		listed            = make(map[string]bool)
	)
	for _, ip := range ips {
		rep := models.IPReputation{IP: ip}
		if o.src.Abuse != nil {
			attempted++
			score, err := fetch(ctx, r, "abuseipdb", func(ctx context.Context) (int, error) {
				return o.src.Abuse.CheckIP(ctx, ip)
			})
			if err != nil {
				failed++
				r.log.WithError(err).Debugf("abuseipdb check for %s failed", ip)
			}
			rep.AbuseScore = score
		}
		if o.src.Malware != nil {
			attempted++
			n, err := fetch(ctx, r, "virustotal", func(ctx context.Context) (int, error) {
				return o.src.Malware.IPReport(ctx, ip)
			})
			if err != nil {
				failed++
				r.log.WithError(err).Debugf("virustotal report for %s failed", ip)
			}
			rep.VTMalicious = n
		}
		if o.src.DNS != nil && len(o.src.Blocklists) > 0 {
			attempted++
			zones, err := fetch(ctx, r, "dnsbl", func(ctx context.Context) ([]string, error) {
				return o.src.DNS.Blocklisted(ctx, ip, o.src.Blocklists)
			})
			if err != nil {
				failed++
				r.log.WithError(err).Debugf("blocklist check for %s failed", ip)
			}
			for _, z := range zones {
				listed[z] = true
			}
		}
		out.Results = append(out.Results, rep)
		if rep.AbuseScore > out.AbuseScore {
			out.AbuseScore = rep.AbuseScore
		}
		if rep.VTMalicious > out.VTMalicious {
			out.VTMalicious = rep.VTMalicious
		}
	}
	if attempted > 0 && failed == attempted {
		return nil, errors.New("every reputation lookup failed")
	}
	for z := range listed {
		out.Blacklists = append(out.Blacklists, z)
	}
	sort.Strings(out.Blacklists)
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
