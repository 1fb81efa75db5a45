// Package dns collects the DNS and mail-authentication posture of a domain.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// DKIMSelectors are probed at <selector>._domainkey.<domain>.
var DKIMSelectors = []string{"default", "google", "selector1", "selector2", "k1", "dkim"}

var (
	spfRegex    = regexp.MustCompile(`(?i)^v=spf1\b`)
	dmarcRegex  = regexp.MustCompile(`(?i)^v=DMARC1\b`)
	dmarcPolicy = regexp.MustCompile(`(?i)\bp=([a-z]+)`)
	dkimRegex   = regexp.MustCompile(`(?i)\bp=[A-Za-z0-9+/=]{16,}|\bv=DKIM1\b`)
	mtastsRegex = regexp.MustCompile(`(?i)^v=STSv1\b`)
	bimiRegex   = regexp.MustCompile(`(?i)^v=BIMI1\b`)
)

var errNXDomain = errors.New("NXDOMAIN")

type Resolver struct {
	servers     []string
	timeout     time.Duration
	concurrency int
	udpClient   *mdns.Client
	tcpClient   *mdns.Client
	logger      *logrus.Logger
	mu          sync.Mutex
	rotateIndex int
}

func NewResolver(servers []string, timeout time.Duration, concurrency int, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	if len(servers) == 0 {
		servers = getSystemResolvers()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Resolver{
		servers:     servers,
		timeout:     timeout,
		concurrency: concurrency,
		udpClient:   &mdns.Client{Net: "udp", Timeout: timeout, UDPSize: 1232},
		tcpClient:   &mdns.Client{Net: "tcp", Timeout: timeout},
		logger:      logger,
	}
}

func (r *Resolver) Name() string { return "dns" }

// Lookup gathers records and mail-authentication signals for domain. It fails only
// when none of the base record queries could be answered.
func (r *Resolver) Lookup(ctx context.Context, target string) (*models.DNSData, error) {
	domain, err := idna.Lookup.ToASCII(strings.TrimSuffix(strings.TrimSpace(target), "."))
	if err != nil || domain == "" {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDomain, target)
	}

	out := &models.DNSData{}
	var (
		mu       sync.Mutex
		baseErrs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	base := []struct {
		qtype uint16
		dst   *[]string
	}{
		{mdns.TypeA, &out.A},
		{mdns.TypeAAAA, &out.AAAA},
		{mdns.TypeMX, &out.MX},
		{mdns.TypeNS, &out.NS},
		{mdns.TypeTXT, &out.TXT},
		{mdns.TypeCAA, &out.CAA},
	}
	for _, b := range base {
		b := b
		g.Go(func() error {
			vals, err := r.values(gctx, domain, b.qtype)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				baseErrs = append(baseErrs, fmt.Errorf("%s %s: %w", mdns.TypeToString[b.qtype], domain, err))
				return nil
			}
			*b.dst = vals
			return nil
		})
	}

	g.Go(func() error {
		rec, _ := r.firstTXT(gctx, "_dmarc."+domain, dmarcRegex)
		mu.Lock()
		defer mu.Unlock()
		if rec != "" {
			out.DMARC = true
			out.DMARCRecord = rec
			if m := dmarcPolicy.FindStringSubmatch(rec); m != nil {
				out.DMARCPolicy = strings.ToLower(m[1])
			}
		}
		return nil
	})
	for _, sel := range DKIMSelectors {
		sel := sel
		g.Go(func() error {
			rec, _ := r.firstTXT(gctx, sel+"._domainkey."+domain, dkimRegex)
			if rec != "" {
				mu.Lock()
				out.DKIM = true
				out.DKIMSelectors = append(out.DKIMSelectors, sel)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Go(func() error {
		rrs, err := r.query(gctx, domain, mdns.TypeDNSKEY)
		if err == nil && len(rrs) > 0 {
			mu.Lock()
			out.DNSSEC = true
			mu.Unlock()
		}
		return nil
	})
	g.Go(func() error {
		rec, _ := r.firstTXT(gctx, "_mta-sts."+domain, mtastsRegex)
		mu.Lock()
		out.MTASTS = rec != ""
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		rec, _ := r.firstTXT(gctx, "default._bimi."+domain, bimiRegex)
		mu.Lock()
		out.BIMI = rec != ""
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(baseErrs) == len(base) {
		return nil, errors.Join(baseErrs...)
	}
	for _, e := range baseErrs {
		r.logger.WithField("domain", domain).Debugf("dns lookup partial failure: %v", e)
	}

	for _, txt := range out.TXT {
		if spfRegex.MatchString(txt) {
			out.SPF = true
			out.SPFRecord = txt
			break
		}
	}
	sort.Strings(out.DKIMSelectors)
	return out, nil
}

// LookupIPs returns the A records of domain.
func (r *Resolver) LookupIPs(ctx context.Context, domain string) ([]string, error) {
	return r.values(ctx, domain, mdns.TypeA)
}

// Blocklisted returns the DNSBL zones that list ip. Only IPv4 is checked.
func (r *Resolver) Blocklisted(ctx context.Context, ip string, zones []string) ([]string, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return nil, nil
	}
	reversed := fmt.Sprintf("%d.%d.%d.%d", parsed[3], parsed[2], parsed[1], parsed[0])

	var (
		mu     sync.Mutex
		listed []string
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, zone := range zones {
		zone := strings.Trim(zone, ".")
		g.Go(func() error {
			rrs, err := r.query(gctx, reversed+"."+zone, mdns.TypeA)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errNXDomain):
			case err != nil:
				failed++
				r.logger.WithField("zone", zone).Debugf("dnsbl query failed: %v", err)
			case len(rrs) > 0:
				listed = append(listed, zone)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if failed > 0 && failed == len(zones) {
		return nil, fmt.Errorf("dnsbl: all %d zones failed for %s", failed, ip)
	}
	sort.Strings(listed)
	return listed, nil
}

func (r *Resolver) firstTXT(ctx context.Context, name string, match *regexp.Regexp) (string, error) {
	vals, err := r.values(ctx, name, mdns.TypeTXT)
	if err != nil {
		return "", err
	}
	for _, v := range vals {
		if match.MatchString(v) {
			return v, nil
		}
	}
	return "", nil
}

// values returns the answers of one query as strings. NXDOMAIN yields no values.
func (r *Resolver) values(ctx context.Context, name string, qtype uint16) ([]string, error) {
	rrs, err := r.query(ctx, name, qtype)
	if errors.Is(err, errNXDomain) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		if v, ok := rrValue(rr); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]mdns.RR, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	msg.SetEdns0(1232, qtype == mdns.TypeDNSKEY)

	server := r.selectServer()
	resp, _, err := r.udpClient.ExchangeContext(ctx, msg, server)
	if err == nil && resp != nil && resp.Truncated {
		resp, _, err = r.tcpClient.ExchangeContext(ctx, msg, server)
	}
	if err != nil {
		return nil, fmt.Errorf("dns query %s: %w", name, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("dns query %s: nil response", name)
	}
	switch resp.Rcode {
	case mdns.RcodeSuccess:
	case mdns.RcodeNameError:
		return nil, errNXDomain
	default:
		return nil, fmt.Errorf("dns query %s: %s", name, mdns.RcodeToString[resp.Rcode])
	}

	out := make([]mdns.RR, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if rr != nil && rr.Header().Rrtype == qtype {
			out = append(out, rr)
		}
	}
	return out, nil
}

func rrValue(rr mdns.RR) (string, bool) {
	trimDot := func(s string) string { return strings.TrimSuffix(s, ".") }
	switch v := rr.(type) {
	case *mdns.A:
		return v.A.String(), true
	case *mdns.AAAA:
		return v.AAAA.String(), true
	case *mdns.MX:
		return trimDot(v.Mx), true
	case *mdns.NS:
		return trimDot(v.Ns), true
	case *mdns.TXT:
		return strings.Join(v.Txt, ""), true
	case *mdns.CAA:
		return fmt.Sprintf("%d %s %q", v.Flag, v.Tag, v.Value), true
	}
	return "", false
}

func (r *Resolver) selectServer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	server := r.servers[r.rotateIndex%len(r.servers)]
	r.rotateIndex = (r.rotateIndex + 1) % len(r.servers)
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return server
}

func (r *Resolver) Servers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.servers...)
}

func getSystemResolvers() []string {
	cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return []string{"1.1.1.1:53", "8.8.8.8:53", "9.9.9.9:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}
