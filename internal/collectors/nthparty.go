package collectors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/cyberscore/internal/envelope"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
	"github.com/bl4ck0w1/cyberscore/pkg/utils"
)

// ConcentrationThreshold is the dependency share above which a provider is flagged.
const ConcentrationThreshold = 0.30

const (
	caPrefix  = "CA: "
	cdnPrefix = "CDN/Host: "
)

// providerPatterns is matched in order; the first substring hit wins.
var providerPatterns = []struct {
	pattern  string
	provider string
}{
	{"amazonaws.com", "AWS"},
	{"azure", "Microsoft Azure"},
	{"googlecloud", "Google Cloud"},
	{"google.com", "Google"},
	{"cloudflare", "Cloudflare"},
	{"akamai", "Akamai"},
	{"fastly", "Fastly"},
	{"ovh", "OVHcloud"},
	{"scaleway", "Scaleway"},
	{"gandi", "Gandi"},
	{"online.net", "Scaleway"},
	{"outlook", "Microsoft 365"},
	{"office365", "Microsoft 365"},
	{"google", "Google Workspace"},
	{"mimecast", "Mimecast"},
	{"proofpoint", "Proofpoint"},
	{"barracuda", "Barracuda"},
	{"letsencrypt", "Let's Encrypt"},
	{"digicert", "DigiCert"},
	{"globalsign", "GlobalSign"},
	{"sectigo", "Sectigo"},
}

// IdentifyProvider maps a hostname or issuer string to a known provider.
func IdentifyProvider(value string) (string, bool) {
	v := strings.ToLower(value)
	for _, p := range providerPatterns {
		if strings.Contains(v, p.pattern) {
			return p.provider, true
		}
	}
	return "", false
}

type NthPartySources struct {
	DNS DNSLookup
	TLS TLSProber
}

// NthParty infers the vendor's own suppliers from DNS and certificate data.
type NthParty struct {
	src       NthPartySources
	env       *envelope.Envelope
	threshold int
	logger    *logrus.Logger
}

func NewNthParty(src NthPartySources, env *envelope.Envelope, threshold int, logger *logrus.Logger) *NthParty {
	if logger == nil {
		logger = logrus.New()
	}
	if threshold <= 0 {
		threshold = DefaultThresholds[NthPartyName]
	}
	return &NthParty{src: src, env: env, threshold: threshold, logger: logger}
}

func (n *NthParty) Name() string { return NthPartyName }

func (n *NthParty) Run(ctx context.Context, target models.Target) (models.AgentResult, error) {
	if err := validate(target); err != nil {
		return models.AgentResult{}, err
	}
	started := time.Now()
	r := newRun(n.env, NthPartyName, target, n.logger)

	var cloud, hosting []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := n.dnsProviders(gctx, r)
		if err != nil {
			r.fail("DNS provider analysis failed: %v", err)
			return nil
		}
		cloud = p
		return nil
	})
	g.Go(func() error {
		p, err := n.tlsProviders(gctx, r)
		if err != nil {
			r.fail("TLS provider analysis failed: %v", err)
			return nil
		}
		hosting = p
		return nil
	})
	_ = g.Wait()

	if cloud == nil {
		cloud = []string{}
	}
	if hosting == nil {
		hosting = []string{}
	}
	deps := utils.UniqueStrings(append(append([]string{}, cloud...), hosting...))
	out := &models.SupplyChainData{
		CloudProviders: cloud,
		CDNHosters:     hosting,
		DependencyGraph: models.DependencyGraph{
			Vendor:            target.Domain,
			N1Dependencies:    deps,
			TotalDependencies: len(deps),
		},
		ConcentrationRisk: Concentration(deps),
	}
	return r.result(map[string]models.Payload{NthPartyName: out}, n.threshold, started), nil
}

func (n *NthParty) dnsProviders(ctx context.Context, r *run) ([]string, error) {
	if n.src.DNS == nil {
		return nil, fmt.Errorf("dns: %w", errNotConfigured)
	}
	d, err := fetch(ctx, r, "dns", func(ctx context.Context) (*models.DNSData, error) {
		return n.src.DNS.Lookup(ctx, r.target.Domain)
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, host := range append(append([]string{}, d.MX...), d.NS...) {
		if p, ok := IdentifyProvider(host); ok {
			out = append(out, p)
		}
	}
	return utils.UniqueStrings(out), nil
}

// tlsProviders returns the issuing CA and any hosting provider visible in the SANs.
func (n *NthParty) tlsProviders(ctx context.Context, r *run) ([]string, error) {
	if n.src.TLS == nil {
		return nil, fmt.Errorf("tls: %w", errNotConfigured)
	}
	w, err := fetch(ctx, r, "tls", func(ctx context.Context) (*models.WebData, error) {
		return n.src.TLS.Probe(ctx, r.target.Domain)
	})
	if err != nil {
		return nil, err
	}
	if w == nil || w.Error != "" {
		return []string{}, nil
	}
	var out []string
	issuer := w.Issuer.Organization + " " + w.Issuer.CommonName
	if p, ok := IdentifyProvider(issuer); ok {
		out = append(out, caPrefix+p)
	}
	for _, san := range w.SANs {
		if p, ok := IdentifyProvider(san); ok {
			out = append(out, cdnPrefix+p)
		}
	}
	return utils.UniqueStrings(out), nil
}

// Concentration reports providers that account for at least ConcentrationThreshold
// of the dependencies, ignoring the role prefix.
func Concentration(deps []string) models.ConcentrationRisk {
	counts := make(map[string]int)
	for _, d := range deps {
		name := strings.TrimPrefix(strings.TrimPrefix(d, caPrefix), cdnPrefix)
		counts[name]++
	}
	total := len(deps)
	denom := float64(total)
	if denom == 0 {
		denom = 1
	}

	above := []models.ProviderShare{}
	for p, c := range counts {
		ratio := float64(c) / denom
		if ratio >= ConcentrationThreshold {
			above = append(above, models.ProviderShare{
				Provider: p,
				Count:    c,
				Ratio:    math.Round(ratio*100) / 100,
			})
		}
	}
	sort.Slice(above, func(i, j int) bool {
		if above[i].Count != above[j].Count {
			return above[i].Count > above[j].Count
		}
		return above[i].Provider < above[j].Provider
	})
	return models.ConcentrationRisk{
		Threshold:               ConcentrationThreshold,
		ProvidersAboveThreshold: above,
		Alert:                   len(above) > 0,
		TotalDependencies:       total,
		UniqueProviders:         len(counts),
	}
}
