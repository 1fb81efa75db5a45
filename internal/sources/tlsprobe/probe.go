// Package tlsprobe inspects the TLS handshake, served certificate and HTTP
// security headers of a vendor's website.
package tlsprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ocsp"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const (
	OCSPNotStapled = "not_stapled"
	OCSPGood       = "good"
	OCSPRevoked    = "revoked"
	OCSPUnknown    = "unknown"
	OCSPInvalid    = "invalid"
)

var versionNames = map[uint16]string{
	tls.VersionTLS10: "TLSv1",
	tls.VersionTLS11: "TLSv1.1",
	tls.VersionTLS12: "TLSv1.2",
	tls.VersionTLS13: "TLSv1.3",
}

type Prober struct {
	port       string
	timeout    time.Duration
	roots      *x509.CertPool
	httpClient *http.Client
	logger     *logrus.Logger
	now        func() time.Time
}

type Option func(*Prober)

// WithPort overrides 443.
func WithPort(port string) Option {
	return func(p *Prober) { p.port = port }
}

func WithRootCAs(pool *x509.CertPool) Option {
	return func(p *Prober) { p.roots = pool }
}

// WithHTTPClient sets the client used for the security-header request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) { p.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

func NewProber(timeout time.Duration, logger *logrus.Logger, opts ...Option) *Prober {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &Prober{
		port:    "443",
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS10, RootCAs: p.roots},
				TLSHandshakeTimeout: timeout,
				Proxy:               http.ProxyFromEnvironment,
			},
		}
	}
	return p
}

func (p *Prober) Name() string { return "tls" }

// Probe performs one handshake and one HTTPS GET against domain. A failed handshake
// is an error; a failed header request is recorded in WebData.Error.
func (p *Prober) Probe(ctx context.Context, domain string) (*models.WebData, error) {
	state, err := p.handshake(ctx, domain)
	if err != nil {
		return nil, err
	}

	out := &models.WebData{
		TLSVersion: versionNames[state.Version],
		Headers:    map[string]string{},
		OCSPStatus: OCSPNotStapled,
	}
	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		days := int(math.Floor(leaf.NotAfter.Sub(p.now()).Hours() / 24))
		out.DaysUntilExpiry = &days
		out.Issuer = models.CertIssuer{CommonName: leaf.Issuer.CommonName}
		if len(leaf.Issuer.Organization) > 0 {
			out.Issuer.Organization = leaf.Issuer.Organization[0]
		}
		out.SANs = append([]string(nil), leaf.DNSNames...)
		out.ChainValid = p.verify(domain, state.PeerCertificates) == nil
		out.EmbeddedSCTs = countSCTs(leaf.Raw) + len(state.SignedCertificateTimestamps)
		if len(state.OCSPResponse) > 0 {
			out.OCSPStatus = ocspStatus(state.OCSPResponse, state.PeerCertificates)
		}
	}

	headers, err := p.fetchHeaders(ctx, domain)
	if err != nil {
		out.Error = err.Error()
		p.logger.WithField("domain", domain).Debugf("security header fetch failed: %v", err)
	} else {
		out.Headers = headers
	}
	return out, nil
}

func (p *Prober) handshake(ctx context.Context, domain string) (tls.ConnectionState, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: p.timeout},
		Config: &tls.Config{
			ServerName: domain,
			MinVersion: tls.VersionTLS10,
			// verification happens in verify so an invalid chain is still inspected
			InsecureSkipVerify: true, //nolint:gosec
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(domain, p.port))
	if err != nil {
		return tls.ConnectionState{}, fmt.Errorf("tls handshake %s: %w", domain, err)
	}
	defer conn.Close()
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, errors.New("tls handshake: unexpected connection type")
	}
	return tc.ConnectionState(), nil
}

func (p *Prober) verify(domain string, chain []*x509.Certificate) error {
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		DNSName:       domain,
		Roots:         p.roots,
		Intermediates: inter,
		CurrentTime:   p.now(),
	})
	return err
}

func (p *Prober) fetchHeaders(ctx context.Context, domain string) (map[string]string, error) {
	host := domain
	if p.port != "443" {
		host = net.JoinHostPort(domain, p.port)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+host+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers, nil
}

// countSCTs reads the SCT list embedded in the certificate extension.
func countSCTs(raw []byte) int {
	cert, err := ctx509.ParseCertificate(raw)
	if cert == nil || (err != nil && ctx509.IsFatal(err)) {
		return 0
	}
	return len(cert.SCTList.SCTList)
}

func ocspStatus(raw []byte, chain []*x509.Certificate) string {
	var issuer *x509.Certificate
	if len(chain) > 1 {
		issuer = chain[1]
	}
	resp, err := ocsp.ParseResponse(raw, issuer)
	if err != nil {
		return OCSPInvalid
	}
	switch resp.Status {
	case ocsp.Good:
		return OCSPGood
	case ocsp.Revoked:
		return OCSPRevoked
	default:
		return OCSPUnknown
	}
}
