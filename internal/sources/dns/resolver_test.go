package dns

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zone map[string][]string

// startServer serves a fake zone on a loopback UDP port. Names absent from the zone
// answer NXDOMAIN; names in servfail answer SERVFAIL.
func startServer(t *testing.T, z zone, servfail map[string]bool) string {
	t.Helper()
	mux := mdns.NewServeMux()
	mux.HandleFunc(".", func(w mdns.ResponseWriter, req *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		name := strings.ToLower(q.Name)
		if servfail[name] {
			m.Rcode = mdns.RcodeServerFailure
			_ = w.WriteMsg(m)
			return
		}
		found := false
		for key, records := range z {
			parts := strings.SplitN(key, " ", 2)
			if parts[0] != name {
				continue
			}
			found = true
			if parts[1] != mdns.TypeToString[q.Qtype] {
				continue
			}
			for _, rec := range records {
				rr, err := mdns.NewRR(name + " 300 IN " + parts[1] + " " + rec)
				if err != nil {
					t.Errorf("bad fixture %q: %v", rec, err)
					continue
				}
				m.Answer = append(m.Answer, rr)
			}
		}
		if !found {
			m.Rcode = mdns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	var once sync.Once
	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { once.Do(func() { close(started) }) }}
	go func() { _ = srv.ActivateAndServe() }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLookupCollectsPosture(t *testing.T) {
	addr := startServer(t, zone{
		"example.com. A":                     {"192.0.2.1"},
		"example.com. MX":                    {"10 mx1.example.com."},
		"example.com. NS":                    {"ns1.cloudflare.com."},
		"example.com. TXT":                   {`"google-site-verification=abc"`, `"v=spf1 include:_spf.google.com ~all"`},
		"example.com. CAA":                   {`0 issue "letsencrypt.org"`},
		"_dmarc.example.com. TXT":            {`"v=DMARC1; p=none; rua=mailto:d@example.com"`},
		"google._domainkey.example.com. TXT": {`"v=DKIM1; k=rsa; p=MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQC"`},
		"_mta-sts.example.com. TXT":          {`"v=STSv1; id=2024"`},
	}, nil)

	r := NewResolver([]string{addr}, time.Second, 4, quietLogger())
	d, err := r.Lookup(context.Background(), "Example.COM.")
	require.NoError(t, err)

	assert.Equal(t, []string{"192.0.2.1"}, d.A)
	assert.Empty(t, d.AAAA)
	assert.Equal(t, []string{"mx1.example.com"}, d.MX)
	assert.Equal(t, []string{"ns1.cloudflare.com"}, d.NS)
	assert.True(t, d.SPF)
	assert.Contains(t, d.SPFRecord, "v=spf1")
	assert.True(t, d.DMARC)
	assert.Equal(t, "none", d.DMARCPolicy)
	assert.True(t, d.DKIM)
	assert.Equal(t, []string{"google"}, d.DKIMSelectors)
	assert.Len(t, d.CAA, 1)
	assert.True(t, d.MTASTS)
	assert.False(t, d.BIMI)
	assert.False(t, d.DNSSEC)
}

func TestLookupFailsWhenEveryBaseQueryFails(t *testing.T) {
	addr := startServer(t, zone{}, map[string]bool{"broken.example.": true})
	r := NewResolver([]string{addr}, time.Second, 4, quietLogger())
	_, err := r.Lookup(context.Background(), "broken.example")
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "servfail")
}

func TestLookupRejectsInvalidDomain(t *testing.T) {
	r := NewResolver([]string{"127.0.0.1:1"}, time.Second, 1, quietLogger())
	_, err := r.Lookup(context.Background(), "")
	assert.Error(t, err)
}

func TestBlocklisted(t *testing.T) {
	addr := startServer(t, zone{
		"2.0.0.127.zen.spamhaus.org. A": {"127.0.0.2"},
		"2.0.0.127.bl.spamcop.net. A":   {"127.0.0.2"},
	}, nil)
	r := NewResolver([]string{addr}, time.Second, 4, quietLogger())

	listed, err := r.Blocklisted(context.Background(), "127.0.0.2", []string{"zen.spamhaus.org", "bl.spamcop.net", "b.barracudacentral.org"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bl.spamcop.net", "zen.spamhaus.org"}, listed)

	listed, err = r.Blocklisted(context.Background(), "2001:db8::1", []string{"zen.spamhaus.org"})
	require.NoError(t, err)
	assert.Empty(t, listed)
}
