package sources

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestShodanHost(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		switch r.URL.Path {
		case "/dns/resolve":
			assert.Equal(t, "example.com", r.URL.Query().Get("hostnames"))
			_, _ = io.WriteString(w, `{"example.com":"192.0.2.10"}`)
		case "/shodan/host/192.0.2.10":
			_, _ = io.WriteString(w, `{"ip_str":"192.0.2.10","ports":[22,443,3389],"vulns":["CVE-2019-0708"],
				"data":[{"port":443,"transport":"tcp","product":"nginx","version":"1.18.0","ssl":{"versions":["TLSv1.2"]}},
				        {"port":3389,"transport":"tcp"}]}`)
		default:
			http.NotFound(w, r)
		}
	})
	s := NewShodan(srv.Client(), srv.URL, "k", "", quietLogger())
	nd, err := s.Host(context.Background(), "example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{"192.0.2.10"}, nd.IPs)
	require.Len(t, nd.Services, 3)
	assert.True(t, nd.Services[0].TLS)
	assert.Equal(t, "nginx", nd.Services[0].Product)
	assert.False(t, nd.Services[1].TLS)
	assert.Equal(t, 22, nd.Services[2].Port)
	assert.Equal(t, []string{"CVE-2019-0708"}, nd.Vulns)
}

func TestShodanUnresolvedDomain(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"example.com":null}`)
	})
	nd, err := NewShodan(srv.Client(), srv.URL, "k", "", quietLogger()).Host(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Empty(t, nd.IPs)
	assert.Empty(t, nd.Services)
}

func TestHTTPErrorCarriesStatus(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	_, err := NewAbuseIPDB(srv.Client(), srv.URL, "k", "", quietLogger()).CheckIP(context.Background(), "192.0.2.1")
	require.Error(t, err)

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, 429, he.StatusCode())
	assert.Contains(t, err.Error(), "abuseipdb")
}

func TestNVDSearchPrefersV31(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "nginx 1.18.0", r.URL.Query().Get("keywordSearch"))
		assert.Equal(t, "nk", r.Header.Get("apiKey"))
		_, _ = io.WriteString(w, `{"totalResults":2,"vulnerabilities":[
			{"cve":{"id":"CVE-2021-23017","published":"2021-06-01","descriptions":[{"lang":"es","value":"x"},{"lang":"en","value":"resolver bug"}],
			  "metrics":{"cvssMetricV31":[{"cvssData":{"baseScore":7.7}}],"cvssMetricV2":[{"cvssData":{"baseScore":6.8}}]}}},
			{"cve":{"id":"CVE-2009-0001","metrics":{"cvssMetricV2":[{"cvssData":{"baseScore":5.0}}]}}}]}`)
	})
	n := NewNVD(srv.Client(), srv.URL, "nk", "", quietLogger())
	cves, err := n.SearchCVEs(context.Background(), ServiceKeyword("nginx", "1.18.0"), 5)
	require.NoError(t, err)
	require.Len(t, cves, 2)
	assert.Equal(t, 7.7, cves[0].CVSS)
	assert.Equal(t, "resolver bug", cves[0].Description)
	assert.Equal(t, 5.0, cves[1].CVSS)
}

func TestServiceKeyword(t *testing.T) {
	assert.Equal(t, "OpenSSH 8.2.0", ServiceKeyword("OpenSSH", "8.2"))
	assert.Equal(t, "nginx 1.18.0", ServiceKeyword(" nginx ", "v1.18.0+build7"))
	assert.Equal(t, "Apache 2.4.x", ServiceKeyword("Apache", "2.4.x"))
	assert.Equal(t, "Apache httpd", ServiceKeyword("Apache httpd", ""))
}

func TestHIBPNotFoundMeansNoBreaches(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hk", r.Header.Get("hibp-api-key"))
		http.NotFound(w, r)
	})
	breaches, err := NewHIBP(srv.Client(), srv.URL, "hk", "", quietLogger()).BreachesForDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Empty(t, breaches)
}

func TestHIBPBreaches(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "example.com", r.URL.Query().Get("domain"))
		_, _ = io.WriteString(w, `[{"Name":"Adobe","BreachDate":"2013-10-04","PwnCount":152445165}]`)
	})
	breaches, err := NewHIBP(srv.Client(), srv.URL, "hk", "", quietLogger()).BreachesForDomain(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	assert.Equal(t, 152445165, breaches[0].PwnCount)
}

func TestVirusTotalIPReport(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ip_addresses/192.0.2.1", r.URL.Path)
		assert.Equal(t, "vk", r.Header.Get("x-apikey"))
		_, _ = io.WriteString(w, `{"data":{"attributes":{"last_analysis_stats":{"malicious":4,"harmless":60}}}}`)
	})
	n, err := NewVirusTotal(srv.Client(), srv.URL, "vk", "", quietLogger()).IPReport(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCrtShCapsEntries(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "%.example.com", r.URL.Query().Get("q"))
		_, _ = io.WriteString(w, "[")
		for i := 0; i < 60; i++ {
			if i > 0 {
				_, _ = io.WriteString(w, ",")
			}
			_, _ = io.WriteString(w, `{"id":1,"common_name":"www.example.com","name_value":"www.example.com","issuer_name":"C=US, O=Let's Encrypt"}`)
		}
		_, _ = io.WriteString(w, "]")
	})
	entries, err := NewCrtSh(srv.Client(), srv.URL, "", quietLogger()).Certificates(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Len(t, entries, 50)
	assert.Equal(t, "www.example.com", entries[0].CommonName)
}

func TestGitHubSearchCode(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gt", r.Header.Get("Authorization"))
		assert.Equal(t, "5", r.URL.Query().Get("per_page"))
		_, _ = io.WriteString(w, `{"items":[{"path":".env","html_url":"https://github.com/acme/app/blob/main/.env","repository":{"full_name":"acme/app"}}]}`)
	})
	q := SecretQueries("example.com")[0]
	assert.Equal(t, `"example.com" password`, q)

	leaks, err := NewGitHub(srv.Client(), srv.URL, "gt", "", quietLogger()).SearchCode(context.Background(), q, 5)
	require.NoError(t, err)
	require.Len(t, leaks, 1)
	assert.Equal(t, "acme/app", leaks[0].Repository)
	assert.Equal(t, q, leaks[0].Query)
}

func TestFeedReader(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>CERT</title>
<item><title>Vulnérabilité chez Société Acmé</title><link>https://cert.example/1</link><pubDate>Mon, 02 Jan 2026 10:00:00 +0000</pubDate></item>
<item><title>Unrelated advisory</title><link>https://cert.example/2</link></item>
</channel></rss>`)
	})
	items, err := NewFeedReader(srv.Client(), "", quietLogger()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, srv.URL, items[0].Feed)
	assert.True(t, MentionsVendor(items[0].Title, "acme"))
	assert.False(t, MentionsVendor(items[1].Title, "acme"))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "societe generale", NormalizeText("Société Générale"))
	assert.False(t, MentionsVendor("anything", "ab"))
}

func TestPageFetcher(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/privacy" {
			_, _ = io.WriteString(w, "<html>privacy</html>")
			return
		}
		http.NotFound(w, r)
	})
	p := NewPageFetcher(srv.Client(), "", quietLogger())
	status, body, err := p.Fetch(context.Background(), srv.URL+"/privacy")
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Contains(t, body, "privacy")

	status, _, err = p.Fetch(context.Background(), srv.URL+"/legal")
	require.NoError(t, err)
	assert.Equal(t, 404, status)
}
