package sources

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

const (
	DefaultAbuseIPDBURL  = "https://api.abuseipdb.com/api/v2"
	DefaultVirusTotalURL = "https://www.virustotal.com/api/v3"
)

type AbuseIPDB struct {
	Base
	apiKey string
}

func NewAbuseIPDB(httpClient *http.Client, baseURL, apiKey, userAgent string, logger *logrus.Logger) *AbuseIPDB {
	return &AbuseIPDB{Base: newBase(httpClient, baseURL, DefaultAbuseIPDBURL, userAgent, logger), apiKey: apiKey}
}

func (a *AbuseIPDB) Name() string { return "abuseipdb" }

// CheckIP returns the abuse confidence score (0-100) over the last 90 days.
func (a *AbuseIPDB) CheckIP(ctx context.Context, ip string) (int, error) {
	var out struct {
		Data struct {
			AbuseConfidenceScore int `json:"abuseConfidenceScore"`
		} `json:"data"`
	}
	q := url.Values{"ipAddress": {ip}, "maxAgeInDays": {"90"}}
	if err := a.getJSON(ctx, "abuseipdb", a.url("/check?"+q.Encode()), map[string]string{"Key": a.apiKey}, &out); err != nil {
		return 0, err
	}
	return out.Data.AbuseConfidenceScore, nil
}

type VirusTotal struct {
	Base
	apiKey string
}

func NewVirusTotal(httpClient *http.Client, baseURL, apiKey, userAgent string, logger *logrus.Logger) *VirusTotal {
	return &VirusTotal{Base: newBase(httpClient, baseURL, DefaultVirusTotalURL, userAgent, logger), apiKey: apiKey}
}

func (v *VirusTotal) Name() string { return "virustotal" }

// IPReport returns how many engines flag ip as malicious.
func (v *VirusTotal) IPReport(ctx context.Context, ip string) (int, error) {
	var out struct {
		Data struct {
			Attributes struct {
				LastAnalysisStats struct {
					Malicious int `json:"malicious"`
				} `json:"last_analysis_stats"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := v.getJSON(ctx, "virustotal", v.url("/ip_addresses/"+url.PathEscape(ip)), map[string]string{"x-apikey": v.apiKey}, &out); err != nil {
		return 0, err
	}
	return out.Data.Attributes.LastAnalysisStats.Malicious, nil
}
