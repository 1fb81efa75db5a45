package sources

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const DefaultNVDURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

type NVD struct {
	Base
	apiKey string
}

func NewNVD(httpClient *http.Client, baseURL, apiKey, userAgent string, logger *logrus.Logger) *NVD {
	return &NVD{Base: newBase(httpClient, baseURL, DefaultNVDURL, userAgent, logger), apiKey: apiKey}
}

func (n *NVD) Name() string { return "nvd" }

type cvssMetric struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

type nvdResponse struct {
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Published    string `json:"published"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics struct {
				V31 []cvssMetric `json:"cvssMetricV31"`
				V30 []cvssMetric `json:"cvssMetricV30"`
				V2  []cvssMetric `json:"cvssMetricV2"`
			} `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

func (n *NVD) headers() map[string]string {
	if n.apiKey == "" {
		return nil
	}
	return map[string]string{"apiKey": n.apiKey}
}

// SearchCVEs runs a keyword search and returns at most limit CVEs.
func (n *NVD) SearchCVEs(ctx context.Context, keyword string, limit int) ([]models.CVE, error) {
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{"keywordSearch": {keyword}, "resultsPerPage": {strconv.Itoa(limit)}}
	var resp nvdResponse
	if err := n.getJSON(ctx, "nvd", n.BaseURL+"?"+q.Encode(), n.headers(), &resp); err != nil {
		return nil, err
	}
	out := convertNVD(resp)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LookupCVE fetches a single CVE by id; nil when NVD does not know it.
func (n *NVD) LookupCVE(ctx context.Context, id string) (*models.CVE, error) {
	q := url.Values{"cveId": {id}}
	var resp nvdResponse
	if err := n.getJSON(ctx, "nvd", n.BaseURL+"?"+q.Encode(), n.headers(), &resp); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := convertNVD(resp)
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func convertNVD(resp nvdResponse) []models.CVE {
	out := make([]models.CVE, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		c := models.CVE{ID: v.CVE.ID, Published: v.CVE.Published}
		for _, d := range v.CVE.Descriptions {
			if d.Lang == "en" {
				c.Description = d.Value
				break
			}
		}
		switch {
		case len(v.CVE.Metrics.V31) > 0:
			c.CVSS = v.CVE.Metrics.V31[0].CVSSData.BaseScore
		case len(v.CVE.Metrics.V30) > 0:
			c.CVSS = v.CVE.Metrics.V30[0].CVSSData.BaseScore
		case len(v.CVE.Metrics.V2) > 0:
			c.CVSS = v.CVE.Metrics.V2[0].CVSSData.BaseScore
		}
		out = append(out, c)
	}
	return out
}

// ServiceKeyword builds the NVD keyword for a product banner. Versions that parse
// as semver are reduced to major.minor.patch so build suffixes do not defeat the search.
func ServiceKeyword(product, version string) string {
	product = strings.TrimSpace(product)
	version = strings.TrimSpace(version)
	if version == "" {
		return product
	}
	if v, err := semver.NewVersion(version); err == nil {
		version = semver.New(v.Major(), v.Minor(), v.Patch(), "", "").String()
	}
	return strings.TrimSpace(product + " " + version)
}
