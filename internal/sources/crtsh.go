package sources

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const (
	DefaultCrtShURL = "https://crt.sh"
	maxCTEntries    = 50
)

type CrtSh struct {
	Base
}

func NewCrtSh(httpClient *http.Client, baseURL, userAgent string, logger *logrus.Logger) *CrtSh {
	return &CrtSh{Base: newBase(httpClient, baseURL, DefaultCrtShURL, userAgent, logger)}
}

func (c *CrtSh) Name() string { return "crtsh" }

// Certificates returns up to 50 CT log entries covering domain and its subdomains.
func (c *CrtSh) Certificates(ctx context.Context, domain string) ([]models.CTEntry, error) {
	q := url.Values{"q": {"%." + domain}, "output": {"json"}}
	var out []models.CTEntry
	if err := c.getJSON(ctx, "crtsh", c.url("/?"+q.Encode()), nil, &out); err != nil {
		return nil, err
	}
	if len(out) > maxCTEntries {
		out = out[:maxCTEntries]
	}
	if out == nil {
		out = []models.CTEntry{}
	}
	return out, nil
}
