package sources

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const DefaultHIBPURL = "https://haveibeenpwned.com/api/v3"

type HIBP struct {
	Base
	apiKey string
}

func NewHIBP(httpClient *http.Client, baseURL, apiKey, userAgent string, logger *logrus.Logger) *HIBP {
	return &HIBP{Base: newBase(httpClient, baseURL, DefaultHIBPURL, userAgent, logger), apiKey: apiKey}
}

func (h *HIBP) Name() string { return "hibp" }

// BreachesForDomain lists breaches attributed to domain. A 404 means none.
func (h *HIBP) BreachesForDomain(ctx context.Context, domain string) ([]models.Breach, error) {
	var raw []struct {
		Name       string `json:"Name"`
		BreachDate string `json:"BreachDate"`
		PwnCount   int    `json:"PwnCount"`
	}
	q := url.Values{"domain": {domain}}
	err := h.getJSON(ctx, "hibp", h.url("/breaches?"+q.Encode()), map[string]string{"hibp-api-key": h.apiKey}, &raw)
	if IsNotFound(err) {
		return []models.Breach{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.Breach, 0, len(raw))
	for _, b := range raw {
		out = append(out, models.Breach{Name: b.Name, BreachDate: b.BreachDate, PwnCount: b.PwnCount})
	}
	return out, nil
}
