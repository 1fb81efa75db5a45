package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

const maxPageBody = 1 << 20

type PageFetcher struct {
	Base
}

func NewPageFetcher(httpClient *http.Client, userAgent string, logger *logrus.Logger) *PageFetcher {
	return &PageFetcher{Base: newBase(httpClient, "", "", userAgent, logger)}
}

func (p *PageFetcher) Name() string { return "web" }

// Fetch returns the status and at most 1 MiB of body. Non-2xx statuses are not errors.
func (p *PageFetcher) Fetch(ctx context.Context, pageURL string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("web: new request: %w", err)
	}
	req.Header.Set("User-Agent", p.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("web: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("web: read body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}
