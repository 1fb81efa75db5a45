package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const DefaultGitHubURL = "https://api.github.com"

type GitHub struct {
	Base
	token string
}

func NewGitHub(httpClient *http.Client, baseURL, token, userAgent string, logger *logrus.Logger) *GitHub {
	return &GitHub{Base: newBase(httpClient, baseURL, DefaultGitHubURL, userAgent, logger), token: token}
}

func (g *GitHub) Name() string { return "github" }

// SecretQueries are the code-search queries run against a vendor domain.
func SecretQueries(domain string) []string {
	return []string{
		fmt.Sprintf("%q password", domain),
		fmt.Sprintf("%q api_key OR apikey OR api-key", domain),
	}
}

// SearchCode runs a GitHub code search and returns the matching files.
func (g *GitHub) SearchCode(ctx context.Context, query string, perPage int) ([]models.CodeLeak, error) {
	if perPage <= 0 {
		perPage = 5
	}
	var out struct {
		Items []struct {
			Path       string `json:"path"`
			HTMLURL    string `json:"html_url"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		} `json:"items"`
	}
	headers := map[string]string{"Accept": "application/vnd.github+json"}
	if g.token != "" {
		headers["Authorization"] = "Bearer " + g.token
	}
	q := url.Values{"q": {query}, "per_page": {strconv.Itoa(perPage)}}
	if err := g.getJSON(ctx, "github", g.url("/search/code?"+q.Encode()), headers, &out); err != nil {
		return nil, err
	}
	leaks := make([]models.CodeLeak, 0, len(out.Items))
	for _, it := range out.Items {
		leaks = append(leaks, models.CodeLeak{
			Repository: it.Repository.FullName,
			Path:       it.Path,
			URL:        it.HTMLURL,
			Query:      query,
		})
	}
	return leaks, nil
}
