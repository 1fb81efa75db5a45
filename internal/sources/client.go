// Package sources holds the narrow clients for each external intelligence source.
// Clients make a single request per call; retries, timeouts and rate limits are
// applied by the caller through the execution envelope.
package sources

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultUserAgent = "CyberScore/1.0 (+vendor risk scanner)"
	maxErrorBody     = 2048
	maxJSONBody      = 8 << 20
)

// HTTPError is a non-2xx answer from a source.
type HTTPError struct {
	Source string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Source, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Source, e.Status, e.Body)
}

func (e *HTTPError) StatusCode() int { return e.Status }

// NewHTTPClient builds the shared transport used by every HTTP source.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		Proxy:                 http.ProxyFromEnvironment,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Base carries what every HTTP source client needs.
type Base struct {
	HTTP      *http.Client
	BaseURL   string
	UserAgent string
	Logger    *logrus.Logger
}

func newBase(httpClient *http.Client, baseURL, defaultURL, userAgent string, logger *logrus.Logger) Base {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	if baseURL == "" {
		baseURL = defaultURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = logrus.New()
	}
	return Base{
		HTTP:      httpClient,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: userAgent,
		Logger:    logger,
	}
}

func (b Base) url(path string) string {
	return b.BaseURL + path
}

// getJSON issues a GET and decodes a 2xx JSON body into out.
func (b Base) getJSON(ctx context.Context, source, u string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: new request: %w", source, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: do request: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Source: source, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(out); err != nil {
		return fmt.Errorf("%s: parse response: %w", source, err)
	}
	return nil
}

// IsNotFound reports a 404 from a source.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusNotFound
}
