package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const DefaultShodanURL = "https://api.shodan.io"

type Shodan struct {
	Base
	apiKey string
}

func NewShodan(httpClient *http.Client, baseURL, apiKey, userAgent string, logger *logrus.Logger) *Shodan {
	return &Shodan{Base: newBase(httpClient, baseURL, DefaultShodanURL, userAgent, logger), apiKey: apiKey}
}

func (s *Shodan) Name() string { return "shodan" }

// Resolve returns the first IPv4 Shodan knows for domain, or "" when none.
func (s *Shodan) Resolve(ctx context.Context, domain string) (string, error) {
	q := url.Values{"hostnames": {domain}, "key": {s.apiKey}}
	var out map[string]*string
	if err := s.getJSON(ctx, "shodan", s.url("/dns/resolve?"+q.Encode()), nil, &out); err != nil {
		return "", err
	}
	if ip := out[domain]; ip != nil {
		return *ip, nil
	}
	return "", nil
}

type shodanHost struct {
	IPStr string   `json:"ip_str"`
	Ports []int    `json:"ports"`
	Vulns []string `json:"vulns"`
	Data  []struct {
		Port      int            `json:"port"`
		Transport string         `json:"transport"`
		Product   string         `json:"product"`
		Version   string         `json:"version"`
		SSL       map[string]any `json:"ssl"`
	} `json:"data"`
}

// Host resolves domain and returns the exposed services of its first address.
func (s *Shodan) Host(ctx context.Context, domain string) (*models.NetworkData, error) {
	ip, err := s.Resolve(ctx, domain)
	if err != nil {
		return nil, err
	}
	out := &models.NetworkData{IPs: []string{}, Services: []models.Service{}}
	if ip == "" {
		return out, nil
	}

	q := url.Values{"key": {s.apiKey}}
	var host shodanHost
	err = s.getJSON(ctx, "shodan", s.url(fmt.Sprintf("/shodan/host/%s?%s", url.PathEscape(ip), q.Encode())), nil, &host)
	if IsNotFound(err) {
		out.IPs = append(out.IPs, ip)
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	out.IPs = append(out.IPs, ip)
	seen := make(map[string]bool)
	for _, d := range host.Data {
		transport := strings.ToLower(d.Transport)
		if transport == "" {
			transport = "tcp"
		}
		key := fmt.Sprintf("%s/%d", transport, d.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Services = append(out.Services, models.Service{
			IP:        ip,
			Port:      d.Port,
			Transport: transport,
			Product:   d.Product,
			Version:   d.Version,
			TLS:       d.SSL != nil,
		})
	}
	// ports Shodan lists without a banner
	for _, p := range host.Ports {
		key := fmt.Sprintf("tcp/%d", p)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Services = append(out.Services, models.Service{IP: ip, Port: p, Transport: "tcp"})
	}
	out.Vulns = host.Vulns
	return out, nil
}
