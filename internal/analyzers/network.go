package analyzers

import (
	"context"
	"fmt"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

var (
	riskyPorts = map[int]bool{
		21: true, 23: true, 25: true, 110: true, 135: true, 139: true, 445: true,
		1433: true, 1521: true, 3306: true, 3389: true, 5432: true, 5900: true,
	}
	highRiskPorts = map[int]bool{3389: true, 445: true, 23: true}
	expectedPorts = map[int]bool{80: true, 443: true}
)

// NetworkAnalyzer (D1) flags exposed risky ports and cleartext TCP services.
type NetworkAnalyzer struct{ base }

func NewNetworkAnalyzer() *NetworkAnalyzer {
	return &NetworkAnalyzer{base{models.DomainNetwork}}
}

func (a *NetworkAnalyzer) Analyze(_ context.Context, target string, raw *models.RawData) (models.DomainResult, error) {
	if raw == nil || raw.Network == nil {
		return models.DomainResult{}, a.noData()
	}
	services := raw.Network.Services
	var findings []models.Finding

	for _, svc := range services {
		if !riskyPorts[svc.Port] {
			continue
		}
		sev := models.SeverityMedium
		if highRiskPorts[svc.Port] {
			sev = models.SeverityHigh
		}
		name := svc.Product
		if name == "" {
			name = "unknown"
		}
		f := a.finding(sev, "shodan",
			fmt.Sprintf("Risky port open: %d", svc.Port),
			fmt.Sprintf("Port %d (%s) is publicly exposed.", svc.Port, name),
			fmt.Sprintf("Close or restrict access to port %d.", svc.Port))
		f.Evidence = fmt.Sprintf("port %d/%s detected on %s", svc.Port, transportOf(svc), hostOf(svc, target))
		findings = append(findings, f)
	}

	for _, svc := range services {
		if svc.Transport != "tcp" || svc.TLS || expectedPorts[svc.Port] {
			continue
		}
		f := a.finding(models.SeverityMedium, "shodan",
			fmt.Sprintf("Unencrypted service: port %d", svc.Port),
			"Service reachable without TLS encryption.",
			"Enable TLS on this service.")
		f.Evidence = fmt.Sprintf("tcp/%d on %s", svc.Port, hostOf(svc, target))
		findings = append(findings, f)
	}

	confidence := 0.3
	if len(services) > 0 {
		confidence = 0.8
	}
	return a.result(findings, confidence, map[string]interface{}{
		"open_ports": len(services),
		"ips":        len(raw.Network.IPs),
	}), nil
}

func transportOf(svc models.Service) string {
	if svc.Transport == "" {
		return "tcp"
	}
	return svc.Transport
}

func hostOf(svc models.Service, target string) string {
	if svc.IP != "" {
		return svc.IP
	}
	return target
}
