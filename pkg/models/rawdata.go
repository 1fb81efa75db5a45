package models

// RawData is the typed OSINT payload consumed by the domain analyzers. A nil
// section means the collector could not gather it.
type RawData struct {
	Domain     string          `json:"domain"`
	Network    *NetworkData    `json:"D1_network,omitempty"`
	DNS        *DNSData        `json:"D2_dns,omitempty"`
	Web        *WebData        `json:"D3_web,omitempty"`
	Email      *EmailData      `json:"D4_email,omitempty"`
	Patching   *PatchingData   `json:"D5_patching,omitempty"`
	Reputation *ReputationData `json:"D6_reputation,omitempty"`
	Leaks      *LeaksData      `json:"D7_leaks,omitempty"`
	Regulatory *RegulatoryData `json:"D8_regulatory,omitempty"`
}

func (*RawData) PayloadKind() string { return "osint" }

type Service struct {
	IP        string `json:"ip,omitempty"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Product   string `json:"product,omitempty"`
	Version   string `json:"version,omitempty"`
	TLS       bool   `json:"tls"`
}

type NetworkData struct {
	IPs      []string  `json:"ips"`
	Services []Service `json:"ports"`
	Vulns    []string  `json:"vulns,omitempty"`
}

type DNSData struct {
	A             []string `json:"a"`
	AAAA          []string `json:"aaaa"`
	MX            []string `json:"mx"`
	NS            []string `json:"ns"`
	TXT           []string `json:"txt"`
	CAA           []string `json:"caa"`
	SPF           bool     `json:"spf"`
	SPFRecord     string   `json:"spf_record,omitempty"`
	DMARC         bool     `json:"dmarc"`
	DMARCRecord   string   `json:"dmarc_record,omitempty"`
	DMARCPolicy   string   `json:"dmarc_policy,omitempty"`
	DKIM          bool     `json:"dkim"`
	DKIMSelectors []string `json:"dkim_selectors,omitempty"`
	DNSSEC        bool     `json:"dnssec"`
	MTASTS        bool     `json:"mta_sts"`
	BIMI          bool     `json:"bimi"`
}

type CertIssuer struct {
	Organization string `json:"organization,omitempty"`
	CommonName   string `json:"common_name,omitempty"`
}

type WebData struct {
	TLSVersion      string            `json:"tls_version,omitempty"`
	DaysUntilExpiry *int              `json:"days_until_expiry,omitempty"`
	Issuer          CertIssuer        `json:"issuer"`
	SANs            []string          `json:"san,omitempty"`
	ChainValid      bool              `json:"chain_valid"`
	OCSPStatus      string            `json:"ocsp_status,omitempty"`
	EmbeddedSCTs    int               `json:"embedded_scts"`
	Headers         map[string]string `json:"http_headers,omitempty"`
	Error           string            `json:"error,omitempty"`
}

type EmailData struct {
	MX          []string `json:"mx"`
	SPF         bool     `json:"spf"`
	DKIM        bool     `json:"dkim"`
	DMARC       bool     `json:"dmarc"`
	DMARCPolicy string   `json:"dmarc_policy,omitempty"`
	MTASTS      bool     `json:"mta_sts"`
	BIMI        bool     `json:"bimi"`
}

// EmailFromDNS derives the email-security view of a DNS lookup.
func EmailFromDNS(d *DNSData) *EmailData {
	if d == nil {
		return nil
	}
	return &EmailData{
		MX:          d.MX,
		SPF:         d.SPF,
		DKIM:        d.DKIM,
		DMARC:       d.DMARC,
		DMARCPolicy: d.DMARCPolicy,
		MTASTS:      d.MTASTS,
		BIMI:        d.BIMI,
	}
}

type CVE struct {
	ID          string  `json:"id"`
	CVSS        float64 `json:"cvss"`
	Description string  `json:"description,omitempty"`
	Published   string  `json:"published,omitempty"`
	Service     string  `json:"service,omitempty"`
}

type PatchingData struct {
	CVEs        []CVE    `json:"cves"`
	ShodanVulns []string `json:"shodan_vulns,omitempty"`
}

type IPReputation struct {
	IP          string `json:"ip"`
	AbuseScore  int    `json:"abuse_score"`
	VTMalicious int    `json:"vt_malicious"`
}

type ReputationData struct {
	Results     []IPReputation `json:"results"`
	AbuseScore  int            `json:"abuse_score"`
	VTMalicious int            `json:"vt_malicious"`
	Blacklists  []string       `json:"blacklists,omitempty"`
}

type Breach struct {
	Name       string `json:"name"`
	BreachDate string `json:"breach_date,omitempty"`
	PwnCount   int    `json:"pwn_count"`
}

type CodeLeak struct {
	Repository string `json:"repository"`
	Path       string `json:"path"`
	URL        string `json:"url"`
	Query      string `json:"query,omitempty"`
}

type CTEntry struct {
	ID         int64  `json:"id"`
	CommonName string `json:"common_name"`
	NameValue  string `json:"name_value"`
	Issuer     string `json:"issuer_name"`
	NotBefore  string `json:"not_before"`
	NotAfter   string `json:"not_after"`
}

type LeaksData struct {
	Breaches      []Breach   `json:"hibp"`
	GitHubSecrets []CodeLeak `json:"github_secrets,omitempty"`
	Certificates  []CTEntry  `json:"ct_logs,omitempty"`
}

type RegulatoryData struct {
	PrivacyPolicy  bool     `json:"privacy_policy"`
	PrivacyURL     string   `json:"privacy_url,omitempty"`
	LegalNotice    bool     `json:"legal_notices"`
	LegalURL       string   `json:"legal_url,omitempty"`
	Certifications []string `json:"certifications"`
}

type FeedItem struct {
	Feed      string `json:"feed"`
	Title     string `json:"title"`
	Link      string `json:"link"`
	Published string `json:"published,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// LeakMonitorData is the dark-web and leak monitoring payload.
type LeakMonitorData struct {
	Breaches     []Breach   `json:"breaches"`
	Secrets      []CodeLeak `json:"potential_secrets"`
	FeedMentions []FeedItem `json:"feed_mentions"`
	Alerts       []Alert    `json:"alerts"`
}

func (*LeakMonitorData) PayloadKind() string { return "darkweb" }

type ProviderShare struct {
	Provider string  `json:"provider"`
	Count    int     `json:"count"`
	Ratio    float64 `json:"ratio"`
}

type ConcentrationRisk struct {
	Threshold               float64         `json:"threshold"`
	ProvidersAboveThreshold []ProviderShare `json:"providers_above_threshold"`
	Alert                   bool            `json:"alert"`
	TotalDependencies       int             `json:"total_dependencies"`
	UniqueProviders         int             `json:"unique_providers"`
}

type DependencyGraph struct {
	Vendor            string   `json:"vendor"`
	N1Dependencies    []string `json:"n1_dependencies"`
	TotalDependencies int      `json:"total_dependencies"`
}

// SupplyChainData is the Nth-party dependency payload.
type SupplyChainData struct {
	CloudProviders    []string          `json:"cloud_providers"`
	CDNHosters        []string          `json:"cdn_hosters"`
	DependencyGraph   DependencyGraph   `json:"dependency_graph"`
	ConcentrationRisk ConcentrationRisk `json:"concentration_risk"`
}

func (*SupplyChainData) PayloadKind() string { return "nthparty" }
