package detector

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"
)

// Signal weights. MX patterns dominate, the banner corroborates, and a
// consistent MX picture earns a small bonus.
const (
	mxWeight         = 0.6
	bannerWeight     = 0.3
	consistencyBonus = 0.1

	// selfHostedScore is assigned when MX records exist but match no
	// known signature
	selfHostedScore = 0.4
)

// Resolver performs the MX lookups detection needs. net.Resolver satisfies
// the production path; tests substitute fakes.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// BannerDialer reads the SMTP greeting banner from a host. Absence of a
// banner is a missing signal, never an error the caller must handle.
type BannerDialer interface {
	ReadBanner(ctx context.Context, host string, port int) (string, error)
}

// Config holds detector settings
type Config struct {
	ProbePort    int
	ProbeTimeout time.Duration
}

// DefaultConfig returns sensible detector defaults
func DefaultConfig() *Config {
	return &Config{
		ProbePort:    25,
		ProbeTimeout: 4 * time.Second,
	}
}

// Detector resolves a recipient domain's receiving provider from weighted
// DNS and SMTP-banner signals
type Detector struct {
	config   *Config
	resolver Resolver
	dialer   BannerDialer
	logger   *slog.Logger
}

// NewDetector creates a detector. Nil resolver or dialer selects the
// network-backed defaults.
func NewDetector(config *Config, resolver Resolver, dialer BannerDialer) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	if resolver == nil {
		resolver = &netResolver{timeout: config.ProbeTimeout}
	}
	if dialer == nil {
		dialer = &bannerProber{timeout: config.ProbeTimeout}
	}

	return &Detector{
		config:   config,
		resolver: resolver,
		dialer:   dialer,
		logger:   slog.Default().With("component", "detector"),
	}
}

// NormalizeDomain extracts and lowercases the domain from an address or a
// bare domain
func NormalizeDomain(input string) string {
	input = strings.TrimSpace(strings.ToLower(input))
	if at := strings.LastIndex(input, "@"); at != -1 {
		input = input[at+1:]
	}
	return strings.TrimSuffix(input, ".")
}

// Detect resolves the receiving provider for a recipient address or domain.
// Deterministic for identical signal inputs.
func (d *Detector) Detect(ctx context.Context, input string) (*Result, error) {
	domain := NormalizeDomain(input)
	if domain == "" {
		return nil, fmt.Errorf("cannot detect provider for empty domain")
	}

	result := &Result{
		Domain:     domain,
		DetectedAt: time.Now(),
	}

	mxRecords, err := d.resolver.LookupMX(ctx, domain)
	if err != nil || len(mxRecords) == 0 {
		d.logger.Debug("MX resolution failed",
			"domain", domain,
			"error", err)
		result.Provider = ProviderUnknown
		result.Confidence = ConfidenceForScore(0)
		return result, nil
	}

	// Stable ordering: preference first, then hostname
	sort.SliceStable(mxRecords, func(i, j int) bool {
		if mxRecords[i].Pref != mxRecords[j].Pref {
			return mxRecords[i].Pref < mxRecords[j].Pref
		}
		return mxRecords[i].Host < mxRecords[j].Host
	})

	hosts := make([]string, len(mxRecords))
	for i, mx := range mxRecords {
		hosts[i] = strings.TrimSuffix(strings.ToLower(mx.Host), ".")
	}
	result.Signals.MXHosts = hosts

	// Banner from the highest-priority MX. Timeout or refusal scores zero,
	// it does not fail the detection.
	banner, err := d.dialer.ReadBanner(ctx, hosts[0], d.config.ProbePort)
	if err != nil {
		d.logger.Debug("banner probe yielded no signal",
			"domain", domain,
			"mx", hosts[0],
			"error", err)
		banner = ""
	}
	result.Signals.Banner = banner

	provider, score := scoreSignals(hosts, banner)
	if score <= 0 {
		// MX records exist but match nothing we know
		provider = ProviderSelfHosted
		score = selfHostedScore
	}

	result.Provider = provider
	result.Score = clipScore(score)
	result.Confidence = ConfidenceForScore(result.Score)

	d.logger.Debug("detection completed",
		"domain", domain,
		"provider", result.Provider,
		"score", result.Score,
		"confidence", result.Confidence)

	return result, nil
}

// scoreSignals computes the weighted provider scores and returns the winner
func scoreSignals(mxHosts []string, banner string) (Provider, float64) {
	type scored struct {
		provider Provider
		mxScore  float64
		total    float64
	}

	results := make([]scored, 0, len(signatures))
	for i := range signatures {
		sig := &signatures[i]

		matched := 0
		for _, host := range mxHosts {
			if sig.matchMX(host) {
				matched++
			}
		}
		mxScore := mxWeight * float64(matched) / float64(len(mxHosts))

		total := mxScore
		if sig.matchBanner(banner) {
			total += bannerWeight
		}

		results = append(results, scored{provider: sig.provider, mxScore: mxScore, total: total})
	}

	// Consistency bonus: exactly one provider dominated the MX picture
	dominant := -1
	for i, r := range results {
		if r.mxScore >= mxWeight {
			if dominant != -1 {
				dominant = -1
				break
			}
			dominant = i
		}
	}
	if dominant != -1 {
		results[dominant].total += consistencyBonus
	}

	winner := Provider("")
	best := 0.0
	for _, r := range results {
		if r.total > best {
			best = r.total
			winner = r.provider
		}
	}

	return winner, best
}

func clipScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// netResolver is the production Resolver on net.DefaultResolver
type netResolver struct {
	timeout time.Duration
}

func (r *netResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return net.DefaultResolver.LookupMX(lookupCtx, domain)
}

// bannerProber opens a raw connection and reads the greeting line
type bannerProber struct {
	timeout time.Duration
}

func (p *bannerProber) ReadBanner(ctx context.Context, host string, port int) (string, error) {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
		return "", err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}

	return strings.TrimSpace(line), nil
}
