package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSClient is the lookup surface the checks run on. The production
// implementation queries public resolvers with miekg/dns; tests substitute
// fakes. Lookup errors mean "signal absent", never a failed evaluation.
type DNSClient interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupA(ctx context.Context, name string) ([]string, error)
	LookupPTR(ctx context.Context, ip string) ([]string, error)
}

// dnsClient resolves against public DNS servers
type dnsClient struct {
	client  *dns.Client
	servers []string
}

// NewDNSClient builds the production DNS client
func NewDNSClient(timeout time.Duration) DNSClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &dnsClient{
		client: &dns.Client{
			Timeout: timeout,
		},
		servers: []string{"8.8.8.8:53", "1.1.1.1:53"},
	}
}

func (c *dnsClient) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range c.servers {
		resp, _, err := c.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns query for %s returned rcode %d", name, resp.Rcode)
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no dns servers configured")
	}
	return nil, lastErr
}

func (c *dnsClient) LookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := c.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var records []string
	for _, answer := range resp.Answer {
		if txt, ok := answer.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records, nil
}

func (c *dnsClient) LookupA(ctx context.Context, name string) ([]string, error) {
	resp, err := c.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, answer := range resp.Answer {
		if a, ok := answer.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs, nil
}

func (c *dnsClient) LookupPTR(ctx context.Context, ip string) ([]string, error) {
	reverse, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, err
	}

	resp, err := c.exchange(ctx, strings.TrimSuffix(reverse, "."), dns.TypePTR)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, answer := range resp.Answer {
		if ptr, ok := answer.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names, nil
}

// checkSPF reports whether the domain publishes an SPF policy
func checkSPF(ctx context.Context, client DNSClient, domain string) bool {
	records, err := client.LookupTXT(ctx, domain)
	if err != nil {
		return false
	}
	for _, record := range records {
		if strings.HasPrefix(strings.TrimSpace(record), "v=spf1") {
			return true
		}
	}
	return false
}

// checkDKIM reports whether a DKIM key is published. When the selector is
// unknown the common selector names are probed in order.
func checkDKIM(ctx context.Context, client DNSClient, domain, selector string, probeSelectors []string) bool {
	selectors := probeSelectors
	if selector != "" {
		selectors = []string{selector}
	}

	for _, sel := range selectors {
		name := fmt.Sprintf("%s._domainkey.%s", sel, domain)
		records, err := client.LookupTXT(ctx, name)
		if err != nil {
			continue
		}
		for _, record := range records {
			trimmed := strings.TrimSpace(record)
			if strings.Contains(trimmed, "v=DKIM1") || strings.Contains(trimmed, "p=") {
				return true
			}
		}
	}
	return false
}

// checkDMARC returns the published DMARC policy token, or "" when absent
func checkDMARC(ctx context.Context, client DNSClient, domain string) string {
	records, err := client.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return ""
	}

	for _, record := range records {
		trimmed := strings.TrimSpace(record)
		if !strings.HasPrefix(trimmed, "v=DMARC1") {
			continue
		}
		for _, part := range strings.Split(trimmed, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "p=") {
				return strings.ToLower(strings.TrimPrefix(part, "p="))
			}
		}
	}
	return ""
}

// checkPTR reports whether the sending IP has reverse DNS
func checkPTR(ctx context.Context, client DNSClient, ip string) bool {
	if net.ParseIP(ip) == nil {
		return false
	}
	names, err := client.LookupPTR(ctx, ip)
	if err != nil {
		return false
	}
	return len(names) > 0
}

// checkBlacklist probes the reversed IP against each DNSBL zone. Any A
// answer means the IP is listed.
func checkBlacklist(ctx context.Context, client DNSClient, ip string, zones []string) bool {
	reversed := reverseIPv4(ip)
	if reversed == "" {
		return false
	}

	for _, zone := range zones {
		addrs, err := client.LookupA(ctx, reversed+"."+zone)
		if err != nil {
			continue
		}
		if len(addrs) > 0 {
			return true
		}
	}
	return false
}

// reverseIPv4 returns the octet-reversed form used by DNSBL zones
func reverseIPv4(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0])
}
