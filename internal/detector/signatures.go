package detector

import (
	"strings"
)

// signature describes how a provider shows up in MX hostnames and SMTP
// greeting banners
type signature struct {
	provider     Provider
	mxSuffixes   []string
	bannerTokens []string
}

// signatures is the provider signature table, in deterministic evaluation
// order. Ordering matters only for tie-breaking: earlier entries win equal
// scores.
var signatures = []signature{
	{
		provider:     ProviderGoogle,
		mxSuffixes:   []string{".aspmx.l.google.com", "aspmx.l.google.com", ".googlemail.com", ".google.com"},
		bannerTokens: []string{"google", "gmail", "gsmtp"},
	},
	{
		provider:     ProviderMicrosoft,
		mxSuffixes:   []string{".mail.protection.outlook.com", ".olc.protection.outlook.com"},
		bannerTokens: []string{"microsoft", "outlook", "office365"},
	},
	{
		provider:     ProviderZoho,
		mxSuffixes:   []string{".zoho.com", ".zohomail.com", ".zoho.eu"},
		bannerTokens: []string{"zoho"},
	},
	{
		provider:     ProviderYahoo,
		mxSuffixes:   []string{".yahoodns.net", ".yahoo.com"},
		bannerTokens: []string{"yahoo"},
	},
	{
		provider:     ProviderProofpoint,
		mxSuffixes:   []string{".pphosted.com", ".ppe-hosted.com", ".proofpoint.com"},
		bannerTokens: []string{"proofpoint", "pphosted"},
	},
	{
		provider:     ProviderMimecast,
		mxSuffixes:   []string{".mimecast.com", ".mimecast.co.za", ".mimecast-offshore.com"},
		bannerTokens: []string{"mimecast"},
	},
	{
		provider:     ProviderBarracuda,
		mxSuffixes:   []string{".barracudanetworks.com", ".ess.barracudanetworks.com", ".barracuda.com"},
		bannerTokens: []string{"barracuda"},
	},
}

// matchMX reports whether an MX hostname carries this provider's signature
func (s *signature) matchMX(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, suffix := range s.mxSuffixes {
		if strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".") {
			return true
		}
	}
	return false
}

// matchBanner reports whether a greeting banner names this provider
func (s *signature) matchBanner(banner string) bool {
	if banner == "" {
		return false
	}
	banner = strings.ToLower(banner)
	for _, token := range s.bannerTokens {
		if strings.Contains(banner, token) {
			return true
		}
	}
	return false
}
