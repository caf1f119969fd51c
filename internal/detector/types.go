package detector

import (
	"time"
)

// Provider identifies the receiving mail system class for a domain
type Provider string

const (
	ProviderGoogle     Provider = "GOOGLE"
	ProviderMicrosoft  Provider = "MICROSOFT"
	ProviderZoho       Provider = "ZOHO"
	ProviderYahoo      Provider = "YAHOO"
	ProviderProofpoint Provider = "PROOFPOINT"
	ProviderMimecast   Provider = "MIMECAST"
	ProviderBarracuda  Provider = "BARRACUDA"
	ProviderSelfHosted Provider = "SELF_HOSTED"
	ProviderUnknown    Provider = "UNKNOWN"
)

// SecurityGateway reports whether the provider is a security-gateway vendor.
// Gateways get the strictest delivery policies.
func (p Provider) SecurityGateway() bool {
	switch p {
	case ProviderProofpoint, ProviderMimecast, ProviderBarracuda:
		return true
	}
	return false
}

// Confidence buckets the numeric detection score
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
	ConfidenceWeak   Confidence = "WEAK"
)

// ConfidenceForScore maps a clipped score onto a confidence bucket
func ConfidenceForScore(score float64) Confidence {
	switch {
	case score >= 0.9:
		return ConfidenceHigh
	case score >= 0.7:
		return ConfidenceMedium
	case score >= 0.5:
		return ConfidenceLow
	default:
		return ConfidenceWeak
	}
}

// Signals holds the raw inputs a detection was computed from
type Signals struct {
	MXHosts []string `json:"mx_hosts"`
	Banner  string   `json:"banner,omitempty"`
}

// Result is one detection outcome for a recipient domain
type Result struct {
	Domain     string     `json:"domain"`
	Provider   Provider   `json:"provider"`
	Confidence Confidence `json:"confidence"`
	Score      float64    `json:"score"`
	Signals    Signals    `json:"signals"`
	DetectedAt time.Time  `json:"detected_at"`
}
