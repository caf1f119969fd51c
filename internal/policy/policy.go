package policy

import (
	"github.com/courier-mta/courier/internal/detector"
	"github.com/courier-mta/courier/internal/store"
)

// DeliveryPolicy is the throughput contract a routed email carries to the
// delivery stage
type DeliveryPolicy struct {
	LimitPerMinute int  `json:"limitPerMinute"`
	ChunkSize      int  `json:"chunkSize"`
	DelayMs        int  `json:"delayMs"`
	InjectTracking bool `json:"injectTracking"`
}

// apiChannelFactor favors API-based senders over raw SMTP submission
const apiChannelFactor = 1.5

// Reputation scaling thresholds
const (
	scaleBelow80 = 0.75
	scaleBelow60 = 0.5
)

// Compute builds the delivery policy for a destination class, sender channel
// and reputation score. Security gateways get the strictest baseline.
func Compute(provider detector.Provider, senderType string, reputation int) DeliveryPolicy {
	p := baseline(provider)

	if senderType == store.SenderTypeGmail || senderType == store.SenderTypeOutlook {
		p.LimitPerMinute = int(float64(p.LimitPerMinute) * apiChannelFactor)
	}

	switch {
	case reputation < 60:
		p.LimitPerMinute = int(float64(p.LimitPerMinute) * scaleBelow60)
	case reputation < 80:
		p.LimitPerMinute = int(float64(p.LimitPerMinute) * scaleBelow80)
	}

	if p.LimitPerMinute < 1 {
		p.LimitPerMinute = 1
	}

	return p
}

// baseline is the per-destination-class policy table
func baseline(provider detector.Provider) DeliveryPolicy {
	if provider.SecurityGateway() {
		return DeliveryPolicy{
			LimitPerMinute: 5,
			ChunkSize:      10,
			DelayMs:        8000,
			InjectTracking: false,
		}
	}

	switch provider {
	case detector.ProviderGoogle, detector.ProviderMicrosoft:
		return DeliveryPolicy{
			LimitPerMinute: 8,
			ChunkSize:      20,
			DelayMs:        5000,
			InjectTracking: true,
		}
	case detector.ProviderZoho, detector.ProviderYahoo:
		return DeliveryPolicy{
			LimitPerMinute: 10,
			ChunkSize:      25,
			DelayMs:        4000,
			InjectTracking: true,
		}
	default:
		// SELF_HOSTED, UNKNOWN
		return DeliveryPolicy{
			LimitPerMinute: 15,
			ChunkSize:      40,
			DelayMs:        3000,
			InjectTracking: true,
		}
	}
}
