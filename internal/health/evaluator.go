package health

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/courier-mta/courier/internal/metrics"
	"github.com/courier-mta/courier/internal/store"
)

// Score weights. Authentication posture carries most of the score; bounce
// behavior adjusts it at the edges.
const (
	spfPoints         = 20
	dkimPoints        = 25
	dmarcPoints       = 20 // only for an enforcing (reject) policy
	ptrPoints         = 15
	cleanIPPoints     = 20
	lowBounceBonus    = 10
	highBouncePenalty = 20

	lowBounceThreshold  = 0.02
	highBounceThreshold = 0.05

	bounceLookback = 7 * 24 * time.Hour
)

// Config holds evaluator settings
type Config struct {
	BatchSize     int
	DNSBLZones    []string
	DKIMSelectors []string
	DNSTimeout    time.Duration
}

// DefaultConfig returns the standard evaluator settings
func DefaultConfig() *Config {
	return &Config{
		BatchSize: 5,
		DNSBLZones: []string{
			"zen.spamhaus.org",
			"bl.spamcop.net",
			"b.barracudacentral.org",
			"dnsbl.sorbs.net",
		},
		DKIMSelectors: []string{
			"default", "google", "selector1", "selector2",
			"k1", "s1", "s2", "mail", "dkim", "zoho",
		},
		DNSTimeout: 5 * time.Second,
	}
}

// Evaluator computes sender reputation from DNS authentication posture,
// blacklist standing and recent bounce behavior
type Evaluator struct {
	config *Config
	dns    DNSClient
	store  store.Store
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. A nil DNS client selects the
// network-backed default.
func NewEvaluator(config *Config, client DNSClient, st store.Store) *Evaluator {
	if config == nil {
		config = DefaultConfig()
	}
	if client == nil {
		client = NewDNSClient(config.DNSTimeout)
	}

	return &Evaluator{
		config: config,
		dns:    client,
		store:  st,
		logger: slog.Default().With("component", "health-evaluator"),
	}
}

// Evaluate runs every check for one sender and upserts its health row.
// Individual check failures read as missing signals, not errors.
func (e *Evaluator) Evaluate(ctx context.Context, sender *store.Sender) (*store.SenderHealth, error) {
	now := time.Now()

	health := &store.SenderHealth{
		SenderID:      sender.ID,
		SPFValid:      checkSPF(ctx, e.dns, sender.Domain),
		DKIMValid:     checkDKIM(ctx, e.dns, sender.Domain, sender.DKIMSelector, e.config.DKIMSelectors),
		DMARCPolicy:   checkDMARC(ctx, e.dns, sender.Domain),
		LastCheckedAt: now,
	}

	if sender.SendingIP != "" {
		health.PTRValid = checkPTR(ctx, e.dns, sender.SendingIP)
		health.Blacklisted = checkBlacklist(ctx, e.dns, sender.SendingIP, e.config.DNSBLZones)
	}

	since := now.Add(-bounceLookback)
	sent, err := e.store.CountSentSince(ctx, sender.ID, since)
	if err != nil {
		return nil, err
	}
	bounced, err := e.store.CountBouncesSince(ctx, sender.ID, since)
	if err != nil {
		return nil, err
	}
	if sent > 0 {
		health.BounceRate = float64(bounced) / float64(sent)
	}

	health.ReputationScore = scoreHealth(health)
	health.HealthStatus = statusForScore(health.ReputationScore)

	if err := e.store.UpsertSenderHealth(ctx, health); err != nil {
		return nil, err
	}

	metrics.SenderReputation.WithLabelValues(sender.Domain).Set(float64(health.ReputationScore))

	e.logger.Info("sender health evaluated",
		"sender_id", sender.ID,
		"domain", sender.Domain,
		"score", health.ReputationScore,
		"status", health.HealthStatus,
		"bounce_rate", health.BounceRate)

	return health, nil
}

// RunCycle evaluates every verified sender in bounded-concurrency batches.
// One sender's failure never aborts the cycle.
func (e *Evaluator) RunCycle(ctx context.Context) error {
	senders, err := e.store.ListVerifiedSenders(ctx)
	if err != nil {
		return err
	}

	e.logger.Info("starting health cycle", "senders", len(senders))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.BatchSize)

	for i := range senders {
		sender := senders[i]
		g.Go(func() error {
			if _, err := e.Evaluate(gctx, &sender); err != nil {
				e.logger.Error("sender evaluation failed",
					"sender_id", sender.ID,
					"domain", sender.Domain,
					"error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	metrics.HealthCyclesCompleted.Inc()
	e.logger.Info("health cycle completed", "senders", len(senders))

	return nil
}

// scoreHealth computes the composite reputation score, clipped to [0,100]
func scoreHealth(h *store.SenderHealth) int {
	score := 0

	if h.SPFValid {
		score += spfPoints
	}
	if h.DKIMValid {
		score += dkimPoints
	}
	if h.DMARCPolicy == "reject" {
		score += dmarcPoints
	}
	if h.PTRValid {
		score += ptrPoints
	}
	if !h.Blacklisted {
		score += cleanIPPoints
	}

	if h.BounceRate < lowBounceThreshold {
		score += lowBounceBonus
	} else if h.BounceRate > highBounceThreshold {
		score -= highBouncePenalty
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// statusForScore buckets a reputation score into a health status
func statusForScore(score int) string {
	switch {
	case score >= 80:
		return store.HealthHealthy
	case score >= 60:
		return store.HealthDegraded
	case score >= 40:
		return store.HealthAtRisk
	default:
		return store.HealthCritical
	}
}
