package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/courier-mta/courier/internal/cache"
	"github.com/courier-mta/courier/internal/metrics"
	"github.com/courier-mta/courier/internal/store"
)

// ViolationKind separates violations the caller may retry from those that
// must fail the message
type ViolationKind string

const (
	// KindRetryable means delay and requeue (provider minute window)
	KindRetryable ViolationKind = "retryable"
	// KindTerminal means fail the email, never retry (warmup day cap)
	KindTerminal ViolationKind = "terminal"
)

// Violation is returned when a rate window is exceeded
type Violation struct {
	Kind  ViolationKind
	Key   string
	Limit int64
	Count int64
}

func (v *Violation) Error() string {
	return fmt.Sprintf("rate window %s exceeded: %d/%d (%s)", v.Key, v.Count, v.Limit, v.Kind)
}

// Config holds the window parameters
type Config struct {
	ProviderWindow time.Duration
	ChunkWindow    time.Duration
	WarmupEnabled  bool
}

// DefaultConfig returns the standard window parameters
func DefaultConfig() *Config {
	return &Config{
		ProviderWindow: 60 * time.Second,
		ChunkWindow:    60 * time.Second,
		WarmupEnabled:  true,
	}
}

// WarmupSchedule supplies a sender's daily cap. The default ladder ramps
// volume by warmup age.
type WarmupSchedule interface {
	DailyCap(sender *store.Sender, now time.Time) int64
}

// LadderSchedule is the default day-based warmup ladder
type LadderSchedule struct{}

// DailyCap returns the cap for the sender's warmup age. Senders without a
// warmup start are treated as fully warmed.
func (LadderSchedule) DailyCap(sender *store.Sender, now time.Time) int64 {
	if sender.WarmupStartAt == nil {
		return 1000
	}

	days := int(now.Sub(*sender.WarmupStartAt).Hours() / 24)
	switch {
	case days < 3:
		return 20
	case days < 7:
		return 50
	case days < 14:
		return 100
	case days < 30:
		return 250
	case days < 60:
		return 500
	default:
		return 1000
	}
}

// Limiter enforces the fixed-window counters against the shared counter
// store. The increment/compare/decrement rollback is approximate under
// concurrent load; the windows are throttles, not hard quotas.
type Limiter struct {
	config   *Config
	counters cache.Cache
	schedule WarmupSchedule
	logger   *slog.Logger
}

// NewLimiter creates a limiter on the shared counter store. A nil schedule
// selects the default ladder.
func NewLimiter(config *Config, counters cache.Cache, schedule WarmupSchedule) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if schedule == nil {
		schedule = LadderSchedule{}
	}

	return &Limiter{
		config:   config,
		counters: counters,
		schedule: schedule,
		logger:   slog.Default().With("component", "ratelimit"),
	}
}

// CheckProvider reserves one send in the provider's minute window. On
// violation the reservation is released and a retryable Violation returned.
func (l *Limiter) CheckProvider(ctx context.Context, provider string, limit int64) error {
	key := fmt.Sprintf("rate:provider:%s", provider)

	count, err := l.counters.IncrementWithTTL(ctx, key, 1, l.config.ProviderWindow)
	if err != nil {
		return fmt.Errorf("provider window increment failed: %w", err)
	}

	if count > limit {
		if _, err := l.counters.Decrement(ctx, key, 1); err != nil {
			l.logger.Warn("failed to release provider window slot", "key", key, "error", err)
		}
		metrics.RateLimitViolations.WithLabelValues("provider").Inc()
		return &Violation{Kind: KindRetryable, Key: key, Limit: limit, Count: count}
	}

	return nil
}

// CheckWarmup reserves one send in the sender's daily warmup window. On
// violation the email must be failed, not retried.
func (l *Limiter) CheckWarmup(ctx context.Context, sender *store.Sender) error {
	if !l.config.WarmupEnabled {
		return nil
	}

	now := time.Now()
	dailyCap := l.schedule.DailyCap(sender, now)
	key := warmupKey(sender.ID, now)

	count, err := l.counters.IncrementWithTTL(ctx, key, 1, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("warmup window increment failed: %w", err)
	}

	if count > dailyCap {
		if _, err := l.counters.Decrement(ctx, key, 1); err != nil {
			l.logger.Warn("failed to release warmup slot", "key", key, "error", err)
		}
		metrics.RateLimitViolations.WithLabelValues("warmup").Inc()
		return &Violation{Kind: KindTerminal, Key: key, Limit: dailyCap, Count: count}
	}

	return nil
}

// ReleaseWarmup returns a warmup slot reserved by CheckWarmup. Callers use it
// when a send that already cleared the warmup window is pushed back before
// any attempt, so retries do not drain the daily cap.
func (l *Limiter) ReleaseWarmup(ctx context.Context, sender *store.Sender) {
	if !l.config.WarmupEnabled {
		return
	}

	key := warmupKey(sender.ID, time.Now())
	if _, err := l.counters.Decrement(ctx, key, 1); err != nil {
		l.logger.Warn("failed to release warmup slot", "key", key, "error", err)
	}
}

func warmupKey(senderID string, now time.Time) string {
	return fmt.Sprintf("rate:warmup:%s:%s", senderID, now.Format("2006-01-02"))
}

// CountChunk advances the sender's chunk counter and reports whether this
// send completes a chunk (the caller pauses before continuing)
func (l *Limiter) CountChunk(ctx context.Context, senderID string, chunkSize int) (bool, error) {
	if chunkSize <= 0 {
		return false, nil
	}

	key := fmt.Sprintf("rate:chunk:%s", senderID)
	count, err := l.counters.IncrementWithTTL(ctx, key, 1, l.config.ChunkWindow)
	if err != nil {
		return false, fmt.Errorf("chunk counter increment failed: %w", err)
	}

	return count%int64(chunkSize) == 0, nil
}

// AsViolation unwraps a Violation from an error chain
func AsViolation(err error) (*Violation, bool) {
	v, ok := err.(*Violation)
	return v, ok
}
