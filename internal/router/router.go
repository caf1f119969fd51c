package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/courier-mta/courier/internal/detector"
	"github.com/courier-mta/courier/internal/metrics"
	"github.com/courier-mta/courier/internal/policy"
	"github.com/courier-mta/courier/internal/queue"
	"github.com/courier-mta/courier/internal/ratelimit"
	"github.com/courier-mta/courier/internal/store"
)

// failReputation is the floor below which a sender is not allowed to
// originate mail at all
const failReputation = 40

// Config holds routing stage settings
type Config struct {
	// RetryDelay is how long a provider-window violation pushes the
	// message back
	RetryDelay time.Duration
	// ChunkPause is the base pause inserted between chunks
	ChunkPause time.Duration
}

// DefaultConfig returns the standard routing settings
func DefaultConfig() *Config {
	return &Config{
		RetryDelay: 4500 * time.Millisecond,
		ChunkPause: 2 * time.Second,
	}
}

// Router is the route-queue handler. For each pending email it resolves the
// destination provider, binds a delivery policy, applies the rate windows and
// hands the message to the delivery queue.
type Router struct {
	config     *Config
	store      store.Store
	detections *detector.LayeredCache
	limiter    *ratelimit.Limiter
	queues     *queue.Manager
	logger     *slog.Logger
}

// New creates a router over its collaborators
func New(config *Config, st store.Store, detections *detector.LayeredCache,
	limiter *ratelimit.Limiter, queues *queue.Manager) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	return &Router{
		config:     config,
		store:      st,
		detections: detections,
		limiter:    limiter,
		queues:     queues,
		logger:     slog.Default().With("component", "router"),
	}
}

// Handle routes one email. Domain-level failures (missing email, ineligible
// sender, reputation floor) resolve the message via ack; only infrastructure
// failures propagate to the consumer.
func (r *Router) Handle(ctx context.Context, msg *queue.Message) error {
	email, err := r.store.GetEmail(ctx, msg.Payload.EmailID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("Dropping message for unknown email", "email_id", msg.Payload.EmailID)
			return r.queues.Ack(ctx, msg)
		}
		return fmt.Errorf("failed to load email %s: %w", msg.Payload.EmailID, err)
	}

	// Redelivery of an already-routed email is a no-op
	if email.Status != store.StatusPending {
		r.logger.Debug("Skipping email not in pending state",
			"email_id", email.ID, "status", email.Status)
		return r.queues.Ack(ctx, msg)
	}

	sender, err := r.store.GetSender(ctx, email.SenderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.failAndAck(ctx, msg, email, "sender not found")
		}
		return fmt.Errorf("failed to load sender %s: %w", email.SenderID, err)
	}
	if !sender.Eligible() {
		return r.failAndAck(ctx, msg, email, "sender not verified or inactive")
	}

	reputation := r.reputationFor(ctx, sender.ID)
	if reputation < failReputation {
		return r.failAndAck(ctx, msg, email,
			fmt.Sprintf("sender reputation %d below sending floor", reputation))
	}

	result, err := r.detections.Detect(ctx, email.ToAddress)
	if err != nil {
		return fmt.Errorf("detection failed for %s: %w", email.ToAddress, err)
	}

	pol := policy.Compute(result.Provider, sender.Type, reputation)

	// Warmup cap is terminal for the day
	if err := r.limiter.CheckWarmup(ctx, sender); err != nil {
		if v, ok := ratelimit.AsViolation(err); ok {
			return r.failAndAck(ctx, msg, email, v.Error())
		}
		return fmt.Errorf("warmup check failed: %w", err)
	}

	// Provider window violations push the message back, they never fail it.
	// The warmup slot reserved above is returned so the retry does not burn
	// daily cap without a send.
	if err := r.limiter.CheckProvider(ctx, string(result.Provider), int64(pol.LimitPerMinute)); err != nil {
		if _, ok := ratelimit.AsViolation(err); ok {
			r.limiter.ReleaseWarmup(ctx, sender)
			return r.republish(ctx, msg)
		}
		return fmt.Errorf("provider window check failed: %w", err)
	}

	chunkBoundary, err := r.limiter.CountChunk(ctx, sender.ID, pol.ChunkSize)
	if err != nil {
		r.logger.Warn("Chunk counter unavailable, continuing without pause", "error", err)
	}

	if err := r.store.MarkEmailRouted(ctx, email.ID,
		string(result.Provider), string(result.Confidence)); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost the race to another routing of the same email
			return r.queues.Ack(ctx, msg)
		}
		return fmt.Errorf("failed to mark email routed: %w", err)
	}

	if err := r.store.AppendEmailEvent(ctx, &store.EmailEvent{
		EmailID:   email.ID,
		EventType: store.EventRouted,
	}); err != nil {
		r.logger.Warn("Failed to append routed event", "email_id", email.ID, "error", err)
	}

	if _, err := r.queues.Publish(ctx, queue.DeliveryQueue, queue.Payload{
		EmailID:    email.ID,
		SenderType: sender.Type,
		Policy:     &pol,
	}); err != nil {
		return fmt.Errorf("failed to publish to delivery queue: %w", err)
	}

	metrics.EmailsRouted.WithLabelValues(string(result.Provider)).Inc()
	r.logger.Info("Email routed",
		"email_id", email.ID,
		"provider", result.Provider,
		"confidence", result.Confidence,
		"limit_per_minute", pol.LimitPerMinute)

	if chunkBoundary {
		r.pauseBetweenChunks(ctx)
	}

	return r.queues.Ack(ctx, msg)
}

// reputationFor resolves the sender's last evaluated score. A sender without
// a health record yet is treated as neutral.
func (r *Router) reputationFor(ctx context.Context, senderID string) int {
	health, err := r.store.GetSenderHealth(ctx, senderID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("Failed to load sender health", "sender_id", senderID, "error", err)
		}
		return 70
	}
	return health.ReputationScore
}

// failAndAck terminally fails the email and resolves the message
func (r *Router) failAndAck(ctx context.Context, msg *queue.Message, email *store.Email, reason string) error {
	if err := r.store.MarkEmailFailed(ctx, email.ID, reason); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("failed to mark email failed: %w", err)
	}
	r.logger.Info("Email failed at routing", "email_id", email.ID, "reason", reason)
	return r.queues.Ack(ctx, msg)
}

// republish pushes the message back onto the route queue with the retry
// delay, then acks the original lease
func (r *Router) republish(ctx context.Context, msg *queue.Message) error {
	if _, err := r.queues.PublishDelayed(ctx, queue.RouteQueue, msg.Payload, r.config.RetryDelay); err != nil {
		return fmt.Errorf("failed to republish rate-limited message: %w", err)
	}
	r.logger.Debug("Provider window full, message delayed",
		"email_id", msg.Payload.EmailID, "delay", r.config.RetryDelay)
	return r.queues.Ack(ctx, msg)
}

// pauseBetweenChunks sleeps the chunk pause with up to one extra second of
// jitter so bursts from parallel routers do not align
func (r *Router) pauseBetweenChunks(ctx context.Context) {
	pause := r.config.ChunkPause + time.Duration(rand.Int63n(int64(time.Second)))
	r.logger.Debug("Chunk boundary reached, pausing", "pause", pause)
	select {
	case <-ctx.Done():
	case <-time.After(pause):
	}
}

// DomainOf extracts the recipient domain for logging and stats surfaces
func DomainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return strings.ToLower(address[i+1:])
	}
	return strings.ToLower(address)
}
