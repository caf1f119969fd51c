package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/courier-mta/courier/internal/metrics"
	"github.com/courier-mta/courier/internal/policy"
	"github.com/courier-mta/courier/internal/queue"
	"github.com/courier-mta/courier/internal/store"
	"github.com/courier-mta/courier/internal/transport"
)

// Config holds delivery stage settings
type Config struct {
	// JitterCeil bounds the random pacing added on top of the policy delay
	JitterCeil time.Duration
	// BreakerRetryDelay is how long a message waits when the sender's
	// circuit is open
	BreakerRetryDelay time.Duration
}

// DefaultConfig returns the standard delivery settings
func DefaultConfig() *Config {
	return &Config{
		JitterCeil:        1500 * time.Millisecond,
		BreakerRetryDelay: 30 * time.Second,
	}
}

// TransportProvider supplies a transport per sender. Production uses the TTL
// cache; tests inject fakes.
type TransportProvider interface {
	Get(ctx context.Context, sender *store.Sender) (transport.Transport, error)
	EvictOnError(senderID string, err error) bool
}

// Worker is the delivery-queue handler. It paces each send against the bound
// policy, dispatches through the sender's transport and records the outcome.
type Worker struct {
	config     *Config
	store      store.Store
	transports TransportProvider
	queues     *queue.Manager
	logger     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a delivery worker over its collaborators
func New(config *Config, st store.Store, transports TransportProvider, queues *queue.Manager) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Worker{
		config:     config,
		store:      st,
		transports: transports,
		queues:     queues,
		logger:     slog.Default().With("component", "delivery-worker"),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the per-sender circuit breaker, creating it on first use
func (w *Worker) breakerFor(senderID string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[senderID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "delivery-" + senderID,
		Timeout: w.config.BreakerRetryDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			w.logger.Info("Delivery circuit breaker state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	})
	w.breakers[senderID] = cb
	return cb
}

// Handle delivers one routed email. Delivery failures are classified and
// recorded as bounces; only infrastructure failures propagate to the
// consumer.
func (w *Worker) Handle(ctx context.Context, msg *queue.Message) error {
	email, err := w.store.GetEmail(ctx, msg.Payload.EmailID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("Dropping message for unknown email", "email_id", msg.Payload.EmailID)
			return w.queues.Ack(ctx, msg)
		}
		return fmt.Errorf("failed to load email %s: %w", msg.Payload.EmailID, err)
	}

	// Redelivery of an already-delivered email is a no-op
	if email.Status != store.StatusRouted {
		w.logger.Debug("Skipping email not in routed state",
			"email_id", email.ID, "status", email.Status)
		return w.queues.Ack(ctx, msg)
	}

	sender, err := w.store.GetSender(ctx, email.SenderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.recordFailure(ctx, msg, email, "sender not found")
		}
		return fmt.Errorf("failed to load sender %s: %w", email.SenderID, err)
	}

	tr, err := w.transports.Get(ctx, sender)
	if err != nil {
		return w.recordFailure(ctx, msg, email, fmt.Sprintf("transport unavailable: %v", err))
	}

	w.pace(ctx, msg.Payload.Policy)

	start := time.Now()
	result, err := w.dispatch(ctx, sender.ID, tr, transport.SendRequest{
		From:           sender.FromAddress,
		To:             email.ToAddress,
		Subject:        email.Subject,
		Body:           email.Body,
		InjectTracking: msg.Payload.Policy != nil && msg.Payload.Policy.InjectTracking,
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return w.republish(ctx, msg, sender.ID)
		}
		w.transports.EvictOnError(sender.ID, err)
		return w.recordFailure(ctx, msg, email, err.Error())
	}

	metrics.DeliveryDuration.WithLabelValues(sender.Type).Observe(time.Since(start).Seconds())

	return w.recordSuccess(ctx, msg, email, sender, result)
}

// dispatch runs the send through the sender's circuit breaker
func (w *Worker) dispatch(ctx context.Context, senderID string, tr transport.Transport, req transport.SendRequest) (*transport.SendResult, error) {
	out, err := w.breakerFor(senderID).Execute(func() (interface{}, error) {
		return tr.Send(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*transport.SendResult), nil
}

// pace sleeps the policy delay plus bounded jitter before dispatch
func (w *Worker) pace(ctx context.Context, pol *policy.DeliveryPolicy) {
	delay := time.Duration(0)
	if pol != nil {
		delay = time.Duration(pol.DelayMs) * time.Millisecond
	}
	if w.config.JitterCeil > 0 {
		delay += time.Duration(rand.Int63n(int64(w.config.JitterCeil)))
	}
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// recordSuccess finalizes a delivered email and resolves the message
func (w *Worker) recordSuccess(ctx context.Context, msg *queue.Message, email *store.Email,
	sender *store.Sender, result *transport.SendResult) error {
	ids := store.ProviderIDs{
		MessageID:      result.MessageID,
		ThreadID:       result.ThreadID,
		ConversationID: result.ConversationID,
	}
	if err := w.store.MarkEmailSent(ctx, email.ID, ids); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost the race to a duplicate delivery
			return w.queues.Ack(ctx, msg)
		}
		return fmt.Errorf("failed to mark email sent: %w", err)
	}

	if err := w.store.AppendEmailEvent(ctx, &store.EmailEvent{
		EmailID:   email.ID,
		EventType: store.EventSent,
	}); err != nil {
		w.logger.Warn("Failed to append sent event", "email_id", email.ID, "error", err)
	}
	if email.CampaignID != nil {
		if err := w.store.IncrementCampaignSent(ctx, *email.CampaignID); err != nil {
			w.logger.Warn("Failed to bump campaign counter",
				"campaign_id", *email.CampaignID, "error", err)
		}
	}
	if err := w.store.TouchSenderUsage(ctx, sender.ID); err != nil {
		w.logger.Warn("Failed to touch sender usage", "sender_id", sender.ID, "error", err)
	}

	metrics.EmailsSent.WithLabelValues(sender.Type).Inc()
	w.logger.Info("Email delivered",
		"email_id", email.ID,
		"sender_type", sender.Type,
		"provider_message_id", result.MessageID)

	return w.queues.Ack(ctx, msg)
}

// recordFailure classifies the failure, records the bounce, terminally fails
// the email and resolves the message. Hard bounces also retire the recipient.
func (w *Worker) recordFailure(ctx context.Context, msg *queue.Message, email *store.Email, reason string) error {
	bounceType := ClassifyBounce(reason)

	if err := w.store.AppendBounceEvent(ctx, &store.BounceEvent{
		EmailID:    email.ID,
		BounceType: bounceType,
		Reason:     reason,
		OccurredAt: time.Now(),
	}); err != nil {
		w.logger.Warn("Failed to append bounce event", "email_id", email.ID, "error", err)
	}

	if err := w.store.MarkEmailFailed(ctx, email.ID, reason); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("failed to mark email failed: %w", err)
	}

	if bounceType == store.BounceHard {
		if err := w.store.MarkRecipientBounced(ctx, email.UserID, email.ToAddress); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("Failed to retire recipient",
				"address", email.ToAddress, "error", err)
		}
	}

	metrics.EmailsFailed.WithLabelValues(bounceType).Inc()
	w.logger.Info("Email delivery failed",
		"email_id", email.ID,
		"bounce_type", bounceType,
		"reason", reason)

	return w.queues.Ack(ctx, msg)
}

// republish pushes the message back while the sender's circuit is open
func (w *Worker) republish(ctx context.Context, msg *queue.Message, senderID string) error {
	if _, err := w.queues.PublishDelayed(ctx, queue.DeliveryQueue, msg.Payload, w.config.BreakerRetryDelay); err != nil {
		return fmt.Errorf("failed to republish while circuit open: %w", err)
	}
	w.logger.Warn("Sender circuit open, message delayed",
		"email_id", msg.Payload.EmailID, "sender_id", senderID, "delay", w.config.BreakerRetryDelay)
	return w.queues.Ack(ctx, msg)
}
