package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courier-mta/courier/internal/policy"
)

// Well-known queue names
const (
	RouteQueue    = "route"
	DeliveryQueue = "delivery"
)

// Payload is the wire body moving between pipeline stages
type Payload struct {
	EmailID    string                 `json:"emailId"`
	SenderType string                 `json:"senderType,omitempty"`
	Policy     *policy.DeliveryPolicy `json:"policy,omitempty"`
}

// Message is one durable envelope. VisibleAt implements the explicit
// delayed-republish primitive; a message is never handed out before it.
type Message struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	VisibleAt  time.Time `json:"visible_at"`
	Attempts   int       `json:"attempts"`
}

// Manager owns the named durable queues. Delivery is at-least-once: a
// message stays on disk until Ack, and redelivery happens only through
// explicit republish, never through broker-style retransmission.
type Manager struct {
	storage *FileStorage
	logger  *slog.Logger

	mu     sync.Mutex
	leased map[string]bool
}

// NewManager creates a queue manager over the given spool directory
func NewManager(dir string) (*Manager, error) {
	storage, err := NewFileStorage(dir, []string{RouteQueue, DeliveryQueue})
	if err != nil {
		return nil, err
	}

	return &Manager{
		storage: storage,
		logger:  slog.Default().With("component", "queue"),
		leased:  make(map[string]bool),
	}, nil
}

// Publish enqueues a payload for immediate visibility
func (m *Manager) Publish(ctx context.Context, queue string, payload Payload) (string, error) {
	return m.PublishDelayed(ctx, queue, payload, 0)
}

// PublishDelayed enqueues a payload that becomes visible after the delay
func (m *Manager) PublishDelayed(_ context.Context, queue string, payload Payload, delay time.Duration) (string, error) {
	now := time.Now()
	msg := Message{
		ID:         uuid.NewString(),
		Queue:      queue,
		Payload:    payload,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
	}

	if err := m.storage.Write(queue, &msg); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	m.logger.Debug("message enqueued",
		"queue", queue,
		"message_id", msg.ID,
		"email_id", payload.EmailID,
		"visible_at", msg.VisibleAt)

	return msg.ID, nil
}

// Receive leases the oldest visible message, or returns nil when the queue
// has nothing ready. Each lease bumps the envelope's durable attempt count.
// The lease itself is in-process; a crash releases everything, which is the
// at-least-once contract.
func (m *Manager) Receive(_ context.Context, queue string) (*Message, error) {
	messages, err := m.storage.List(queue)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue %s: %w", queue, err)
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range messages {
		msg := &messages[i]
		if m.leased[msg.ID] || msg.VisibleAt.After(now) {
			continue
		}
		m.leased[msg.ID] = true
		msg.Attempts++
		if err := m.storage.Write(queue, msg); err != nil {
			m.logger.Warn("failed to persist attempt count",
				"message_id", msg.ID, "error", err)
		}
		return msg, nil
	}

	return nil, nil
}

// Ack removes a processed message. Every consumed message is acked exactly
// once regardless of business outcome.
func (m *Manager) Ack(_ context.Context, msg *Message) error {
	m.mu.Lock()
	delete(m.leased, msg.ID)
	m.mu.Unlock()

	if err := m.storage.Delete(msg.Queue, msg.ID); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	return nil
}

// Park moves a poison message aside so the consumer loop can make progress
func (m *Manager) Park(_ context.Context, msg *Message, reason string) error {
	m.mu.Lock()
	delete(m.leased, msg.ID)
	m.mu.Unlock()

	m.logger.Warn("parking poison message",
		"queue", msg.Queue,
		"message_id", msg.ID,
		"email_id", msg.Payload.EmailID,
		"reason", reason)

	return m.storage.Park(msg.Queue, msg.ID)
}

// Depth returns the number of durable messages in a queue, leased included
func (m *Manager) Depth(queue string) (int, error) {
	messages, err := m.storage.List(queue)
	if err != nil {
		return 0, err
	}
	return len(messages), nil
}

// List returns every durable message in a queue, oldest first. Used by the
// CLI and ops surfaces; does not lease.
func (m *Manager) List(queue string) ([]Message, error) {
	return m.storage.List(queue)
}
