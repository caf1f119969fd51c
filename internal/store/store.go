package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status update would violate
	// the monotonic email state machine
	ErrInvalidTransition = errors.New("invalid email status transition")
)

// ProviderIDs carries the identifiers a transport captures on dispatch
type ProviderIDs struct {
	MessageID      string
	ThreadID       string
	ConversationID string
}

// Store is the persistence contract consumed by the pipeline. The gorm
// implementation backs production; tests use the in-memory fake.
type Store interface {
	// Emails
	GetEmail(ctx context.Context, id string) (*Email, error)
	CreateEmail(ctx context.Context, email *Email) error
	MarkEmailRouted(ctx context.Context, id, provider, confidence string) error
	MarkEmailSent(ctx context.Context, id string, ids ProviderIDs) error
	MarkEmailFailed(ctx context.Context, id, reason string) error

	// Senders
	GetSender(ctx context.Context, id string) (*Sender, error)
	ListVerifiedSenders(ctx context.Context) ([]Sender, error)
	TouchSenderUsage(ctx context.Context, id string) error

	// Sender health
	GetSenderHealth(ctx context.Context, senderID string) (*SenderHealth, error)
	UpsertSenderHealth(ctx context.Context, health *SenderHealth) error

	// Bounce statistics used by the health evaluator
	CountSentSince(ctx context.Context, senderID string, since time.Time) (int64, error)
	CountBouncesSince(ctx context.Context, senderID string, since time.Time) (int64, error)

	// Audit trail
	AppendBounceEvent(ctx context.Context, event *BounceEvent) error
	AppendEmailEvent(ctx context.Context, event *EmailEvent) error

	// Detection cache persistent tier
	GetDetection(ctx context.Context, domain string) (*DetectionRecord, error)
	PutDetection(ctx context.Context, record *DetectionRecord) error
	DeleteDetection(ctx context.Context, domain string) error
	DeleteAllDetections(ctx context.Context) error

	// Collaborator counters
	IncrementCampaignSent(ctx context.Context, campaignID string) error
	MarkRecipientBounced(ctx context.Context, userID, address string) error
}
