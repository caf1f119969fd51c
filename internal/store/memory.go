package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development. It
// enforces the same status guards as the relational implementation.
type MemoryStore struct {
	mu sync.RWMutex

	emails     map[string]*Email
	senders    map[string]*Sender
	health     map[string]*SenderHealth
	bounces    []BounceEvent
	events     []EmailEvent
	detections map[string]*DetectionRecord
	campaigns  map[string]*Campaign
	recipients map[string]*Recipient // keyed userID+"/"+address
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		emails:     make(map[string]*Email),
		senders:    make(map[string]*Sender),
		health:     make(map[string]*SenderHealth),
		detections: make(map[string]*DetectionRecord),
		campaigns:  make(map[string]*Campaign),
		recipients: make(map[string]*Recipient),
	}
}

// Seed helpers for tests

// AddSender stores a sender directly
func (s *MemoryStore) AddSender(sender *Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sender
	s.senders[sender.ID] = &copied
}

// AddCampaign stores a campaign directly
func (s *MemoryStore) AddCampaign(campaign *Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *campaign
	s.campaigns[campaign.ID] = &copied
}

// AddRecipient stores a recipient directly
func (s *MemoryStore) AddRecipient(recipient *Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *recipient
	s.recipients[recipient.UserID+"/"+recipient.Address] = &copied
}

// BounceEvents returns a copy of all recorded bounce events
func (s *MemoryStore) BounceEvents() []BounceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BounceEvent, len(s.bounces))
	copy(out, s.bounces)
	return out
}

// EmailEvents returns a copy of all recorded email events
func (s *MemoryStore) EmailEvents() []EmailEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EmailEvent, len(s.events))
	copy(out, s.events)
	return out
}

// GetCampaign returns a campaign by id
func (s *MemoryStore) GetCampaign(id string) (*Campaign, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, false
	}
	copied := *c
	return &copied, true
}

// GetRecipient returns a recipient by user and address
func (s *MemoryStore) GetRecipient(userID, address string) (*Recipient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[userID+"/"+address]
	if !ok {
		return nil, false
	}
	copied := *r
	return &copied, true
}

// Store interface

// GetEmail loads an email by id
func (s *MemoryStore) GetEmail(_ context.Context, id string) (*Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email, ok := s.emails[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *email
	return &copied, nil
}

// CreateEmail persists a new email record
func (s *MemoryStore) CreateEmail(_ context.Context, email *Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if email.Status == "" {
		email.Status = StatusPending
	}
	email.CreatedAt = time.Now()
	copied := *email
	s.emails[email.ID] = &copied
	return nil
}

// MarkEmailRouted moves pending → routed
func (s *MemoryStore) MarkEmailRouted(_ context.Context, id, provider, confidence string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.emails[id]
	if !ok {
		return ErrNotFound
	}
	if email.Status != StatusPending {
		return ErrInvalidTransition
	}

	now := time.Now()
	email.Status = StatusRouted
	email.DeliveryProvider = provider
	email.DeliveryConfidence = confidence
	email.RoutedAt = &now
	email.UpdatedAt = now
	return nil
}

// MarkEmailSent moves routed → sent
func (s *MemoryStore) MarkEmailSent(_ context.Context, id string, ids ProviderIDs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.emails[id]
	if !ok {
		return ErrNotFound
	}
	if email.Status != StatusRouted {
		return ErrInvalidTransition
	}

	now := time.Now()
	email.Status = StatusSent
	email.ProviderMessageID = ids.MessageID
	email.ProviderThreadID = ids.ThreadID
	email.ProviderConversationID = ids.ConversationID
	email.SentAt = &now
	email.UpdatedAt = now
	return nil
}

// MarkEmailFailed moves pending or routed → failed
func (s *MemoryStore) MarkEmailFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.emails[id]
	if !ok {
		return ErrNotFound
	}
	if email.Status != StatusPending && email.Status != StatusRouted {
		return ErrInvalidTransition
	}

	now := time.Now()
	email.Status = StatusFailed
	email.LastError = reason
	email.FailedAt = &now
	email.UpdatedAt = now
	return nil
}

// GetSender loads a sender by id
func (s *MemoryStore) GetSender(_ context.Context, id string) (*Sender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sender, ok := s.senders[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sender
	return &copied, nil
}

// ListVerifiedSenders returns all verified, active senders
func (s *MemoryStore) ListVerifiedSenders(_ context.Context) ([]Sender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Sender
	for _, sender := range s.senders {
		if sender.Eligible() {
			out = append(out, *sender)
		}
	}
	return out, nil
}

// TouchSenderUsage stamps last use and bumps the daily counter
func (s *MemoryStore) TouchSenderUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.senders[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	sender.LastUsedAt = &now
	sender.DailySentCount++
	return nil
}

// GetSenderHealth loads the health row for a sender
func (s *MemoryStore) GetSenderHealth(_ context.Context, senderID string) (*SenderHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health, ok := s.health[senderID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *health
	return &copied, nil
}

// UpsertSenderHealth inserts or refreshes the health row keyed by sender
func (s *MemoryStore) UpsertSenderHealth(_ context.Context, health *SenderHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *health
	s.health[health.SenderID] = &copied
	return nil
}

// CountSentSince counts dispatches for a sender inside the lookback window
func (s *MemoryStore) CountSentSince(_ context.Context, senderID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, email := range s.emails {
		if email.SenderID == senderID && email.Status == StatusSent &&
			email.SentAt != nil && !email.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// CountBouncesSince counts bounce events for a sender inside the lookback window
func (s *MemoryStore) CountBouncesSince(_ context.Context, senderID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, bounce := range s.bounces {
		if bounce.OccurredAt.Before(since) {
			continue
		}
		if email, ok := s.emails[bounce.EmailID]; ok && email.SenderID == senderID {
			count++
		}
	}
	return count, nil
}

// AppendBounceEvent records a classified delivery failure
func (s *MemoryStore) AppendBounceEvent(_ context.Context, event *BounceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	s.bounces = append(s.bounces, *event)
	return nil
}

// AppendEmailEvent records a pipeline transition
func (s *MemoryStore) AppendEmailEvent(_ context.Context, event *EmailEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	s.events = append(s.events, *event)
	return nil
}

// GetDetection loads the persistent detection tier for a domain
func (s *MemoryStore) GetDetection(_ context.Context, domain string) (*DetectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.detections[domain]
	if !ok || time.Now().After(record.ExpiresAt) {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

// PutDetection writes through the persistent detection tier
func (s *MemoryStore) PutDetection(_ context.Context, record *DetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.detections[record.Domain] = &copied
	return nil
}

// DeleteDetection invalidates one domain
func (s *MemoryStore) DeleteDetection(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.detections, domain)
	return nil
}

// DeleteAllDetections invalidates the whole persistent tier
func (s *MemoryStore) DeleteAllDetections(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detections = make(map[string]*DetectionRecord)
	return nil
}

// IncrementCampaignSent bumps the owning campaign's sent counter
func (s *MemoryStore) IncrementCampaignSent(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	campaign, ok := s.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	campaign.SentCount++
	return nil
}

// MarkRecipientBounced stops further sends to a hard-bounced address
func (s *MemoryStore) MarkRecipientBounced(_ context.Context, userID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipient, ok := s.recipients[userID+"/"+address]
	if !ok {
		return ErrNotFound
	}
	recipient.Status = RecipientBounced
	recipient.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
