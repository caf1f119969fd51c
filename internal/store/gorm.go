package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore implements Store on a relational database via GORM
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Config holds connection settings for the relational store
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewGormStore connects to MySQL and migrates the pipeline's models
func NewGormStore(cfg Config) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&Email{},
		&Sender{},
		&SenderHealth{},
		&BounceEvent{},
		&EmailEvent{},
		&DetectionRecord{},
		&Campaign{},
		&Recipient{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}, nil
}

// Close closes the underlying connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetEmail loads an email by id
func (s *GormStore) GetEmail(ctx context.Context, id string) (*Email, error) {
	var email Email
	err := s.db.WithContext(ctx).First(&email, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &email, nil
}

// CreateEmail persists a new email record
func (s *GormStore) CreateEmail(ctx context.Context, email *Email) error {
	if email.Status == "" {
		email.Status = StatusPending
	}
	return s.db.WithContext(ctx).Create(email).Error
}

// MarkEmailRouted moves pending → routed. The status guard in the WHERE
// clause is what makes consumers idempotent under redelivery.
func (s *GormStore) MarkEmailRouted(ctx context.Context, id, provider, confidence string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Email{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":              StatusRouted,
			"delivery_provider":   provider,
			"delivery_confidence": confidence,
			"routed_at":           now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkEmailSent moves routed → sent and records provider identifiers
func (s *GormStore) MarkEmailSent(ctx context.Context, id string, ids ProviderIDs) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Email{}).
		Where("id = ? AND status = ?", id, StatusRouted).
		Updates(map[string]interface{}{
			"status":                   StatusSent,
			"provider_message_id":      ids.MessageID,
			"provider_thread_id":       ids.ThreadID,
			"provider_conversation_id": ids.ConversationID,
			"sent_at":                  now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkEmailFailed moves pending or routed → failed. Sent emails never fail.
func (s *GormStore) MarkEmailFailed(ctx context.Context, id, reason string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Email{}).
		Where("id = ? AND status IN ?", id, []string{StatusPending, StatusRouted}).
		Updates(map[string]interface{}{
			"status":     StatusFailed,
			"last_error": reason,
			"failed_at":  now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// GetSender loads a sender by id
func (s *GormStore) GetSender(ctx context.Context, id string) (*Sender, error) {
	var sender Sender
	err := s.db.WithContext(ctx).First(&sender, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sender, nil
}

// ListVerifiedSenders returns all senders eligible for health evaluation
func (s *GormStore) ListVerifiedSenders(ctx context.Context) ([]Sender, error) {
	var senders []Sender
	err := s.db.WithContext(ctx).
		Where("is_verified = ? AND is_active = ?", true, true).
		Find(&senders).Error
	return senders, err
}

// TouchSenderUsage stamps last use and bumps the daily counter
func (s *GormStore) TouchSenderUsage(ctx context.Context, id string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Sender{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_used_at":     now,
			"daily_sent_count": gorm.Expr("daily_sent_count + 1"),
		}).Error
}

// GetSenderHealth loads the health row for a sender
func (s *GormStore) GetSenderHealth(ctx context.Context, senderID string) (*SenderHealth, error) {
	var health SenderHealth
	err := s.db.WithContext(ctx).First(&health, "sender_id = ?", senderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &health, nil
}

// UpsertSenderHealth inserts or refreshes the health row keyed by sender
func (s *GormStore) UpsertSenderHealth(ctx context.Context, health *SenderHealth) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "sender_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"spf_valid", "dkim_valid", "dmarc_policy", "ptr_valid",
			"blacklisted", "bounce_rate", "complaint_rate",
			"reputation_score", "health_status", "last_checked_at",
			"updated_at",
		}),
	}).Create(health).Error
}

// CountSentSince counts dispatches for a sender inside the lookback window
func (s *GormStore) CountSentSince(ctx context.Context, senderID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Email{}).
		Where("sender_id = ? AND status = ? AND sent_at >= ?", senderID, StatusSent, since).
		Count(&count).Error
	return count, err
}

// CountBouncesSince counts bounce events for a sender inside the lookback window
func (s *GormStore) CountBouncesSince(ctx context.Context, senderID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&BounceEvent{}).
		Joins("JOIN emails ON emails.id = bounce_events.email_id").
		Where("emails.sender_id = ? AND bounce_events.occurred_at >= ?", senderID, since).
		Count(&count).Error
	return count, err
}

// AppendBounceEvent records a classified delivery failure
func (s *GormStore) AppendBounceEvent(ctx context.Context, event *BounceEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(event).Error
}

// AppendEmailEvent records a pipeline transition
func (s *GormStore) AppendEmailEvent(ctx context.Context, event *EmailEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// GetDetection loads the persistent detection tier for a domain. Expired
// rows are treated as absent.
func (s *GormStore) GetDetection(ctx context.Context, domain string) (*DetectionRecord, error) {
	var record DetectionRecord
	err := s.db.WithContext(ctx).First(&record, "domain = ?", domain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &record, nil
}

// PutDetection writes through the persistent detection tier
func (s *GormStore) PutDetection(ctx context.Context, record *DetectionRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider", "confidence", "score", "mx_hosts", "banner",
			"detected_at", "expires_at",
		}),
	}).Create(record).Error
}

// DeleteDetection invalidates one domain in the persistent tier
func (s *GormStore) DeleteDetection(ctx context.Context, domain string) error {
	return s.db.WithContext(ctx).Delete(&DetectionRecord{}, "domain = ?", domain).Error
}

// DeleteAllDetections invalidates the whole persistent tier
func (s *GormStore) DeleteAllDetections(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&DetectionRecord{}).Error
}

// IncrementCampaignSent bumps the owning campaign's sent counter
func (s *GormStore) IncrementCampaignSent(ctx context.Context, campaignID string) error {
	return s.db.WithContext(ctx).Model(&Campaign{}).
		Where("id = ?", campaignID).
		Update("sent_count", gorm.Expr("sent_count + 1")).Error
}

// MarkRecipientBounced stops further sends to a hard-bounced address
func (s *GormStore) MarkRecipientBounced(ctx context.Context, userID, address string) error {
	return s.db.WithContext(ctx).Model(&Recipient{}).
		Where("user_id = ? AND address = ?", userID, address).
		Update("status", RecipientBounced).Error
}
