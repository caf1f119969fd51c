package store

import (
	"time"
)

// Email status values. Status is monotonic: a routed email never returns to
// pending, and a sent email never transitions again.
const (
	StatusPending = "pending"
	StatusRouted  = "routed"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Sender type discriminators
const (
	SenderTypeSMTP    = "smtp"
	SenderTypeGmail   = "gmail"
	SenderTypeOutlook = "outlook"
)

// Bounce classifications
const (
	BounceHard      = "hard"
	BounceSoft      = "soft"
	BounceComplaint = "complaint"
)

// Email event types
const (
	EventQueued = "queued"
	EventRouted = "routed"
	EventSent   = "sent"
)

// Health status buckets derived from the reputation score
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthAtRisk   = "at_risk"
	HealthCritical = "critical"
)

// Recipient status values
const (
	RecipientActive  = "active"
	RecipientBounced = "bounced"
)

// Email is one outbound message moving through the pipeline
type Email struct {
	ID         string  `json:"id" gorm:"type:varchar(36);primaryKey"`
	UserID     string  `json:"user_id" gorm:"type:varchar(36);not null;index"`
	CampaignID *string `json:"campaign_id,omitempty" gorm:"type:varchar(36);index"`
	SenderID   string  `json:"sender_id" gorm:"type:varchar(36);not null;index"`
	SenderType string  `json:"sender_type" gorm:"type:varchar(16);not null"`

	ToAddress string `json:"to_address" gorm:"type:varchar(320);not null;index"`
	Subject   string `json:"subject" gorm:"type:varchar(998)"`
	Body      string `json:"body" gorm:"type:longtext"`

	Status             string  `json:"status" gorm:"type:varchar(16);not null;default:pending;index"`
	DeliveryProvider   string  `json:"delivery_provider" gorm:"type:varchar(32)"`
	DeliveryConfidence string  `json:"delivery_confidence" gorm:"type:varchar(16)"`
	LastError          string  `json:"last_error" gorm:"type:text"`

	ProviderMessageID      string `json:"provider_message_id" gorm:"type:varchar(255)"`
	ProviderThreadID       string `json:"provider_thread_id" gorm:"type:varchar(255)"`
	ProviderConversationID string `json:"provider_conversation_id" gorm:"type:varchar(255)"`

	RoutedAt  *time.Time `json:"routed_at,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Email
func (Email) TableName() string {
	return "emails"
}

// Sender is one sending identity. The Type discriminator selects which
// credential columns apply.
type Sender struct {
	ID   string `json:"id" gorm:"type:varchar(36);primaryKey"`
	Type string `json:"type" gorm:"type:varchar(16);not null;index"`

	FromAddress string `json:"from_address" gorm:"type:varchar(320);not null"`
	Domain      string `json:"domain" gorm:"type:varchar(255);not null;index"`

	// SMTP credentials
	SMTPHost     string `json:"smtp_host,omitempty" gorm:"type:varchar(255)"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	SMTPUsername string `json:"smtp_username,omitempty" gorm:"type:varchar(255)"`
	SMTPPassword string `json:"-" gorm:"type:varchar(255)"`

	// OAuth credentials (gmail, outlook)
	OAuthClientID     string `json:"oauth_client_id,omitempty" gorm:"type:varchar(255)"`
	OAuthClientSecret string `json:"-" gorm:"type:varchar(255)"`
	OAuthRefreshToken string `json:"-" gorm:"type:text"`

	// Health check inputs
	DKIMSelector string `json:"dkim_selector,omitempty" gorm:"type:varchar(64)"`
	SendingIP    string `json:"sending_ip,omitempty" gorm:"type:varchar(45)"`

	IsVerified     bool       `json:"is_verified" gorm:"not null;default:false"`
	IsActive       bool       `json:"is_active" gorm:"not null;default:true"`
	WarmupStartAt  *time.Time `json:"warmup_start_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	DailySentCount int        `json:"daily_sent_count" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Sender
func (Sender) TableName() string {
	return "senders"
}

// Eligible reports whether the sender may be bound to outbound mail
func (s *Sender) Eligible() bool {
	return s.IsVerified && s.IsActive
}

// SenderHealth is the evaluator's view of a sender, refreshed periodically
type SenderHealth struct {
	ID       uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	SenderID string `json:"sender_id" gorm:"type:varchar(36);not null;uniqueIndex"`

	SPFValid    bool   `json:"spf_valid"`
	DKIMValid   bool   `json:"dkim_valid"`
	DMARCPolicy string `json:"dmarc_policy" gorm:"type:varchar(16)"`
	PTRValid    bool   `json:"ptr_valid"`
	Blacklisted bool   `json:"blacklisted"`

	BounceRate      float64 `json:"bounce_rate"`
	ComplaintRate   float64 `json:"complaint_rate"`
	ReputationScore int     `json:"reputation_score" gorm:"not null;default:0"`
	HealthStatus    string  `json:"health_status" gorm:"type:varchar(16)"`

	LastCheckedAt time.Time `json:"last_checked_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName specifies the table name for SenderHealth
func (SenderHealth) TableName() string {
	return "sender_health"
}

// BounceEvent records one classified delivery failure. Append-only.
type BounceEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	EmailID    string    `json:"email_id" gorm:"type:varchar(36);not null;index"`
	BounceType string    `json:"bounce_type" gorm:"type:varchar(16);not null"`
	Reason     string    `json:"reason" gorm:"type:text"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TableName specifies the table name for BounceEvent
func (BounceEvent) TableName() string {
	return "bounce_events"
}

// EmailEvent is the append-only audit trail of pipeline transitions
type EmailEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	EmailID   string    `json:"email_id" gorm:"type:varchar(36);not null;index"`
	EventType string    `json:"event_type" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for EmailEvent
func (EmailEvent) TableName() string {
	return "email_events"
}

// DetectionRecord is the persistent tier of the detection cache
type DetectionRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Domain     string    `json:"domain" gorm:"type:varchar(255);not null;uniqueIndex"`
	Provider   string    `json:"provider" gorm:"type:varchar(32);not null"`
	Confidence string    `json:"confidence" gorm:"type:varchar(16);not null"`
	Score      float64   `json:"score"`
	MXHosts    string    `json:"mx_hosts" gorm:"type:text"`
	Banner     string    `json:"banner" gorm:"type:text"`
	DetectedAt time.Time `json:"detected_at"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"index"`
}

// TableName specifies the table name for DetectionRecord
func (DetectionRecord) TableName() string {
	return "detection_records"
}

// Campaign carries only the counter this pipeline touches
type Campaign struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(36);not null;index"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	SentCount int       `json:"sent_count" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Campaign
func (Campaign) TableName() string {
	return "campaigns"
}

// Recipient tracks per-address delivery standing; hard bounces stop further
// sends to the address
type Recipient struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    string    `json:"user_id" gorm:"type:varchar(36);not null;index"`
	Address   string    `json:"address" gorm:"type:varchar(320);not null;index"`
	Status    string    `json:"status" gorm:"type:varchar(16);not null;default:active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Recipient
func (Recipient) TableName() string {
	return "recipients"
}
