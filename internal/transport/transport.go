package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/courier-mta/courier/internal/store"
)

// Common errors
var (
	// ErrUnsupportedSenderType is returned for an unknown discriminator
	ErrUnsupportedSenderType = errors.New("unsupported sender type")
)

// SendRequest is one message handed to a transport
type SendRequest struct {
	From           string
	To             string
	Subject        string
	Body           string
	InjectTracking bool
}

// SendResult carries the provider identifiers captured on dispatch. Gmail
// reports a thread id used for both thread and conversation; Outlook reports
// a conversation id used for both.
type SendResult struct {
	MessageID      string
	ThreadID       string
	ConversationID string
}

// HealthInputs describes a sender for the health evaluator
type HealthInputs struct {
	Domain       string
	DKIMSelector string
	SendingIP    string
}

// Transport is the capability surface of one sending identity
type Transport interface {
	// Send dispatches one message
	Send(ctx context.Context, req SendRequest) (*SendResult, error)

	// VerifyCredentials checks the identity can authenticate without
	// sending anything
	VerifyCredentials(ctx context.Context) error

	// HealthInputs exposes what the health evaluator needs
	HealthInputs() HealthInputs

	// Type returns the sender type discriminator
	Type() string
}

// Config holds transport construction settings
type Config struct {
	SendTimeout   time.Duration
	GraphEndpoint string
}

// DefaultConfig returns the standard transport settings
func DefaultConfig() *Config {
	return &Config{
		SendTimeout:   30 * time.Second,
		GraphEndpoint: "https://graph.microsoft.com/v1.0",
	}
}

// New builds the transport variant for a sender
func New(ctx context.Context, sender *store.Sender, cfg *Config) (Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch sender.Type {
	case store.SenderTypeSMTP:
		return newSMTPTransport(sender, cfg), nil
	case store.SenderTypeGmail:
		return newGmailTransport(ctx, sender, cfg)
	case store.SenderTypeOutlook:
		return newOutlookTransport(ctx, sender, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSenderType, sender.Type)
	}
}

// authErrorTokens are substrings that indicate the cached transport's
// credentials or connection went bad and a fresh transport is needed
var authErrorTokens = []string{
	"401",
	"403",
	"invalid_grant",
	"invalid_client",
	"unauthorized",
	"authentication failed",
	"auth failed",
	"connection refused",
	"connection reset",
	"broken pipe",
	"token expired",
}

// IsAuthError reports whether an error should evict the cached transport
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, token := range authErrorTokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

func healthInputs(sender *store.Sender) HealthInputs {
	return HealthInputs{
		Domain:       sender.Domain,
		DKIMSelector: sender.DKIMSelector,
		SendingIP:    sender.SendingIP,
	}
}
