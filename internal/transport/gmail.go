package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/courier-mta/courier/internal/store"
)

// gmailTransport sends through the Gmail API using a refresh-token grant
type gmailTransport struct {
	sender  *store.Sender
	service *gmail.Service
	logger  *slog.Logger
}

func newGmailTransport(ctx context.Context, sender *store.Sender, cfg *Config) (*gmailTransport, error) {
	oauthConfig := &oauth2.Config{
		ClientID:     sender.OAuthClientID,
		ClientSecret: sender.OAuthClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
	token := &oauth2.Token{
		RefreshToken: sender.OAuthRefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	tokenSource := oauthConfig.TokenSource(ctx, token)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &gmailTransport{
		sender:  sender,
		service: service,
		logger:  slog.Default().With("component", "transport-gmail", "sender_id", sender.ID),
	}, nil
}

func (t *gmailTransport) Type() string { return store.SenderTypeGmail }

func (t *gmailTransport) HealthInputs() HealthInputs { return healthInputs(t.sender) }

func (t *gmailTransport) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	raw := base64.URLEncoding.EncodeToString([]byte(buildRawMessage(req)))

	sent, err := t.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("Gmail send failed: %w", err)
	}

	t.logger.Debug("Message sent", "to", req.To, "gmail_id", sent.Id, "thread_id", sent.ThreadId)

	// Gmail reports a thread id; it doubles as the conversation id
	return &SendResult{
		MessageID:      sent.Id,
		ThreadID:       sent.ThreadId,
		ConversationID: sent.ThreadId,
	}, nil
}

// VerifyCredentials fetches the account profile to prove the token works
func (t *gmailTransport) VerifyCredentials(ctx context.Context) error {
	if _, err := t.service.Users.GetProfile("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("Gmail credential check failed: %w", err)
	}
	return nil
}

// buildRawMessage renders the RFC 5322 form the Gmail API expects
func buildRawMessage(req SendRequest) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", req.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", req.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", req.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(req.Body)
	return b.String()
}
