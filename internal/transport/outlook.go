package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/courier-mta/courier/internal/store"
)

// outlookTransport sends through the Microsoft Graph REST API. Send is a
// two-step flow: create the message as a draft, then trigger its send. The
// draft step is what surfaces the message and conversation identifiers.
type outlookTransport struct {
	sender   *store.Sender
	client   *http.Client
	endpoint string
	logger   *slog.Logger
}

func newOutlookTransport(ctx context.Context, sender *store.Sender, cfg *Config) *outlookTransport {
	oauthConfig := &oauth2.Config{
		ClientID:     sender.OAuthClientID,
		ClientSecret: sender.OAuthClientSecret,
		Endpoint:     microsoft.AzureADEndpoint("common"),
		Scopes:       []string{"https://graph.microsoft.com/Mail.Send", "offline_access"},
	}
	token := &oauth2.Token{
		RefreshToken: sender.OAuthRefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}

	return &outlookTransport{
		sender:   sender,
		client:   oauthConfig.Client(ctx, token),
		endpoint: cfg.GraphEndpoint,
		logger:   slog.Default().With("component", "transport-outlook", "sender_id", sender.ID),
	}
}

func (t *outlookTransport) Type() string { return store.SenderTypeOutlook }

func (t *outlookTransport) HealthInputs() HealthInputs { return healthInputs(t.sender) }

type graphMessage struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Subject        string `json:"subject"`
	Body           struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (t *outlookTransport) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	msg := graphMessage{Subject: req.Subject}
	msg.Body.ContentType = "HTML"
	msg.Body.Content = req.Body
	var rcpt graphRecipient
	rcpt.EmailAddress.Address = req.To
	msg.ToRecipients = []graphRecipient{rcpt}

	created, err := t.createDraft(ctx, &msg)
	if err != nil {
		return nil, err
	}
	if err := t.sendDraft(ctx, created.ID); err != nil {
		return nil, err
	}

	t.logger.Debug("Message sent", "to", req.To,
		"graph_id", created.ID, "conversation_id", created.ConversationID)

	// Graph reports a conversation id; it doubles as the thread id
	return &SendResult{
		MessageID:      created.ID,
		ThreadID:       created.ConversationID,
		ConversationID: created.ConversationID,
	}, nil
}

func (t *outlookTransport) createDraft(ctx context.Context, msg *graphMessage) (*graphMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"/me/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Graph create failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, graphError("create", resp)
	}

	var created graphMessage
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to decode Graph response: %w", err)
	}
	return &created, nil
}

func (t *outlookTransport) sendDraft(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"/me/messages/"+id+"/send", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Length", "0")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("Graph send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return graphError("send", resp)
	}
	return nil
}

// VerifyCredentials fetches the signed-in account to prove the token works
func (t *outlookTransport) VerifyCredentials(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/me", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("Graph credential check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return graphError("profile", resp)
	}
	return nil
}

func graphError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("Graph %s returned %d: %s", op, resp.StatusCode, string(snippet))
}
