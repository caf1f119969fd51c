package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courier-mta/courier/internal/store"
)

// smtpTransport submits mail over an authenticated SMTP session
type smtpTransport struct {
	sender  *store.Sender
	timeout time.Duration
	logger  *slog.Logger
}

func newSMTPTransport(sender *store.Sender, cfg *Config) *smtpTransport {
	return &smtpTransport{
		sender:  sender,
		timeout: cfg.SendTimeout,
		logger:  slog.Default().With("component", "transport-smtp", "sender_id", sender.ID),
	}
}

func (t *smtpTransport) Type() string { return store.SenderTypeSMTP }

func (t *smtpTransport) HealthInputs() HealthInputs { return healthInputs(t.sender) }

func (t *smtpTransport) addr() string {
	port := t.sender.SMTPPort
	if port == 0 {
		port = 587
	}
	return net.JoinHostPort(t.sender.SMTPHost, fmt.Sprintf("%d", port))
}

// connect dials the submission endpoint, upgrades to TLS when offered, and
// authenticates
func (t *smtpTransport) connect(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.timeout))
	}

	client, err := smtp.NewClient(conn, t.sender.SMTPHost)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP handshake failed: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: t.sender.SMTPHost}
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if t.sender.SMTPUsername != "" {
		auth := smtp.PlainAuth("", t.sender.SMTPUsername, t.sender.SMTPPassword, t.sender.SMTPHost)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}

	return client, nil
}

func (t *smtpTransport) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Quit()

	if err := client.Mail(req.From); err != nil {
		return nil, fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := client.Rcpt(req.To); err != nil {
		return nil, fmt.Errorf("RCPT TO rejected: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return nil, fmt.Errorf("DATA rejected: %w", err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), t.sender.Domain)
	if _, err := wc.Write([]byte(buildMessage(messageID, req))); err != nil {
		wc.Close()
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("message rejected: %w", err)
	}

	t.logger.Debug("Message submitted", "to", req.To, "message_id", messageID)

	// SMTP submission has no provider thread concept
	return &SendResult{MessageID: messageID}, nil
}

// VerifyCredentials opens and authenticates a session without sending
func (t *smtpTransport) VerifyCredentials(ctx context.Context) error {
	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	return client.Quit()
}

// buildMessage renders RFC 5322 headers and body
func buildMessage(messageID string, req SendRequest) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	b.WriteString(fmt.Sprintf("From: %s\r\n", req.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", req.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", req.Subject))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(req.Body)
	b.WriteString("\r\n")
	return b.String()
}
