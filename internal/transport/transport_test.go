package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-mta/courier/internal/store"
)

func TestNewSelectsVariant(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()

	t.Run("smtp", func(t *testing.T) {
		tr, err := New(ctx, &store.Sender{Type: store.SenderTypeSMTP, SMTPHost: "smtp.example.com"}, cfg)
		require.NoError(t, err)
		assert.Equal(t, store.SenderTypeSMTP, tr.Type())
	})

	t.Run("gmail", func(t *testing.T) {
		tr, err := New(ctx, &store.Sender{
			Type:              store.SenderTypeGmail,
			OAuthClientID:     "client",
			OAuthClientSecret: "secret",
			OAuthRefreshToken: "refresh",
		}, cfg)
		require.NoError(t, err)
		assert.Equal(t, store.SenderTypeGmail, tr.Type())
	})

	t.Run("outlook", func(t *testing.T) {
		tr, err := New(ctx, &store.Sender{
			Type:              store.SenderTypeOutlook,
			OAuthClientID:     "client",
			OAuthClientSecret: "secret",
			OAuthRefreshToken: "refresh",
		}, cfg)
		require.NoError(t, err)
		assert.Equal(t, store.SenderTypeOutlook, tr.Type())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := New(ctx, &store.Sender{Type: "carrier-pigeon"}, cfg)
		assert.ErrorIs(t, err, ErrUnsupportedSenderType)
	})
}

func TestHealthInputs(t *testing.T) {
	sender := &store.Sender{
		Type:         store.SenderTypeSMTP,
		Domain:       "sender.example",
		DKIMSelector: "mail",
		SendingIP:    "203.0.113.25",
	}
	tr, err := New(context.Background(), sender, DefaultConfig())
	require.NoError(t, err)

	inputs := tr.HealthInputs()
	assert.Equal(t, "sender.example", inputs.Domain)
	assert.Equal(t, "mail", inputs.DKIMSelector)
	assert.Equal(t, "203.0.113.25", inputs.SendingIP)
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(errors.New("oauth2: cannot fetch token: 401 Unauthorized")))
	assert.True(t, IsAuthError(errors.New(`oauth2: "invalid_grant"`)))
	assert.True(t, IsAuthError(errors.New("authentication failed: 535 5.7.8")))
	assert.True(t, IsAuthError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsAuthError(errors.New("write: broken pipe")))

	assert.False(t, IsAuthError(nil))
	assert.False(t, IsAuthError(errors.New("550 user unknown")))
	assert.False(t, IsAuthError(errors.New("452 mailbox full")))
}

func TestBuildMessage(t *testing.T) {
	msg := buildMessage("<id-1@sender.example>", SendRequest{
		From:    "news@sender.example",
		To:      "rcpt@example.com",
		Subject: "Hello",
		Body:    "<p>hi</p>",
	})

	assert.True(t, strings.HasPrefix(msg, "Message-ID: <id-1@sender.example>\r\n"))
	assert.Contains(t, msg, "From: news@sender.example\r\n")
	assert.Contains(t, msg, "To: rcpt@example.com\r\n")
	assert.Contains(t, msg, "Subject: Hello\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8\r\n")

	headerEnd := strings.Index(msg, "\r\n\r\n")
	require.Positive(t, headerEnd)
	assert.Contains(t, msg[headerEnd:], "<p>hi</p>")
}

func TestTransportCache(t *testing.T) {
	ctx := context.Background()
	sender := &store.Sender{ID: "snd-1", Type: store.SenderTypeSMTP, SMTPHost: "smtp.example.com"}

	t.Run("reuses within ttl", func(t *testing.T) {
		c := NewTransportCache(time.Minute, DefaultConfig())

		first, err := c.Get(ctx, sender)
		require.NoError(t, err)
		second, err := c.Get(ctx, sender)
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 1, c.Size())
	})

	t.Run("rebuilds after ttl", func(t *testing.T) {
		c := NewTransportCache(10*time.Millisecond, DefaultConfig())

		first, err := c.Get(ctx, sender)
		require.NoError(t, err)

		time.Sleep(15 * time.Millisecond)
		second, err := c.Get(ctx, sender)
		require.NoError(t, err)

		assert.NotSame(t, first, second)
	})

	t.Run("evicts on auth error only", func(t *testing.T) {
		c := NewTransportCache(time.Minute, DefaultConfig())
		_, err := c.Get(ctx, sender)
		require.NoError(t, err)

		assert.False(t, c.EvictOnError("snd-1", errors.New("550 user unknown")))
		assert.Equal(t, 1, c.Size())

		assert.True(t, c.EvictOnError("snd-1", errors.New("token expired")))
		assert.Zero(t, c.Size())
	})
}
