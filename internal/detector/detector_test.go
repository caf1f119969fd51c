package detector

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	records map[string][]*net.MX
	err     error
}

func (r *fakeResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.records[domain], nil
}

type fakeDialer struct {
	banners map[string]string
	err     error
	calls   int
}

func (d *fakeDialer) ReadBanner(ctx context.Context, host string, port int) (string, error) {
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	return d.banners[host], nil
}

func newTestDetector(resolver Resolver, dialer BannerDialer) *Detector {
	return NewDetector(DefaultConfig(), resolver, dialer)
}

func TestDetectGoogleWithBanner(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.MX{
		"example.com": {
			{Host: "aspmx.l.google.com.", Pref: 1},
			{Host: "alt1.aspmx.l.google.com.", Pref: 5},
			{Host: "alt2.aspmx.l.google.com.", Pref: 5},
		},
	}}
	dialer := &fakeDialer{banners: map[string]string{
		"aspmx.l.google.com": "220 mx.google.com ESMTP gsmtp",
	}}

	result, err := newTestDetector(resolver, dialer).Detect(context.Background(), "example.com")
	require.NoError(t, err)

	assert.Equal(t, ProviderGoogle, result.Provider)
	assert.Equal(t, ConfidenceHigh, result.Confidence)
	assert.InDelta(t, 1.0, result.Score, 0.001)
	assert.Equal(t, "220 mx.google.com ESMTP gsmtp", result.Signals.Banner)
}

func TestDetectAddressInput(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.MX{
		"example.com": {{Host: "example-com.mail.protection.outlook.com.", Pref: 0}},
	}}
	dialer := &fakeDialer{}

	result, err := newTestDetector(resolver, dialer).Detect(context.Background(), "Alice@Example.com")
	require.NoError(t, err)

	assert.Equal(t, "example.com", result.Domain)
	assert.Equal(t, ProviderMicrosoft, result.Provider)
}

func TestDetectNoMXRecords(t *testing.T) {
	t.Run("lookup error", func(t *testing.T) {
		resolver := &fakeResolver{err: errors.New("no such host")}
		dialer := &fakeDialer{}

		result, err := newTestDetector(resolver, dialer).Detect(context.Background(), "nowhere.invalid")
		require.NoError(t, err)

		assert.Equal(t, ProviderUnknown, result.Provider)
		assert.Equal(t, ConfidenceWeak, result.Confidence)
		assert.Zero(t, result.Score)
		assert.Zero(t, dialer.calls, "no banner probe without MX hosts")
	})

	t.Run("empty answer", func(t *testing.T) {
		resolver := &fakeResolver{records: map[string][]*net.MX{}}

		result, err := newTestDetector(resolver, &fakeDialer{}).Detect(context.Background(), "empty.test")
		require.NoError(t, err)
		assert.Equal(t, ProviderUnknown, result.Provider)
	})
}

func TestDetectSelfHostedFallback(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.MX{
		"corp.example": {{Host: "mail.corp.example.", Pref: 10}},
	}}
	dialer := &fakeDialer{banners: map[string]string{
		"mail.corp.example": "220 mail.corp.example ESMTP Postfix",
	}}

	result, err := newTestDetector(resolver, dialer).Detect(context.Background(), "corp.example")
	require.NoError(t, err)

	assert.Equal(t, ProviderSelfHosted, result.Provider)
	assert.InDelta(t, 0.4, result.Score, 0.001)
	assert.Equal(t, ConfidenceWeak, result.Confidence)
}

func TestDetectBannerFailureDoesNotFail(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.MX{
		"example.org": {{Host: "mx.zoho.com.", Pref: 10}},
	}}
	dialer := &fakeDialer{err: errors.New("connection timed out")}

	result, err := newTestDetector(resolver, dialer).Detect(context.Background(), "example.org")
	require.NoError(t, err)

	// MX alone: 0.6 plus the consistency bonus
	assert.Equal(t, ProviderZoho, result.Provider)
	assert.InDelta(t, 0.7, result.Score, 0.001)
	assert.Equal(t, ConfidenceMedium, result.Confidence)
	assert.Empty(t, result.Signals.Banner)
}

func TestDetectGatewayOverMailbox(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.MX{
		"guarded.example": {
			{Host: "mx0a-guarded.pphosted.com.", Pref: 10},
			{Host: "mx0b-guarded.pphosted.com.", Pref: 20},
		},
	}}
	dialer := &fakeDialer{}

	result, err := newTestDetector(resolver, dialer).Detect(context.Background(), "guarded.example")
	require.NoError(t, err)

	assert.Equal(t, ProviderProofpoint, result.Provider)
	assert.True(t, result.Provider.SecurityGateway())
}

func TestDetectDeterministic(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.MX{
		"example.com": {
			{Host: "alt1.aspmx.l.google.com.", Pref: 5},
			{Host: "aspmx.l.google.com.", Pref: 1},
		},
	}}
	dialer := &fakeDialer{banners: map[string]string{
		"aspmx.l.google.com": "220 mx.google.com ESMTP gsmtp",
	}}
	det := newTestDetector(resolver, dialer)

	first, err := det.Detect(context.Background(), "example.com")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		next, err := det.Detect(context.Background(), "example.com")
		require.NoError(t, err)
		assert.Equal(t, first.Provider, next.Provider)
		assert.Equal(t, first.Score, next.Score)
		assert.Equal(t, first.Signals.MXHosts, next.Signals.MXHosts)
	}

	// Preference sorting puts the primary MX first regardless of answer order
	assert.Equal(t, "aspmx.l.google.com", first.Signals.MXHosts[0])
}

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeDomain("User@EXAMPLE.COM"))
	assert.Equal(t, "example.com", NormalizeDomain("example.com."))
	assert.Equal(t, "example.com", NormalizeDomain("  example.com  "))
	assert.Equal(t, "", NormalizeDomain("user@"))
}

func TestConfidenceForScore(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, ConfidenceForScore(0.95))
	assert.Equal(t, ConfidenceHigh, ConfidenceForScore(0.9))
	assert.Equal(t, ConfidenceMedium, ConfidenceForScore(0.7))
	assert.Equal(t, ConfidenceLow, ConfidenceForScore(0.5))
	assert.Equal(t, ConfidenceWeak, ConfidenceForScore(0.49))
	assert.Equal(t, ConfidenceWeak, ConfidenceForScore(0))
}
