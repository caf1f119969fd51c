package detector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-mta/courier/internal/cache"
	"github.com/courier-mta/courier/internal/store"
)

func newLayeredFixture(t *testing.T) (*LayeredCache, *fakeDialer, cache.Cache, *store.MemoryStore) {
	t.Helper()

	resolver := &fakeResolver{records: map[string][]*net.MX{
		"example.com": {{Host: "aspmx.l.google.com.", Pref: 1}},
	}}
	dialer := &fakeDialer{banners: map[string]string{
		"aspmx.l.google.com": "220 mx.google.com ESMTP gsmtp",
	}}

	shared := cache.NewMemory()
	require.NoError(t, shared.Connect())
	t.Cleanup(func() { shared.Close() })

	records := store.NewMemoryStore()

	lc := NewLayeredCache(&CacheConfig{
		MemoryTTL:     time.Minute,
		SharedTTL:     time.Hour,
		PersistentTTL: 24 * time.Hour,
	}, newTestDetector(resolver, dialer), shared, records)

	return lc, dialer, shared, records
}

func TestLayeredCacheSingleProbe(t *testing.T) {
	lc, dialer, _, _ := newLayeredFixture(t)
	ctx := context.Background()

	first, err := lc.Detect(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, first.Provider)
	assert.Equal(t, 1, dialer.calls)

	// Repeated lookups within the TTL never re-probe
	for i := 0; i < 10; i++ {
		result, err := lc.Detect(ctx, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, ProviderGoogle, result.Provider)
	}
	assert.Equal(t, 1, dialer.calls)
	assert.Equal(t, 1, lc.MemorySize())
}

func TestLayeredCacheWriteThrough(t *testing.T) {
	lc, _, shared, records := newLayeredFixture(t)
	ctx := context.Background()

	_, err := lc.Detect(ctx, "example.com")
	require.NoError(t, err)

	raw, err := shared.Get(ctx, "detect:example.com")
	require.NoError(t, err)
	assert.Contains(t, raw, "GOOGLE")

	record, err := records.GetDetection(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "GOOGLE", record.Provider)
	assert.True(t, record.ExpiresAt.After(time.Now()))
}

func TestLayeredCacheFallsBackToSharedTier(t *testing.T) {
	lc, dialer, _, _ := newLayeredFixture(t)
	ctx := context.Background()

	_, err := lc.Detect(ctx, "example.com")
	require.NoError(t, err)

	// Simulate another instance: fresh memory tier over the same shared
	// and persistent tiers
	other := NewLayeredCache(lc.config, lc.detector, lc.shared, lc.records)
	result, err := other.Detect(ctx, "example.com")
	require.NoError(t, err)

	assert.Equal(t, ProviderGoogle, result.Provider)
	assert.Equal(t, 1, dialer.calls, "shared tier hit must not re-probe")
}

func TestLayeredCacheInvalidate(t *testing.T) {
	lc, dialer, _, records := newLayeredFixture(t)
	ctx := context.Background()

	_, err := lc.Detect(ctx, "example.com")
	require.NoError(t, err)

	lc.Invalidate(ctx, "example.com")
	assert.Zero(t, lc.MemorySize())
	_, err = records.GetDetection(ctx, "example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = lc.Detect(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.calls, "invalidation must force a fresh detection")
}

func TestLayeredCacheInvalidateAll(t *testing.T) {
	lc, _, _, records := newLayeredFixture(t)
	ctx := context.Background()

	_, err := lc.Detect(ctx, "example.com")
	require.NoError(t, err)

	lc.InvalidateAll(ctx)
	assert.Zero(t, lc.MemorySize())
	_, err = records.GetDetection(ctx, "example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
