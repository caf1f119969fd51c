package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-mta/courier/internal/cache"
	"github.com/courier-mta/courier/internal/detector"
	"github.com/courier-mta/courier/internal/queue"
	"github.com/courier-mta/courier/internal/ratelimit"
	"github.com/courier-mta/courier/internal/store"
)

type stubResolver struct{}

func (stubResolver) LookupMX(_ context.Context, domain string) ([]*net.MX, error) {
	return []*net.MX{{Host: "aspmx.l.google.com.", Pref: 1}}, nil
}

type stubDialer struct{}

func (stubDialer) ReadBanner(_ context.Context, _ string, _ int) (string, error) {
	return "220 mx.google.com ESMTP gsmtp", nil
}

type fixture struct {
	router   *Router
	store    *store.MemoryStore
	queues   *queue.Manager
	counters cache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()

	counters := cache.NewMemory()
	require.NoError(t, counters.Connect())
	t.Cleanup(func() { counters.Close() })

	queues, err := queue.NewManager(t.TempDir())
	require.NoError(t, err)

	det := detector.NewDetector(detector.DefaultConfig(), stubResolver{}, stubDialer{})
	detections := detector.NewLayeredCache(nil, det, counters, st)

	limiter := ratelimit.NewLimiter(nil, counters, nil)

	r := New(&Config{
		RetryDelay: 20 * time.Millisecond,
		ChunkPause: time.Millisecond,
	}, st, detections, limiter, queues)

	return &fixture{router: r, store: st, queues: queues, counters: counters}
}

func (f *fixture) seedSender(t *testing.T, reputation int) {
	t.Helper()
	f.store.AddSender(&store.Sender{
		ID:          "snd-1",
		Type:        store.SenderTypeSMTP,
		FromAddress: "news@sender.example",
		Domain:      "sender.example",
		IsVerified:  true,
		IsActive:    true,
	})
	require.NoError(t, f.store.UpsertSenderHealth(context.Background(), &store.SenderHealth{
		SenderID:        "snd-1",
		ReputationScore: reputation,
	}))
}

func (f *fixture) seedEmail(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateEmail(context.Background(), &store.Email{
		ID:         id,
		UserID:     "usr-1",
		SenderID:   "snd-1",
		SenderType: store.SenderTypeSMTP,
		ToAddress:  "rcpt@example.com",
		Status:     store.StatusPending,
	}))
}

func (f *fixture) routeOne(t *testing.T, emailID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.queues.Publish(ctx, queue.RouteQueue, queue.Payload{EmailID: emailID})
	require.NoError(t, err)

	msg, err := f.queues.Receive(ctx, queue.RouteQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, f.router.Handle(ctx, msg))
}

func TestRouteSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedSender(t, 95)
	f.seedEmail(t, "em-1")
	ctx := context.Background()

	f.routeOne(t, "em-1")

	email, err := f.store.GetEmail(ctx, "em-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRouted, email.Status)
	assert.Equal(t, "GOOGLE", email.DeliveryProvider)
	assert.Equal(t, "HIGH", email.DeliveryConfidence)

	msg, err := f.queues.Receive(ctx, queue.DeliveryQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "em-1", msg.Payload.EmailID)
	assert.Equal(t, store.SenderTypeSMTP, msg.Payload.SenderType)
	require.NotNil(t, msg.Payload.Policy)
	assert.Equal(t, 8, msg.Payload.Policy.LimitPerMinute)
	assert.Equal(t, 5000, msg.Payload.Policy.DelayMs)

	// Route queue fully drained
	depth, err := f.queues.Depth(queue.RouteQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)

	events := f.store.EmailEvents()
	require.Len(t, events, 1)
	assert.Equal(t, store.EventRouted, events[0].EventType)
}

func TestRouteReputationFloor(t *testing.T) {
	f := newFixture(t)
	f.seedSender(t, 35)
	f.seedEmail(t, "em-1")
	ctx := context.Background()

	f.routeOne(t, "em-1")

	email, err := f.store.GetEmail(ctx, "em-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, email.Status)
	assert.Contains(t, email.LastError, "reputation")

	msg, err := f.queues.Receive(ctx, queue.DeliveryQueue)
	require.NoError(t, err)
	assert.Nil(t, msg, "failed email must not reach delivery")
}

func TestRouteIneligibleSender(t *testing.T) {
	f := newFixture(t)
	f.store.AddSender(&store.Sender{
		ID:         "snd-1",
		Type:       store.SenderTypeSMTP,
		IsVerified: false,
		IsActive:   true,
	})
	f.seedEmail(t, "em-1")
	ctx := context.Background()

	f.routeOne(t, "em-1")

	email, err := f.store.GetEmail(ctx, "em-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, email.Status)
}

func TestRouteSkipsNonPending(t *testing.T) {
	f := newFixture(t)
	f.seedSender(t, 95)
	f.seedEmail(t, "em-1")
	ctx := context.Background()

	require.NoError(t, f.store.MarkEmailRouted(ctx, "em-1", "ZOHO", "LOW"))

	f.routeOne(t, "em-1")

	// A redelivered message never re-routes or re-publishes
	email, err := f.store.GetEmail(ctx, "em-1")
	require.NoError(t, err)
	assert.Equal(t, "ZOHO", email.DeliveryProvider)

	msg, err := f.queues.Receive(ctx, queue.DeliveryQueue)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRouteUnknownEmailDropped(t *testing.T) {
	f := newFixture(t)
	f.routeOne(t, "ghost")

	depth, err := f.queues.Depth(queue.RouteQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRouteProviderWindowRepublishes(t *testing.T) {
	f := newFixture(t)
	f.seedSender(t, 95)
	ctx := context.Background()

	// Fill the provider window: reputation 95 smtp against GOOGLE gives
	// 8 per minute
	_, err := f.counters.IncrementWithTTL(ctx, "rate:provider:GOOGLE", 8, time.Minute)
	require.NoError(t, err)

	f.seedEmail(t, "em-over")
	f.routeOne(t, "em-over")

	// Email stays pending and the message is parked behind the retry delay
	email, err := f.store.GetEmail(ctx, "em-over")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, email.Status)

	msg, err := f.queues.Receive(ctx, queue.RouteQueue)
	require.NoError(t, err)
	assert.Nil(t, msg, "republished message must respect the retry delay")

	time.Sleep(30 * time.Millisecond)
	msg, err = f.queues.Receive(ctx, queue.RouteQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "em-over", msg.Payload.EmailID)
}

func TestRouteProviderWindowKeepsWarmupSlots(t *testing.T) {
	f := newFixture(t)
	f.seedSender(t, 95)
	ctx := context.Background()

	// A warming sender behind a full provider window
	warmupStart := time.Now().AddDate(0, 0, -1)
	sender, err := f.store.GetSender(ctx, "snd-1")
	require.NoError(t, err)
	sender.WarmupStartAt = &warmupStart
	f.store.AddSender(sender)

	_, err = f.counters.IncrementWithTTL(ctx, "rate:provider:GOOGLE", 8, time.Minute)
	require.NoError(t, err)

	f.seedEmail(t, "em-over")
	f.routeOne(t, "em-over")

	// Every pushed-back attempt returns its warmup slot, so redeliveries
	// do not drain the daily cap while nothing is sent
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		msg, err := f.queues.Receive(ctx, queue.RouteQueue)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.NoError(t, f.router.Handle(ctx, msg))
	}

	warmup := "rate:warmup:snd-1:" + time.Now().Format("2006-01-02")
	value, err := f.counters.Get(ctx, warmup)
	require.NoError(t, err)
	assert.Equal(t, "0", value)

	email, err := f.store.GetEmail(ctx, "em-over")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, email.Status)
}

func TestRouteWarmupCapFailsTerminally(t *testing.T) {
	f := newFixture(t)
	f.seedSender(t, 95)
	ctx := context.Background()

	// A sender one day into warmup is capped at 20 per day
	warmupStart := time.Now().AddDate(0, 0, -1)
	sender, err := f.store.GetSender(ctx, "snd-1")
	require.NoError(t, err)
	sender.WarmupStartAt = &warmupStart
	f.store.AddSender(sender)

	key := "rate:warmup:snd-1:" + time.Now().Format("2006-01-02")
	_, err = f.counters.IncrementWithTTL(ctx, key, 20, 24*time.Hour)
	require.NoError(t, err)

	f.seedEmail(t, "em-over")
	f.routeOne(t, "em-over")

	email, err := f.store.GetEmail(ctx, "em-over")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, email.Status)
	assert.Contains(t, email.LastError, "rate window")
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("User@Example.COM"))
	assert.Equal(t, "bare", DomainOf("bare"))
}
