package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return mgr
}

func TestPublishReceiveAck(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Publish(ctx, RouteQueue, Payload{EmailID: "em-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := mgr.Receive(ctx, RouteQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "em-1", msg.Payload.EmailID)

	// Leased message is not handed out twice
	second, err := mgr.Receive(ctx, RouteQueue)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, mgr.Ack(ctx, msg))

	depth, err := mgr.Depth(RouteQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestReceiveOldestFirst(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Publish(ctx, RouteQueue, Payload{EmailID: "em-1"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = mgr.Publish(ctx, RouteQueue, Payload{EmailID: "em-2"})
	require.NoError(t, err)

	msg, err := mgr.Receive(ctx, RouteQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, first, msg.ID)
}

func TestPublishDelayedVisibility(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.PublishDelayed(ctx, RouteQueue, Payload{EmailID: "em-1"}, 50*time.Millisecond)
	require.NoError(t, err)

	msg, err := mgr.Receive(ctx, RouteQueue)
	require.NoError(t, err)
	assert.Nil(t, msg, "delayed message must stay invisible")

	// Still durable while invisible
	depth, err := mgr.Depth(RouteQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	time.Sleep(60 * time.Millisecond)
	msg, err = mgr.Receive(ctx, RouteQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "em-1", msg.Payload.EmailID)
}

func TestAckSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	mgr, err := NewManager(dir)
	require.NoError(t, err)
	_, err = mgr.Publish(ctx, DeliveryQueue, Payload{EmailID: "em-1"})
	require.NoError(t, err)

	// Unacked messages come back after a restart
	restarted, err := NewManager(dir)
	require.NoError(t, err)

	msg, err := restarted.Receive(ctx, DeliveryQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "em-1", msg.Payload.EmailID)

	require.NoError(t, restarted.Ack(ctx, msg))

	again, err := NewManager(dir)
	require.NoError(t, err)
	depth, err := again.Depth(DeliveryQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestAttemptCountSurvivesRedelivery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	mgr, err := NewManager(dir)
	require.NoError(t, err)
	_, err = mgr.Publish(ctx, RouteQueue, Payload{EmailID: "em-1"})
	require.NoError(t, err)

	msg, err := mgr.Receive(ctx, RouteQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.Attempts)

	// A crashed worker releases the lease; the redelivered envelope carries
	// the attempt history
	restarted, err := NewManager(dir)
	require.NoError(t, err)

	msg, err = restarted.Receive(ctx, RouteQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.Attempts)

	listed, err := restarted.List(RouteQueue)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 2, listed[0].Attempts)
}

func TestPark(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := mgr.Publish(ctx, RouteQueue, Payload{EmailID: "em-1"})
	require.NoError(t, err)

	msg, err := mgr.Receive(ctx, RouteQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, mgr.Park(ctx, msg, "handler panic"))

	depth, err := mgr.Depth(RouteQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Parked envelope stays on disk for operator inspection
	_, err = os.Stat(filepath.Join(dir, RouteQueue, "failed", id+".json"))
	assert.NoError(t, err)
}

func TestConsumerProcessesMessages(t *testing.T) {
	mgr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		handled.Add(1)
		return mgr.Ack(ctx, msg)
	})

	for i := 0; i < 5; i++ {
		_, err := mgr.Publish(ctx, RouteQueue, Payload{EmailID: "em"})
		require.NoError(t, err)
	}

	consumer := NewConsumer(mgr, RouteQueue, handler, 3, 10*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return handled.Load() == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	assert.True(t, err == nil || errors.Is(err, context.Canceled))

	depth, err := mgr.Depth(RouteQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestConsumerParksOnHandlerError(t *testing.T) {
	mgr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		return errors.New("boom")
	})

	_, err := mgr.Publish(ctx, RouteQueue, Payload{EmailID: "em-1"})
	require.NoError(t, err)

	consumer := NewConsumer(mgr, RouteQueue, handler, 1, 10*time.Millisecond)
	go consumer.Run(ctx)

	require.Eventually(t, func() bool {
		depth, err := mgr.Depth(RouteQueue)
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)
}
