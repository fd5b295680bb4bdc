package gochan

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/logging"
	"github.com/harborq/jobqueue/internal/metrics"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(logging.New(zerolog.Disabled), metrics.New(nil))
	require.NoError(t, b.Connect(context.Background()))
	return b
}

func envelope(t *testing.T, name string, attempt int) []byte {
	t.Helper()
	body, err := json.Marshal(api.JobRequest{Name: name, Attempt: attempt})
	require.NoError(t, err)
	return body
}

func waitForDelivery(t *testing.T, ch <-chan api.Delivery) api.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a delivery")
		return api.Delivery{}
	}
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	handle, err := b.Consume(ctx, "jobs", 1)
	require.NoError(t, err)

	_, err = b.Publish(ctx, api.Publication{RoutingKey: "jobs", Body: envelope(t, "send-email", 1)})
	require.NoError(t, err)

	d := waitForDelivery(t, handle.Deliveries())
	require.NotNil(t, d.Request)
	assert.Equal(t, "send-email", d.Request.Name)
	assert.NoError(t, d.Ack())
}

func TestPublishBeforeConnectFails(t *testing.T) {
	b := New(logging.New(zerolog.Disabled), metrics.New(nil))
	_, err := b.Publish(context.Background(), api.Publication{RoutingKey: "jobs"})
	assert.ErrorIs(t, err, api.ErrNotConnected)
}

func TestShutdownBeforeConnectFails(t *testing.T) {
	b := New(logging.New(zerolog.Disabled), metrics.New(nil))
	err := b.Shutdown(context.Background())
	assert.ErrorIs(t, err, api.ErrNotConnected)
}

func TestPrefetchLimitsInFlightDeliveries(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	handle, err := b.Consume(ctx, "jobs", 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = b.Publish(ctx, api.Publication{RoutingKey: "jobs", Body: envelope(t, "j", 1)})
		require.NoError(t, err)
	}

	waitForDelivery(t, handle.Deliveries())

	select {
	case <-handle.Deliveries():
		t.Fatal("a second delivery arrived before the first was acked, violating prefetch=1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNackWithRequeueRedeliversToAnotherConsumer(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	h1, err := b.Consume(ctx, "jobs", 1)
	require.NoError(t, err)
	h2, err := b.Consume(ctx, "jobs", 1)
	require.NoError(t, err)

	_, err = b.Publish(ctx, api.Publication{RoutingKey: "jobs", Body: envelope(t, "j", 1)})
	require.NoError(t, err)

	first := waitForDelivery(t, h1.Deliveries())
	require.NoError(t, first.Nack(true))

	select {
	case d := <-h1.Deliveries():
		require.NoError(t, d.Ack())
	case d := <-h2.Deliveries():
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("requeued message was never redelivered")
	}
}

func TestNackWithoutRequeueDropsMessage(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	h, err := b.Consume(ctx, "jobs", 1)
	require.NoError(t, err)

	_, err = b.Publish(ctx, api.Publication{RoutingKey: "jobs", Body: envelope(t, "j", 1)})
	require.NoError(t, err)

	d := waitForDelivery(t, h.Deliveries())
	require.NoError(t, d.Nack(false))

	msgs, consumers, err := b.CheckQueue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, msgs)
	assert.Equal(t, 1, consumers)
}

func TestPauseQueueStopsDelivery(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	h, err := b.Consume(ctx, "jobs", 1)
	require.NoError(t, err)
	require.NoError(t, b.PauseQueue(ctx, "jobs"))

	_, err = b.Publish(ctx, api.Publication{RoutingKey: "jobs", Body: envelope(t, "j", 1)})
	require.NoError(t, err)

	select {
	case <-h.Deliveries():
		t.Fatal("delivery arrived on a paused queue")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, b.ResumeQueue(ctx, "jobs"))
	waitForDelivery(t, h.Deliveries())
}

func TestPurgeQueuesDropsBacklog(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareQueues(ctx, []api.QueueSpec{{Name: "jobs"}}))
	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, api.Publication{RoutingKey: "jobs", Body: envelope(t, "j", 1)})
		require.NoError(t, err)
	}

	purged, err := b.PurgeQueues(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 5, purged)

	msgs, _, err := b.CheckQueue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, msgs)
}

func TestCancelRemovesHandleFromQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	h, err := b.Consume(ctx, "jobs", 1)
	require.NoError(t, err)

	require.NoError(t, h.Cancel())
	assert.False(t, h.Active())

	select {
	case <-h.Done():
	default:
		t.Fatal("Cancel should close Done")
	}

	_, consumers, err := b.CheckQueue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, consumers)
}

func TestSimulateChannelLossSignalsResumeOnce(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	h, err := b.Consume(ctx, "jobs", 1)
	require.NoError(t, err)

	b.SimulateChannelLoss("jobs")

	select {
	case <-h.Resume():
	case <-time.After(time.Second):
		t.Fatal("expected exactly one resume signal after simulated channel loss")
	}

	select {
	case <-h.Resume():
		t.Fatal("resume fired more than once for a single simulated rewire")
	default:
	}
}

func TestPublishRoutesThroughDeclaredBinding(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareExchanges(ctx, []api.ExchangeSpec{{Name: "jobs.retry", Kind: "direct", Durable: true}}))
	require.NoError(t, b.DeclareBindings(ctx, []api.BindingSpec{{Exchange: "jobs.retry", Queue: "jobs.retry.queue", RoutingKey: "jobs"}}))

	h, err := b.Consume(ctx, "jobs.retry.queue", 1)
	require.NoError(t, err)

	_, err = b.Publish(ctx, api.Publication{Exchange: "jobs.retry", RoutingKey: "jobs", Body: envelope(t, "j", 2)})
	require.NoError(t, err)

	d := waitForDelivery(t, h.Deliveries())
	assert.Equal(t, 2, d.Request.Attempt)
}
