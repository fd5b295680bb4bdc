//go:build integration

package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/logging"
	"github.com/harborq/jobqueue/internal/metrics"
)

// newConnectedBroker dials a real broker at localhost, skipping the
// test outright when one isn't reachable rather than failing the
// suite.
func newConnectedBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(testParams(0), logging.New(zerolog.Disabled), metrics.New(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		t.Skipf("no broker reachable at localhost:5672, skipping integration test: %s", err)
	}
	return b
}

func drainUpTo(t *testing.T, h *consumerHandle, quiet time.Duration) int {
	t.Helper()
	n := 0
	for {
		select {
		case <-h.Deliveries():
			n++
		case <-time.After(quiet):
			return n
		}
	}
}

// TestAttachConsumerSumsQosAcrossCoResidentHandles drives three
// consumers at prefetch 2/1/2 onto one dedicated channel, per the
// three-consumers scenario: each handle should settle at exactly its
// own prefetch worth of undelivered messages once its queue's backlog
// exceeds that count, since the channel's Qos is kept at the running
// sum of every active handle's prefetch.
func TestAttachConsumerSumsQosAcrossCoResidentHandles(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	queues := []string{
		"integration." + uuid.NewString(),
		"integration." + uuid.NewString(),
		"integration." + uuid.NewString(),
	}
	prefetches := []int{2, 1, 2}

	require.NoError(t, b.DeclareQueues(ctx, []api.QueueSpec{
		{Name: queues[0]}, {Name: queues[1]}, {Name: queues[2]},
	}))

	dc, err := b.newDedicatedChannel()
	require.NoError(t, err)

	handles := make([]*consumerHandle, len(queues))
	for i, q := range queues {
		h, err := b.attachConsumer(dc, q, prefetches[i])
		require.NoError(t, err)
		handles[i] = h
	}
	assert.Equal(t, 5, dc.prefetchSum)

	for i, q := range queues {
		for n := 0; n < prefetches[i]+3; n++ {
			_, err := b.Publish(ctx, api.Publication{RoutingKey: q, Body: []byte(fmt.Sprintf(`{"name":%q}`, q))})
			require.NoError(t, err)
		}
	}

	for i, h := range handles {
		got := drainUpTo(t, h, 500*time.Millisecond)
		assert.Equal(t, prefetches[i], got, "queue %s should have exactly its own prefetch worth of undelivered messages", queues[i])
	}
}
