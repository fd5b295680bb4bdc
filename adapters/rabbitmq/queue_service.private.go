package rabbitmq

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// newDedicatedChannel opens a fresh channel straight off the
// connection, not the publish pool, registers it under a fresh
// identity, and starts its close watcher.
func (b *Broker) newDedicatedChannel() (*dedicatedChannel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	id := atomic.AddUint64(&b.nextChannelID, 1)
	dc := &dedicatedChannel{id: id, ch: ch}

	b.registryMu.Lock()
	b.channelsByID[id] = dc
	b.registryMu.Unlock()

	go b.watchDedicatedChannel(dc)
	return dc, nil
}

// attachConsumer issues basic.consume for one more handle on dc,
// summing prefetch over every handle already resident there.
func (b *Broker) attachConsumer(dc *dedicatedChannel, queue string, prefetch int) (*consumerHandle, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	newSum := dc.prefetchSum + prefetch
	if err := dc.ch.Qos(newSum, 0, false); err != nil {
		return nil, err
	}
	dc.prefetchSum = newSum

	tag := uuid.NewString()
	msgs, err := dc.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		dc.prefetchSum -= prefetch
		return nil, err
	}

	h := newConsumerHandle(b, queue, prefetch, dc.id)
	h.consumerTag = tag
	dc.handles = append(dc.handles, h)

	go b.pumpDeliveries(dc, h, msgs)
	return h, nil
}

// pumpDeliveries copies deliveries from the raw amqp channel into the
// handle's buffered channel until the source closes (either the
// consumer was cancelled, or the channel died — the caller
// distinguishes by checking h.Active()).
func (b *Broker) pumpDeliveries(dc *dedicatedChannel, h *consumerHandle, msgs <-chan amqp.Delivery) {
	for msg := range msgs {
		delivery := newDelivery(h.Queue(), dc.id, msg)
		select {
		case h.deliveries <- delivery:
		case <-h.Done():
			return
		}
	}
}

// watchDedicatedChannel rewires every active handle on dc onto a fresh
// channel when dc dies unexpectedly. An intentional close (the last handle on dc was cancelled)
// is flagged by dc.closingIntentional and skips rewiring.
func (b *Broker) watchDedicatedChannel(dc *dedicatedChannel) {
	closeCh := dc.ch.NotifyClose(make(chan *amqp.Error, 1))
	<-closeCh

	dc.mu.Lock()
	intentional := dc.closingIntentional
	activeHandles := make([]*consumerHandle, 0, len(dc.handles))
	for _, h := range dc.handles {
		if h.Active() {
			activeHandles = append(activeHandles, h)
		}
	}
	dc.mu.Unlock()

	b.registryMu.Lock()
	delete(b.channelsByID, dc.id)
	b.registryMu.Unlock()

	if intentional || len(activeHandles) == 0 {
		// No active handles: the channel loss is benign
		// §4.2 "If the registry has no active handles on the failed
		// channel, do not rewire."
		return
	}

	b.rewire(activeHandles)
}

// rewire moves every handle in handles onto a fresh channel, retrying
// the channel open with backoff (doubling from 500ms, capped at 10s) if
// the connection itself is mid-drop.
func (b *Broker) rewire(handles []*consumerHandle) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second

	var newDC *dedicatedChannel
	for {
		conn := b.currentConnection()
		if conn == nil || conn.IsClosed() {
			time.Sleep(backoff)
			backoff = growBackoff(backoff, maxBackoff)
			continue
		}
		dc, err := b.newDedicatedChannel()
		if err != nil {
			b.logger.Error().Err(err).Msg("rewire: failed to open replacement channel, retrying")
			time.Sleep(backoff)
			backoff = growBackoff(backoff, maxBackoff)
			continue
		}
		newDC = dc
		break
	}

	sum := 0
	for _, h := range handles {
		sum += h.Prefetch()
	}
	if err := newDC.ch.Qos(sum, 0, false); err != nil {
		b.logger.Error().Err(err).Msg("rewire: failed to set qos on replacement channel")
	}
	newDC.mu.Lock()
	newDC.prefetchSum = sum
	newDC.mu.Unlock()

	for _, h := range handles {
		tag := uuid.NewString()
		msgs, err := newDC.ch.Consume(h.Queue(), tag, false, false, false, false, nil)
		if err != nil {
			b.logger.Error().Err(err).Str("queue", h.Queue()).Msg("rewire: failed to re-issue consume")
			continue
		}
		h.mu.Lock()
		h.consumerTag = tag
		h.channelID = newDC.id
		h.mu.Unlock()

		newDC.mu.Lock()
		newDC.handles = append(newDC.handles, h)
		newDC.mu.Unlock()

		go b.pumpDeliveries(newDC, h, msgs)
		h.signalResume()
		b.metrics.ObserveRewire()
	}
}

func growBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (b *Broker) currentConnection() *amqp.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Broker) dedicatedChannelFor(h *consumerHandle) *dedicatedChannel {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()
	return b.channelsByID[h.currentChannelID()]
}

func (b *Broker) cancelHandle(h *consumerHandle) error {
	h.markCancelled()

	dc := b.dedicatedChannelFor(h)
	if dc == nil {
		return nil
	}

	dc.mu.Lock()
	remaining := dc.handles[:0:0]
	for _, other := range dc.handles {
		if other != h {
			remaining = append(remaining, other)
		}
	}
	dc.handles = remaining
	dc.prefetchSum -= h.Prefetch()
	lastOne := len(remaining) == 0
	dc.mu.Unlock()

	if err := dc.ch.Cancel(h.ConsumerTag(), false); err != nil {
		b.logger.Debug().Err(err).Msg("cancel: basic.cancel failed, channel likely already gone")
	}

	if lastOne {
		dc.mu.Lock()
		dc.closingIntentional = true
		dc.mu.Unlock()
		_ = dc.ch.Close()
		b.registryMu.Lock()
		delete(b.channelsByID, dc.id)
		b.registryMu.Unlock()
	} else {
		_ = dc.ch.Qos(dc.prefetchSum, 0, false)
	}
	return nil
}

func (b *Broker) handlesForQueue(queue string) []*consumerHandle {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()

	var out []*consumerHandle
	for _, dc := range b.channelsByID {
		dc.mu.Lock()
		for _, h := range dc.handles {
			if h.Queue() == queue {
				out = append(out, h)
			}
		}
		dc.mu.Unlock()
	}
	return out
}

func (b *Broker) watchConnection(ctx context.Context, conn *amqp.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-ctx.Done():
		return
	case err := <-closeCh:
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		b.logger.Error().Err(err).Msg("connection closed")
	}
}
