package gochan

import "sync/atomic"

// dispatchLoop assigns backlog messages to consumers with spare
// prefetch credit in round-robin order, waking whenever a message is
// enqueued, a consumer attaches, or a delivery is settled. It exits
// when q's broker shuts down.
func (b *Broker) dispatchLoop(q *queue) {
	for {
		select {
		case <-b.stopCh:
			return
		case <-q.wakeCh:
		}
		b.dispatchOnce(q)
	}
}

func (b *Broker) dispatchOnce(q *queue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return
	}

	for len(q.messages) > 0 {
		assigned := false
		n := len(q.consumers)
		for i := 0; i < n; i++ {
			idx := (q.rrCursor + i) % n
			h := q.consumers[idx]
			if !h.Active() || h.isPaused() || h.availableCredit() <= 0 {
				continue
			}
			msg := q.messages[0]
			q.messages = q.messages[1:]

			tag := atomic.AddUint64(&b.nextDeliveryTag, 1)
			h.mu.Lock()
			h.unacked[tag] = msg
			h.mu.Unlock()

			h.deliveries <- newDelivery(h, tag, msg)

			q.rrCursor = (idx + 1) % n
			assigned = true
			break
		}
		if !assigned {
			return
		}
	}
}

// simulateRewire forces every active handle on queue name to appear as
// if its underlying channel died and was replaced: it bumps their
// channel generation and fires Resume() exactly once each, letting
// tests exercise the worker's channelChanged handling without a real
// broker.
func (b *Broker) simulateRewire(queueName string) {
	q := b.getQueue(queueName)
	if q == nil {
		return
	}
	q.mu.Lock()
	handles := append([]*handle(nil), q.consumers...)
	q.mu.Unlock()

	for _, h := range handles {
		if !h.Active() {
			continue
		}
		h.mu.Lock()
		h.channelGen++
		h.consumerTag = generateTag()
		h.mu.Unlock()
		h.signalResume()
		b.metrics.ObserveRewire()
	}
}
