package rabbitmq

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborq/jobqueue/api"
)

// dedicatedChannel is a channel held for the lifetime of one or more
// consumers, outside the publish pool. Multiple consumerHandles may
// co-reside on one dedicatedChannel, in which case prefetch is the sum
// of theirs.
type dedicatedChannel struct {
	mu                 sync.Mutex
	id                 uint64
	ch                 *amqp.Channel
	handles            []*consumerHandle
	prefetchSum        int
	closingIntentional bool
}

// consumerHandle is the registry entry for one queue subscription. It
// survives rewires: its consumerTag and channelID fields are updated
// in place so the application-facing handle never has to be
// re-obtained.
type consumerHandle struct {
	mu          sync.Mutex
	broker      *Broker
	queue       string
	prefetch    int
	consumerTag string
	channelID   uint64
	active      bool
	paused      bool
	deliveries  chan api.Delivery
	resume      chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
}

func newConsumerHandle(broker *Broker, queue string, prefetch int, channelID uint64) *consumerHandle {
	return &consumerHandle{
		broker:     broker,
		queue:      queue,
		prefetch:   prefetch,
		channelID:  channelID,
		active:     true,
		deliveries: make(chan api.Delivery, 32),
		resume:     make(chan struct{}, 16),
		done:       make(chan struct{}),
	}
}

func (h *consumerHandle) Queue() string { return h.queue }
func (h *consumerHandle) Prefetch() int { return h.prefetch }
func (h *consumerHandle) ConsumerTag() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumerTag
}
func (h *consumerHandle) Deliveries() <-chan api.Delivery { return h.deliveries }
func (h *consumerHandle) Resume() <-chan struct{}         { return h.resume }
func (h *consumerHandle) Done() <-chan struct{}           { return h.done }

func (h *consumerHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *consumerHandle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *consumerHandle) setPaused(v bool) {
	h.mu.Lock()
	h.paused = v
	h.mu.Unlock()
}

func (h *consumerHandle) currentChannelID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelID
}

// signalResume delivers one rewire notification without blocking; the
// buffer is sized generously so a worker that is briefly busy still
// observes every rewire.
func (h *consumerHandle) signalResume() {
	select {
	case h.resume <- struct{}{}:
	default:
	}
}

func (h *consumerHandle) markCancelled() {
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()
	h.doneOnce.Do(func() { close(h.done) })
}

// Cancel sends basic.cancel, marks the handle inactive, and removes it
// from the registry.
func (h *consumerHandle) Cancel() error {
	if !h.Active() {
		return nil
	}
	return h.broker.CancelHandle(h)
}

var _ api.ConsumerHandle = (*consumerHandle)(nil)
