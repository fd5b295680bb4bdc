// Package gochan is an in-memory api.Broker double: no wire traffic,
// no goroutine dialing a socket, used by unit tests and local
// development in place of a live RabbitMQ. It implements the same
// topology+publish+consume+rewire contract the rabbitmq adapter does.
package gochan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/logging"
	"github.com/harborq/jobqueue/internal/metrics"
)

// backlogCapacity is the point at which Publish starts reporting
// simulated back-pressure.
const backlogCapacity = 2000

// Broker is the in-memory api.Broker implementation.
type Broker struct {
	mu      sync.Mutex
	logger  logging.Logger
	metrics *metrics.Collectors

	connected bool
	stopCh    chan struct{}

	queuesMu  sync.Mutex
	queues    map[string]*queue
	exchanges map[string]api.ExchangeSpec
	bindings  []api.BindingSpec

	nextDeliveryTag uint64
}

// New constructs an unconnected in-memory Broker.
func New(logger logging.Logger, collectors *metrics.Collectors) *Broker {
	return &Broker{
		logger:    logger.Named("gochan"),
		metrics:   collectors,
		queues:    make(map[string]*queue),
		exchanges: make(map[string]api.ExchangeSpec),
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.stopCh = make(chan struct{})
	return nil
}

func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) requireConnected() error {
	if !b.Connected() {
		return api.ErrNotConnected
	}
	return nil
}

func (b *Broker) getQueue(name string) *queue {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	return b.queues[name]
}

func (b *Broker) ensureQueue(name string) *queue {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name)
		b.queues[name] = q
		go b.dispatchLoop(q)
	}
	return q
}

func (b *Broker) DeclareQueues(ctx context.Context, specs []api.QueueSpec) error {
	if err := b.requireConnected(); err != nil {
		return err
	}
	for _, s := range specs {
		b.ensureQueue(s.Name)
	}
	return nil
}

func (b *Broker) DeclareExchanges(ctx context.Context, specs []api.ExchangeSpec) error {
	if err := b.requireConnected(); err != nil {
		return err
	}
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	for _, s := range specs {
		b.exchanges[s.Name] = s
	}
	return nil
}

func (b *Broker) DeclareBindings(ctx context.Context, specs []api.BindingSpec) error {
	if err := b.requireConnected(); err != nil {
		return err
	}
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	b.bindings = append(b.bindings, specs...)
	return nil
}

// routedQueues resolves a publication's target queues: the default
// (empty) exchange routes directly to the queue named by the routing
// key, exactly like real AMQP; anything else consults declared
// bindings, with "#" matching any routing key.
func (b *Broker) routedQueues(pub api.Publication) []string {
	if pub.Exchange == "" {
		return []string{pub.RoutingKey}
	}
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	var out []string
	for _, bind := range b.bindings {
		if bind.Exchange != pub.Exchange {
			continue
		}
		if bind.RoutingKey == "#" || bind.RoutingKey == pub.RoutingKey {
			out = append(out, bind.Queue)
		}
	}
	return out
}

func (b *Broker) Publish(ctx context.Context, pub api.Publication) (bool, error) {
	if err := b.requireConnected(); err != nil {
		return false, err
	}
	accepted := true
	for _, name := range b.routedQueues(pub) {
		q := b.ensureQueue(name)
		q.mu.Lock()
		q.messages = append(q.messages, queuedMsg{body: pub.Body, correlationID: pub.CorrelationID, replyTo: pub.ReplyTo})
		if len(q.messages) > backlogCapacity {
			accepted = false
		}
		q.mu.Unlock()
		q.wake()
	}
	b.metrics.ObservePublish(accepted)
	return accepted, nil
}

func (b *Broker) attachConsumer(q *queue, prefetch int) *handle {
	h := newHandle(b, q, prefetch)
	h.consumerTag = generateTag()

	q.mu.Lock()
	q.consumers = append(q.consumers, h)
	q.mu.Unlock()
	q.wake()
	return h
}

func (b *Broker) Consume(ctx context.Context, queueName string, prefetch int) (api.ConsumerHandle, error) {
	if err := b.requireConnected(); err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	q := b.ensureQueue(queueName)
	return b.attachConsumer(q, prefetch), nil
}

func (b *Broker) ConsumeOver(ctx context.Context, queues []string, prefetch int) ([]api.ConsumerHandle, error) {
	if err := b.requireConnected(); err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	handles := make([]api.ConsumerHandle, 0, len(queues))
	for _, name := range queues {
		q := b.ensureQueue(name)
		handles = append(handles, b.attachConsumer(q, prefetch))
	}
	return handles, nil
}

func (b *Broker) PauseQueue(ctx context.Context, queueName string) error {
	q := b.getQueue(queueName)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

func (b *Broker) ResumeQueue(ctx context.Context, queueName string) error {
	q := b.getQueue(queueName)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
	return nil
}

func (b *Broker) PurgeQueues(ctx context.Context, names ...string) (int, error) {
	total := 0
	for _, name := range names {
		q := b.getQueue(name)
		if q == nil {
			continue
		}
		q.mu.Lock()
		total += len(q.messages)
		q.messages = nil
		q.mu.Unlock()
	}
	return total, nil
}

func (b *Broker) CheckQueue(ctx context.Context, name string) (int, int, error) {
	q := b.getQueue(name)
	if q == nil {
		return 0, 0, fmt.Errorf("jobqueue: unknown queue %q", name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), len(q.consumers), nil
}

func (b *Broker) cancelHandle(h *handle) error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return nil
	}
	h.active = false
	h.mu.Unlock()
	h.doneOnce.Do(func() { close(h.done) })

	h.queue.mu.Lock()
	remaining := h.queue.consumers[:0:0]
	for _, other := range h.queue.consumers {
		if other != h {
			remaining = append(remaining, other)
		}
	}
	h.queue.consumers = remaining
	h.queue.mu.Unlock()
	return nil
}

// SimulateChannelLoss forces every active consumer on queueName
// through the rewire path, for tests exercising the worker's
// channelChanged handling without a live broker.
func (b *Broker) SimulateChannelLoss(queueName string) {
	b.simulateRewire(queueName)
}

func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.Connected() {
		return api.ErrNotConnected
	}
	b.mu.Lock()
	close(b.stopCh)
	b.connected = false
	b.mu.Unlock()
	return nil
}

func generateTag() string {
	return uuid.NewString()
}

func nextTag(counter *uint64) uint64 {
	return atomic.AddUint64(counter, 1)
}

var _ api.Broker = (*Broker)(nil)
