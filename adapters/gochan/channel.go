package gochan

import (
	"sync"

	"github.com/harborq/jobqueue/api"
)

// queuedMsg is one buffered message sitting in a queue's FIFO backlog,
// waiting for a consumer with spare prefetch credit.
type queuedMsg struct {
	body          []byte
	correlationID string
	replyTo       string
}

// queue is one in-memory named queue: a FIFO backlog plus the set of
// handles currently consuming from it. It mirrors the AMQP queue
// concept closely enough that Broker can implement the same api.Broker
// contract the rabbitmq adapter does (teacher's dual-adapter split,
// generalized past its original stub).
type queue struct {
	mu        sync.Mutex
	name      string
	messages  []queuedMsg
	consumers []*handle
	rrCursor  int
	paused    bool
	wakeCh    chan struct{}
}

func newQueue(name string) *queue {
	return &queue{name: name, wakeCh: make(chan struct{}, 1)}
}

func (q *queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// handle is the in-memory ConsumerHandle implementation. A "rewire" in
// this adapter is simulated (there is no real channel to lose) via
// simulateRewire, used by tests exercising the worker's channelChanged
// handling without a live broker.
type handle struct {
	mu          sync.Mutex
	broker      *Broker
	queue       *queue
	prefetch    int
	consumerTag string
	channelGen  uint64
	active      bool
	paused      bool
	deliveries  chan api.Delivery
	resume      chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	unacked     map[uint64]queuedMsg
	nextTag     uint64
}

func newHandle(broker *Broker, q *queue, prefetch int) *handle {
	return &handle{
		broker:     broker,
		queue:      q,
		prefetch:   prefetch,
		active:     true,
		deliveries: make(chan api.Delivery, prefetch+8),
		resume:     make(chan struct{}, 16),
		done:       make(chan struct{}),
		unacked:    make(map[uint64]queuedMsg),
	}
}

func (h *handle) Queue() string { return h.queue.name }
func (h *handle) Prefetch() int { return h.prefetch }
func (h *handle) ConsumerTag() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumerTag
}
func (h *handle) Deliveries() <-chan api.Delivery { return h.deliveries }
func (h *handle) Resume() <-chan struct{}         { return h.resume }
func (h *handle) Done() <-chan struct{}           { return h.done }

func (h *handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *handle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *handle) currentChannelGen() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelGen
}

func (h *handle) availableCredit() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prefetch - len(h.unacked)
}

func (h *handle) signalResume() {
	select {
	case h.resume <- struct{}{}:
	default:
	}
}

func (h *handle) Cancel() error {
	return h.broker.cancelHandle(h)
}

var _ api.ConsumerHandle = (*handle)(nil)
