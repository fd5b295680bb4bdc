// Package rabbitmq is the live Broker implementation, backed by
// amqp091-go: connection ownership, topology declaration,
// flow-controlled publish, and a consumer registry that rewires
// transparently on channel loss.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/logging"
	"github.com/harborq/jobqueue/internal/metrics"
	"github.com/harborq/jobqueue/internal/pool"
)

// Broker is the RabbitMQ-backed implementation of api.Broker.
type Broker struct {
	params  api.ConnectionParams
	logger  logging.Logger
	metrics *metrics.Collectors
	dial    dialFunc

	mu            sync.Mutex
	conn          *amqp.Connection
	connected     bool
	connecting    chan struct{}
	connectErr    error
	watchCtx      context.Context
	watchCancel   context.CancelFunc

	pool *pool.Pool

	registryMu    sync.Mutex
	channelsByID  map[uint64]*dedicatedChannel
	nextChannelID uint64

	flowMu sync.Mutex
	flowOK map[*amqp.Channel]*int32
}

// New constructs a Broker. Connect must be called before any other
// operation.
func New(params api.ConnectionParams, logger logging.Logger, collectors *metrics.Collectors) *Broker {
	return &Broker{
		params:       params,
		logger:       logger.Named("broker"),
		metrics:      collectors,
		dial:         defaultDial,
		channelsByID: make(map[uint64]*dedicatedChannel),
		flowOK:       make(map[*amqp.Channel]*int32),
	}
}

// Connect dials with retry and opens the channel pool. Concurrent
// Connect calls join the in-flight attempt rather than dialing twice.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	if b.connecting != nil {
		waitCh := b.connecting
		b.mu.Unlock()
		select {
		case <-waitCh:
			b.mu.Lock()
			err := b.connectErr
			b.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.connecting = make(chan struct{})
	b.mu.Unlock()

	conn, err := connectWithRetry(ctx, b.dial, b.params, b.logger)

	b.mu.Lock()
	b.connectErr = err
	if err == nil {
		b.conn = conn
		b.connected = true
		b.watchCtx, b.watchCancel = context.WithCancel(context.Background())
		go b.watchConnection(b.watchCtx, conn)
	}
	close(b.connecting)
	b.connecting = nil
	b.mu.Unlock()

	if err != nil {
		return err
	}

	b.pool = pool.New(b.params.PoolSize, b.publishChannelFactory(), b.logger)
	if err := b.pool.Open(ctx); err != nil {
		return fmt.Errorf("jobqueue: opening channel pool: %w", err)
	}
	b.metrics.SetPoolFree(b.pool.NumFreeChannels())
	return nil
}

// Connected reports whether Connect has completed successfully and the
// broker has not since been shut down.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) publishChannelFactory() pool.ChannelFactory {
	return func() (*amqp.Channel, error) {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return nil, api.ErrNotConnected
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		b.trackFlow(ch)
		return ch, nil
	}
}

// trackFlow registers a NotifyFlow watcher so Publish can report
// back-pressure the way the wire protocol actually signals it: a
// channel.flow method from the broker. It also drops ch's entry from
// flowOK once the channel closes, whether from pool broken-channel
// replacement or Shutdown, so the map doesn't grow across a
// long-running process's channel churn.
func (b *Broker) trackFlow(ch *amqp.Channel) {
	flag := int32(1)
	b.flowMu.Lock()
	b.flowOK[ch] = &flag
	b.flowMu.Unlock()

	go watchFlow(ch.NotifyFlow(make(chan bool, 1)), &flag)

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-closeCh
		b.flowMu.Lock()
		delete(b.flowOK, ch)
		b.flowMu.Unlock()
	}()
}

// watchFlow mirrors channel.flow notifications onto flag until flowCh
// closes. Split out from trackFlow so the mirroring logic can be
// driven by a fake channel in tests, without a live broker to emit a
// real basic.flow frame.
func watchFlow(flowCh <-chan bool, flag *int32) {
	for ok := range flowCh {
		v := int32(0)
		if ok {
			v = 1
		}
		atomic.StoreInt32(flag, v)
	}
}

func (b *Broker) isFlowOK(ch *amqp.Channel) bool {
	b.flowMu.Lock()
	flag, ok := b.flowOK[ch]
	b.flowMu.Unlock()
	if !ok {
		return true
	}
	return atomic.LoadInt32(flag) == 1
}

func (b *Broker) requireConnected() error {
	if !b.Connected() {
		return api.ErrNotConnected
	}
	return nil
}

// DeclareQueues idempotently asserts every queue spec, in parallel
// across the pool.
func (b *Broker) DeclareQueues(ctx context.Context, specs []api.QueueSpec) error {
	if err := b.requireConnected(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range specs {
		s := s
		g.Go(func() error {
			return b.pool.AcquireAndRun(gctx, func(ch *amqp.Channel) error {
				_, err := ch.QueueDeclare(s.Name, s.Durable, s.AutoDelete, s.Exclusive, false, amqp.Table(s.Args))
				return err
			})
		})
	}
	return g.Wait()
}

// DeclareExchanges idempotently asserts every exchange spec.
func (b *Broker) DeclareExchanges(ctx context.Context, specs []api.ExchangeSpec) error {
	if err := b.requireConnected(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range specs {
		s := s
		g.Go(func() error {
			return b.pool.AcquireAndRun(gctx, func(ch *amqp.Channel) error {
				return ch.ExchangeDeclare(s.Name, s.Kind, s.Durable, false, false, false, nil)
			})
		})
	}
	return g.Wait()
}

// DeclareBindings idempotently binds every exchange/queue/routing-key
// triple.
func (b *Broker) DeclareBindings(ctx context.Context, specs []api.BindingSpec) error {
	if err := b.requireConnected(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range specs {
		s := s
		g.Go(func() error {
			return b.pool.AcquireAndRun(gctx, func(ch *amqp.Channel) error {
				return ch.QueueBind(s.Queue, s.RoutingKey, s.Exchange, false, nil)
			})
		})
	}
	return g.Wait()
}

// Publish writes pub through a pooled channel, reporting accepted=false
// when the broker had signaled flow-control back-pressure on that
// channel. The write itself is always attempted regardless of the flow
// flag — a caller ignoring the accepted return still gets an enqueued
// (if possibly delayed) publish.
func (b *Broker) Publish(ctx context.Context, pub api.Publication) (bool, error) {
	if err := b.requireConnected(); err != nil {
		return false, err
	}

	accepted := true
	err := b.pool.AcquireAndRun(ctx, func(ch *amqp.Channel) error {
		accepted = b.isFlowOK(ch)
		props := amqp.Publishing{
			ContentType:   "application/json",
			Body:          pub.Body,
			CorrelationId: pub.CorrelationID,
			ReplyTo:       pub.ReplyTo,
			Headers:       amqp.Table(pub.Headers),
		}
		if pub.ExpirationMs > 0 {
			props.Expiration = fmt.Sprintf("%d", pub.ExpirationMs)
		}
		return ch.PublishWithContext(ctx, pub.Exchange, pub.RoutingKey, false, false, props)
	})
	if err != nil {
		return false, err
	}
	b.metrics.ObservePublish(accepted)
	return accepted, nil
}

// Consume attaches one consumer on a freshly dedicated channel.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (api.ConsumerHandle, error) {
	if err := b.requireConnected(); err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = b.params.Prefetch
	}
	dc, err := b.newDedicatedChannel()
	if err != nil {
		return nil, err
	}
	return b.attachConsumer(dc, queue, prefetch)
}

// ConsumeOver returns one pending ConsumerHandle per queue name,
// distributing handles across channels up to a pool-sized limit so
// consumers may co-reside.
func (b *Broker) ConsumeOver(ctx context.Context, queues []string, prefetch int) ([]api.ConsumerHandle, error) {
	if err := b.requireConnected(); err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = b.params.Prefetch
	}
	limit := b.params.PoolSize
	if limit <= 0 {
		limit = 1
	}

	handles := make([]api.ConsumerHandle, 0, len(queues))
	var current *dedicatedChannel
	for i, q := range queues {
		if current == nil || i%limit == 0 {
			dc, err := b.newDedicatedChannel()
			if err != nil {
				return handles, err
			}
			current = dc
		}
		h, err := b.attachConsumer(current, q, prefetch)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// PauseQueue cancels every active consumer bound to queue without
// forgetting their prefetch, so ResumeQueue can re-attach them.
func (b *Broker) PauseQueue(ctx context.Context, queue string) error {
	for _, h := range b.handlesForQueue(queue) {
		if !h.Active() || h.isPaused() {
			continue
		}
		dc := b.dedicatedChannelFor(h)
		if dc == nil {
			continue
		}
		if err := dc.ch.Cancel(h.ConsumerTag(), false); err != nil {
			b.logger.Debug().Err(err).Str("queue", queue).Msg("pause: cancel failed")
		}
		h.setPaused(true)
	}
	return nil
}

// ResumeQueue re-issues basic.consume for every paused handle on
// queue, on the same dedicated channel it was paused from.
func (b *Broker) ResumeQueue(ctx context.Context, queue string) error {
	for _, h := range b.handlesForQueue(queue) {
		if !h.Active() || !h.isPaused() {
			continue
		}
		dc := b.dedicatedChannelFor(h)
		if dc == nil {
			continue
		}
		msgs, err := dc.ch.Consume(queue, h.ConsumerTag(), false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("jobqueue: resume queue %q: %w", queue, err)
		}
		h.setPaused(false)
		go b.pumpDeliveries(dc, h, msgs)
	}
	return nil
}

// PurgeQueues purges every named queue.
func (b *Broker) PurgeQueues(ctx context.Context, names ...string) (int, error) {
	if err := b.requireConnected(); err != nil {
		return 0, err
	}
	total := 0
	err := b.pool.AcquireAndRun(ctx, func(ch *amqp.Channel) error {
		for _, name := range names {
			purged, err := ch.QueuePurge(name, false)
			if err != nil {
				return err
			}
			total += purged
		}
		return nil
	})
	return total, err
}

// CheckQueue inspects a queue's message and consumer counts.
func (b *Broker) CheckQueue(ctx context.Context, name string) (int, int, error) {
	if err := b.requireConnected(); err != nil {
		return 0, 0, err
	}
	var messages, consumers int
	err := b.pool.AcquireAndRun(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueInspect(name)
		if err != nil {
			return err
		}
		messages, consumers = q.Messages, q.Consumers
		return nil
	})
	return messages, consumers, err
}

// Shutdown closes the pool, then the connection. It does not cancel
// consumers or wait for in-flight work; that is left to the caller's
// own drain phases before Shutdown runs.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.Connected() {
		return api.ErrNotConnected
	}
	if b.pool == nil {
		return api.ErrPoolNotInitialized
	}

	b.mu.Lock()
	if b.watchCancel != nil {
		b.watchCancel()
	}
	conn := b.conn
	b.connected = false
	b.mu.Unlock()

	if err := b.pool.Close(); err != nil {
		b.logger.Error().Err(err).Msg("error closing channel pool")
	}
	b.registryMu.Lock()
	for _, dc := range b.channelsByID {
		dc.mu.Lock()
		dc.closingIntentional = true
		dc.mu.Unlock()
		_ = dc.ch.Close()
	}
	b.channelsByID = make(map[uint64]*dedicatedChannel)
	b.registryMu.Unlock()

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			return err
		}
	}
	b.logger.Info().Msg("gracefully stopped rabbitmq connection")
	return nil
}

// CancelHandle exposes the internal cancel machinery to the
// consumerHandle's own Cancel method.
func (b *Broker) CancelHandle(h *consumerHandle) error {
	return b.cancelHandle(h)
}

var _ api.Broker = (*Broker)(nil)
