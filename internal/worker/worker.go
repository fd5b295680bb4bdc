// Package worker turns a stream of deliveries into bounded-concurrency
// handler invocations and disposes each one via ack, nack, a
// retry-publish, or a dead-letter publish.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/logging"
	"github.com/harborq/jobqueue/internal/metrics"
	"github.com/harborq/jobqueue/internal/registry"
)

// Config configures one Pool.
type Config struct {
	Concurrency int
	Prefetch    int
}

// Pool dispatches deliveries from one or more ConsumerHandles to their
// registered handlers, bounded by Concurrency in-flight dispatches.
type Pool struct {
	broker   api.Broker
	registry *registry.Registry
	metrics  *metrics.Collectors
	logger   logging.Logger
	config   Config

	results chan api.WorkerResult

	// sem bounds in-flight dispatches across every consumer handle this
	// pool owns, not per handle: registering N queues under one Pool
	// must still cap total concurrency at Config.Concurrency.
	sem chan struct{}

	wg sync.WaitGroup

	handlesMu sync.Mutex
	handles   []api.ConsumerHandle
}

// New builds a Pool over broker, dispatching to jobs registered in reg.
func New(broker api.Broker, reg *registry.Registry, collectors *metrics.Collectors, logger logging.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Concurrency
	}
	return &Pool{
		broker:   broker,
		registry: reg,
		metrics:  collectors,
		logger:   logger.Named("worker"),
		config:   cfg,
		results:  make(chan api.WorkerResult, cfg.Concurrency*2),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Results streams one WorkerResult per processed delivery, for
// downstream observability. The stream is buffered (twice
// Concurrency); once the buffer is full, each dispatch waits for a
// reader before acking, until Run's context is cancelled.
func (p *Pool) Results() <-chan api.WorkerResult { return p.results }

// Run attaches consumers to every queue reg knows about and dispatches
// their deliveries until ctx is cancelled. It returns once all
// per-handle pumps have exited.
func (p *Pool) Run(ctx context.Context) error {
	queues := p.registry.WorkerQueues()
	if len(queues) == 0 {
		return nil
	}

	handles, err := p.broker.ConsumeOver(ctx, queues, p.config.Prefetch)
	if err != nil {
		return fmt.Errorf("jobqueue: worker consume: %w", err)
	}
	p.handlesMu.Lock()
	p.handles = handles
	p.handlesMu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		group.Go(func() error {
			p.pump(groupCtx, h)
			return nil
		})
	}
	return group.Wait()
}

// pump is the per-handle dispatch loop: it bounds concurrency with
// p.sem, a semaphore shared across every handle this Pool owns, so
// Config.Concurrency caps total in-flight dispatches regardless of how
// many queues Run attached consumers to. It forwards Resume signals to
// nothing (the handle already updated its own channel identity
// internally; acks route through the Delivery's embedded Ackable
// regardless), and exits on ctx cancellation or the handle's terminal
// Done signal.
func (p *Pool) pump(ctx context.Context, h api.ConsumerHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
			return
		case <-h.Resume():
			// Ack targets are carried on each Delivery's own Ackable, so
			// a rewire needs no action here beyond observability.
			p.logger.Debug().Str("queue", h.Queue()).Msg("consumer resumed on fresh channel")
			continue
		case delivery, ok := <-h.Deliveries():
			if !ok {
				return
			}
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			p.metrics.SetInFlight(len(p.sem))
			p.wg.Add(1)
			go func() {
				defer func() {
					<-p.sem
					p.wg.Done()
				}()
				p.dispatch(ctx, delivery)
			}()
		}
	}
}

// dispatch runs the state machine for one delivery: DECODED (already
// done by the adapter) → DISPATCHED → SUCCESS/FAILURE/TIMEOUT, with the
// resulting ack/nack/retry-publish/error-publish decision.
func (p *Pool) dispatch(ctx context.Context, d api.Delivery) {
	if d.Request == nil {
		p.emit(ctx, api.WorkerResult{Status: api.StatusDecodeError, Error: api.ErrDecodeFailed})
		if err := d.Nack(false); err != nil {
			p.logger.Error().Err(err).Msg("nack after decode failure")
		}
		return
	}

	def, ok := p.registry.Lookup(d.Request.Name)
	if !ok {
		p.emit(ctx, api.WorkerResult{Status: api.StatusFailure, Request: d.Request, Error: api.ErrUnknownJob})
		if err := d.Nack(false); err != nil {
			p.logger.Error().Err(err).Msg("nack for unknown job")
		}
		return
	}

	dispatchCtx := ctx
	var cancel context.CancelFunc
	if def.TimeoutMs > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := p.invoke(dispatchCtx, def, d.Request)
	p.metrics.ObserveDispatchSeconds(time.Since(start).Seconds())

	status := api.StatusSuccess
	if err != nil {
		status = api.StatusFailure
		if dispatchCtx.Err() == context.DeadlineExceeded {
			status = api.StatusTimeout
		}
	}
	p.emit(ctx, api.WorkerResult{Status: status, Request: d.Request, Error: err, Result: result})

	if status == api.StatusSuccess {
		if ackErr := d.Ack(); ackErr != nil {
			p.logger.Error().Err(ackErr).Msg("ack after success")
		}
		return
	}
	p.disposeFailure(ctx, def, d, err)
}

// invoke recovers from a panicking handler and reports it as a failure
// rather than crashing the pump goroutine.
func (p *Pool) invoke(ctx context.Context, def *api.JobDefinition, req *api.JobRequest) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobqueue: handler panicked: %v", r)
		}
	}()
	if def.Handler == nil {
		return nil, fmt.Errorf("jobqueue: job %q has no handler registered", def.Name)
	}
	return def.Handler(ctx, req)
}

// disposeFailure republishes the job to the retry exchange (bumping
// attempt) or the error exchange (retries exhausted, carrying the
// final error in message headers), then acks the original delivery
// either way — the original message has been fully accounted for once
// its replacement is on the wire.
func (p *Pool) disposeFailure(ctx context.Context, def *api.JobDefinition, d api.Delivery, dispatchErr error) {
	req := *d.Request
	retrying := req.Attempt < def.MaxRetries

	if retrying {
		req.Attempt++
	}

	body, err := json.Marshal(req)
	if err != nil {
		p.logger.Error().Err(err).Msg("re-marshal failed job for retry/error publish")
		if nackErr := d.Nack(false); nackErr != nil {
			p.logger.Error().Err(nackErr).Msg("nack after re-marshal failure")
		}
		return
	}

	exchange := def.ErrorExchange
	var headers map[string]interface{}
	if retrying {
		exchange = def.RetryExchange
	} else if dispatchErr != nil {
		headers = map[string]interface{}{"x-jobqueue-error": dispatchErr.Error()}
	}

	_, pubErr := p.broker.Publish(ctx, api.Publication{
		Exchange:      exchange,
		RoutingKey:    def.RoutingKey,
		Body:          body,
		CorrelationID: req.CorrelationID,
		Headers:       headers,
	})
	if pubErr != nil {
		p.logger.Error().Err(pubErr).Str("exchange", exchange).Msg("failed to republish failed job")
	} else if retrying {
		p.metrics.IncRetryPublished()
	} else {
		p.metrics.IncErrorPublished()
	}

	if ackErr := d.Ack(); ackErr != nil {
		p.logger.Error().Err(ackErr).Msg("ack after retry/error publish")
	}
}

// emit hands r to the Results stream, waiting for a reader when the
// buffer is full; it gives up only once ctx is cancelled.
func (p *Pool) emit(ctx context.Context, r api.WorkerResult) {
	select {
	case p.results <- r:
	case <-ctx.Done():
		p.logger.Warn().Str("status", string(r.Status)).Msg("worker stopped before result was read, dropping result")
	}
}

// CancelAll cancels every consumer handle this pool attached, the
// first phase of shutdown: no new deliveries arrive after this
// returns, though in-flight dispatches keep running.
func (p *Pool) CancelAll() {
	p.handlesMu.Lock()
	handles := append([]api.ConsumerHandle(nil), p.handles...)
	p.handlesMu.Unlock()

	for _, h := range handles {
		if err := h.Cancel(); err != nil {
			p.logger.Error().Err(err).Str("queue", h.Queue()).Msg("cancel consumer during shutdown")
		}
	}
}

// WaitIdle blocks until every in-flight dispatch has finished or
// timeout elapses, whichever comes first. It returns false if the
// timeout won: any handler still running at that point is abandoned,
// not killed.
func (p *Pool) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
