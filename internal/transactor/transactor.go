// Package transactor lets application code stage a burst of job
// publications and either flush them as a batch or drop them, without
// touching the wire until commit.
package transactor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/logging"
	"github.com/harborq/jobqueue/internal/registry"
)

// state is the tagged {OPEN, CONCLUDED} lifecycle of one Transactor.
type state int

const (
	stateOpen state = iota
	stateConcluded
)

// staged is one buffered job publication awaiting commit.
type staged struct {
	jobName string
	args    []interface{}
}

// Transactor buffers job requests and flushes or drops them as one
// unit. Exactly one of Commit/Rollback may ever be called.
type Transactor struct {
	id         string
	broker     api.Broker
	registry   *registry.Registry
	logger     logging.Logger
	onConclude func(id string)

	mu       sync.Mutex
	st       state
	buffer   []staged
	conclude chan struct{}
}

// New returns an open Transactor bound to broker and reg. onConclude,
// if non-nil, fires exactly once after Commit or Rollback concludes,
// letting the caller drop this transactor from its open-set.
func New(broker api.Broker, reg *registry.Registry, logger logging.Logger, onConclude func(id string)) *Transactor {
	return &Transactor{
		id:         uuid.NewString(),
		broker:     broker,
		registry:   reg,
		logger:     logger.Named("transactor"),
		onConclude: onConclude,
		conclude:   make(chan struct{}),
	}
}

// ID identifies this transactor for logging and for the app's own
// open-transactor bookkeeping.
func (t *Transactor) ID() string { return t.id }

// Enqueue appends a staged publication to the private buffer; it never
// touches the wire.
func (t *Transactor) Enqueue(jobName string, args []interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st != stateOpen {
		return api.ErrAlreadyConcluded
	}
	t.buffer = append(t.buffer, staged{jobName: jobName, args: args})
	return nil
}

// Commit flushes the buffered requests in order using the broker, then
// concludes. A publish failure part-way through is logged but does not
// stop the remaining flush: commit is best-effort, not all-or-nothing.
func (t *Transactor) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.st != stateOpen {
		t.mu.Unlock()
		return api.ErrAlreadyConcluded
	}
	t.st = stateConcluded
	buffer := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	var firstErr error
	for _, s := range buffer {
		if err := t.publishOne(ctx, s); err != nil {
			t.logger.Error().Err(err).Str("job", s.jobName).Msg("commit: publish failed, continuing flush")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	close(t.conclude)
	if t.onConclude != nil {
		t.onConclude(t.id)
	}
	return firstErr
}

// Rollback drops the buffer without publishing anything, then
// concludes.
func (t *Transactor) Rollback() error {
	t.mu.Lock()
	if t.st != stateOpen {
		t.mu.Unlock()
		return api.ErrAlreadyConcluded
	}
	t.st = stateConcluded
	t.buffer = nil
	t.mu.Unlock()

	close(t.conclude)
	if t.onConclude != nil {
		t.onConclude(t.id)
	}
	return nil
}

// WaitUntil blocks until Commit or Rollback concludes this transactor,
// or timeout elapses first.
func (t *Transactor) WaitUntil(timeout time.Duration) error {
	select {
	case <-t.conclude:
		return nil
	case <-time.After(timeout):
		return api.ErrWaitTimeout
	}
}

func (t *Transactor) publishOne(ctx context.Context, s staged) error {
	def, ok := t.registry.Lookup(s.jobName)
	if !ok {
		return fmt.Errorf("%w: %q", api.ErrUnknownJob, s.jobName)
	}

	req := api.JobRequest{
		ID:            uuid.NewString(),
		Name:          def.Name,
		Args:          s.args,
		Attempt:       1,
		CorrelationID: t.id,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal staged job %q: %w", s.jobName, err)
	}

	_, err = t.broker.Publish(ctx, api.Publication{
		Exchange:      def.Exchange,
		RoutingKey:    def.RoutingKey,
		Body:          body,
		CorrelationID: req.CorrelationID,
		ReplyTo:       def.ReplyTo,
		ExpirationMs:  def.ExpiresMs,
	})
	return err
}
