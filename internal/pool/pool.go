// Package pool implements a bounded channel pool: a fixed number of
// AMQP channels multiplexed over one connection, lent out one at a
// time in FIFO order and guaranteed to be released on every exit path
// of the borrowed section.
package pool

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/logging"
)

// ChannelFactory opens a fresh AMQP channel on the pool's connection.
// Isolated behind an interface so tests can substitute a fake without
// dialing a real broker.
type ChannelFactory func() (*amqp.Channel, error)

// Pool hands out channels one at a time, blocking acquirers in FIFO
// order when exhausted.
type Pool struct {
	mu       sync.Mutex
	size     int
	channels []*amqp.Channel
	states   []api.ChannelState
	tokens   chan int
	closed   chan struct{}
	closeOne sync.Once
	open     bool
	newChan  ChannelFactory
	logger   logging.Logger
}

// New constructs a Pool of the given size. Open must be called before
// use.
func New(size int, factory ChannelFactory, logger logging.Logger) *Pool {
	return &Pool{
		size:    size,
		newChan: factory,
		logger:  logger.Named("pool"),
	}
}

// Open initializes size channels on the underlying connection. Calling
// Open twice without an intervening Close is a programmer error and
// returns an error rather than leaking channels.
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return fmt.Errorf("jobqueue: pool already open")
	}

	p.channels = make([]*amqp.Channel, p.size)
	p.states = make([]api.ChannelState, p.size)
	p.tokens = make(chan int, p.size)
	p.closed = make(chan struct{})
	p.closeOne = sync.Once{}

	for i := 0; i < p.size; i++ {
		ch, err := p.newChan()
		if err != nil {
			return fmt.Errorf("jobqueue: opening pool channel %d: %w", i, err)
		}
		p.channels[i] = ch
		p.states[i] = api.ChannelFree
		p.tokens <- i
	}
	p.open = true
	p.logger.Debug().Int("size", p.size).Msg("pool opened")
	return nil
}

// IsOpen reports whether the pool has been opened and not yet closed.
func (p *Pool) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// NumFreeChannels reports the number of channels currently available
// to hand out; approximate under concurrent acquisition but exact at
// any instant no acquirer is mid-handoff.
func (p *Pool) NumFreeChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens == nil {
		return 0
	}
	return len(p.tokens)
}

// AcquireAndRun acquires a FREE channel, invokes fn, and releases the
// channel on every exit path — normal return, error return, or panic
// inside fn (the panic is still propagated after release). Concurrent
// callers beyond the pool's size wait in FIFO order.
func (p *Pool) AcquireAndRun(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	idx, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(idx)

	ch := p.channelAt(idx)
	if ch == nil {
		return api.ErrPoolClosed
	}
	return fn(ch)
}

func (p *Pool) acquire(ctx context.Context) (int, error) {
	p.mu.Lock()
	tokens, closed := p.tokens, p.closed
	p.mu.Unlock()
	if tokens == nil {
		return 0, api.ErrPoolClosed
	}

	select {
	case idx, ok := <-tokens:
		if !ok {
			return 0, api.ErrPoolClosed
		}
		p.mu.Lock()
		p.states[idx] = api.ChannelAcquired
		p.mu.Unlock()
		return idx, nil
	case <-closed:
		return 0, api.ErrPoolClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Pool) channelAt(idx int) *amqp.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.channels) {
		return nil
	}
	return p.channels[idx]
}

// release returns the channel to the free pool, replacing it first if
// it was marked BROKEN while on loan.
func (p *Pool) release(idx int) {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return
	}
	broken := isChannelDead(p.channels[idx])
	if broken {
		p.states[idx] = api.ChannelBroken
	}
	p.mu.Unlock()

	if broken {
		if fresh, err := p.newChan(); err == nil {
			p.mu.Lock()
			p.channels[idx] = fresh
			p.states[idx] = api.ChannelFree
			p.mu.Unlock()
			p.logger.Debug().Int("slot", idx).Msg("replaced broken channel")
		} else {
			p.logger.Error().Err(err).Int("slot", idx).Msg("failed to replace broken channel")
			// Leave it marked BROKEN and do not return it to the free
			// list; a stuck slot is preferable to handing out a dead
			// channel.
			return
		}
	} else {
		p.mu.Lock()
		p.states[idx] = api.ChannelFree
		p.mu.Unlock()
	}

	p.mu.Lock()
	tokens := p.tokens
	p.mu.Unlock()
	if tokens != nil {
		select {
		case tokens <- idx:
		case <-p.closed:
		}
	}
}

func isChannelDead(ch *amqp.Channel) bool {
	return ch == nil || ch.IsClosed()
}

// Close cancels all pending acquirers with ErrPoolClosed and releases
// every channel. Safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return nil
	}
	p.open = false
	channels := p.channels
	closed := p.closed
	p.mu.Unlock()

	p.closeOne.Do(func() {
		close(closed)
	})

	var firstErr error
	for _, ch := range channels {
		if ch == nil || ch.IsClosed() {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.logger.Debug().Msg("pool closed")
	return firstErr
}
