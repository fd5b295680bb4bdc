package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborq/jobqueue/adapters/gochan"
	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/logging"
	"github.com/harborq/jobqueue/internal/metrics"
	"github.com/harborq/jobqueue/internal/registry"
)

func newHarness(t *testing.T) (*gochan.Broker, *registry.Registry) {
	t.Helper()
	b := gochan.New(logging.New(zerolog.Disabled), metrics.New(nil))
	require.NoError(t, b.Connect(context.Background()))
	return b, registry.New()
}

func drainResult(t *testing.T, ch <-chan api.WorkerResult) api.WorkerResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a worker result")
		return api.WorkerResult{}
	}
}

func publishRaw(t *testing.T, b *gochan.Broker, exchange, key string, body []byte) {
	t.Helper()
	_, err := b.Publish(context.Background(), api.Publication{Exchange: exchange, RoutingKey: key, Body: body})
	require.NoError(t, err)
}

func TestDispatchSuccessAcksAndEmitsResult(t *testing.T) {
	b, reg := newHarness(t)
	called := make(chan struct{}, 1)
	_, err := reg.RegisterJob(api.RegisterJobInput{
		Name: "send-email",
		Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
			called <- struct{}{}
			return "ok", nil
		},
	})
	require.NoError(t, err)
	reg.Seal()
	require.NoError(t, b.DeclareQueues(context.Background(), reg.Queues()))

	p := New(b, reg, metrics.New(nil), logging.New(zerolog.Disabled), Config{Concurrency: 2, Prefetch: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	body, err := json.Marshal(api.JobRequest{Name: "send-email", Attempt: 1})
	require.NoError(t, err)
	publishRaw(t, b, "", "send-email", body)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	result := drainResult(t, p.Results())
	assert.Equal(t, api.StatusSuccess, result.Status)
	assert.Equal(t, "ok", result.Result)
}

func TestDispatchDecodeErrorNacksWithoutRequeue(t *testing.T) {
	b, reg := newHarness(t)
	_, err := reg.RegisterJob(api.RegisterJobInput{Name: "send-email", Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
		return nil, nil
	}})
	require.NoError(t, err)
	reg.Seal()
	require.NoError(t, b.DeclareQueues(context.Background(), reg.Queues()))

	p := New(b, reg, metrics.New(nil), logging.New(zerolog.Disabled), Config{Concurrency: 1, Prefetch: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	publishRaw(t, b, "", "send-email", []byte("not json"))

	result := drainResult(t, p.Results())
	assert.Equal(t, api.StatusDecodeError, result.Status)

	msgs, _, err := b.CheckQueue(context.Background(), "send-email")
	require.NoError(t, err)
	assert.Equal(t, 0, msgs)
}

func TestDispatchRetriesBeforeExhaustingMaxRetries(t *testing.T) {
	b, reg := newHarness(t)
	def, err := reg.RegisterJob(api.RegisterJobInput{
		Name:       "flaky",
		MaxRetries: 2,
		Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
			return nil, assert.AnError
		},
	})
	require.NoError(t, err)
	reg.Seal()
	require.NoError(t, b.DeclareExchanges(context.Background(), reg.Exchanges()))
	require.NoError(t, b.DeclareQueues(context.Background(), reg.Queues()))
	require.NoError(t, b.DeclareBindings(context.Background(), reg.Bindings()))

	retryHandle, err := b.Consume(context.Background(), def.Name+".retry", 1)
	require.NoError(t, err)

	p := New(b, reg, metrics.New(nil), logging.New(zerolog.Disabled), Config{Concurrency: 1, Prefetch: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	body, err := json.Marshal(api.JobRequest{Name: "flaky", Attempt: 1})
	require.NoError(t, err)
	publishRaw(t, b, "", "flaky", body)

	result := drainResult(t, p.Results())
	assert.Equal(t, api.StatusFailure, result.Status)

	select {
	case d := <-retryHandle.Deliveries():
		assert.Equal(t, 2, d.Request.Attempt)
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("expected a retry publish onto the retry dead-letter queue")
	}
}

func TestDispatchErrorPublishAfterExhaustingRetries(t *testing.T) {
	b, reg := newHarness(t)
	def, err := reg.RegisterJob(api.RegisterJobInput{
		Name:       "always-fails",
		MaxRetries: 1,
		Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
			return nil, assert.AnError
		},
	})
	require.NoError(t, err)
	reg.Seal()
	require.NoError(t, b.DeclareExchanges(context.Background(), reg.Exchanges()))
	require.NoError(t, b.DeclareQueues(context.Background(), reg.Queues()))
	require.NoError(t, b.DeclareBindings(context.Background(), reg.Bindings()))

	errQueue := def.Name + ".error.queue"
	require.NoError(t, b.DeclareBindings(context.Background(), []api.BindingSpec{
		{Exchange: def.ErrorExchange, Queue: errQueue, RoutingKey: def.Name},
	}))
	errHandle, err := b.Consume(context.Background(), errQueue, 1)
	require.NoError(t, err)

	p := New(b, reg, metrics.New(nil), logging.New(zerolog.Disabled), Config{Concurrency: 1, Prefetch: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	body, err := json.Marshal(api.JobRequest{Name: "always-fails", Attempt: 1})
	require.NoError(t, err)
	publishRaw(t, b, "", "always-fails", body)

	drainResult(t, p.Results())

	select {
	case d := <-errHandle.Deliveries():
		assert.Equal(t, 1, d.Request.Attempt)
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("expected an error publish once retries were exhausted")
	}
}

func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	b, reg := newHarness(t)
	_, err := reg.RegisterJob(api.RegisterJobInput{
		Name: "panics",
		Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
			panic("boom")
		},
	})
	require.NoError(t, err)
	reg.Seal()
	require.NoError(t, b.DeclareQueues(context.Background(), reg.Queues()))

	p := New(b, reg, metrics.New(nil), logging.New(zerolog.Disabled), Config{Concurrency: 1, Prefetch: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	body, err := json.Marshal(api.JobRequest{Name: "panics", Attempt: 1})
	require.NoError(t, err)
	publishRaw(t, b, "", "panics", body)

	result := drainResult(t, p.Results())
	assert.Equal(t, api.StatusFailure, result.Status)
	assert.Error(t, result.Error)
}

func TestDispatchBoundsConcurrentHandlers(t *testing.T) {
	b, reg := newHarness(t)
	var current, maxSeen int32
	release := make(chan struct{})
	_, err := reg.RegisterJob(api.RegisterJobInput{
		Name: "slow",
		Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&current, -1)
			return nil, nil
		},
	})
	require.NoError(t, err)
	reg.Seal()
	require.NoError(t, b.DeclareQueues(context.Background(), reg.Queues()))

	p := New(b, reg, metrics.New(nil), logging.New(zerolog.Disabled), Config{Concurrency: 2, Prefetch: 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		body, err := json.Marshal(api.JobRequest{Name: "slow", Attempt: 1})
		require.NoError(t, err)
		publishRaw(t, b, "", "slow", body)
	}

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
	close(release)

	for i := 0; i < 5; i++ {
		drainResult(t, p.Results())
	}
}

func TestDispatchTimeoutYieldsStatusTimeout(t *testing.T) {
	b, reg := newHarness(t)
	blocked := make(chan struct{})
	_, err := reg.RegisterJob(api.RegisterJobInput{
		Name:      "slow-timeout",
		TimeoutMs: 20,
		Handler: func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
			close(blocked)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)
	reg.Seal()
	require.NoError(t, b.DeclareQueues(context.Background(), reg.Queues()))

	p := New(b, reg, metrics.New(nil), logging.New(zerolog.Disabled), Config{Concurrency: 1, Prefetch: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	body, err := json.Marshal(api.JobRequest{Name: "slow-timeout", Attempt: 1})
	require.NoError(t, err)
	publishRaw(t, b, "", "slow-timeout", body)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	result := drainResult(t, p.Results())
	assert.Equal(t, api.StatusTimeout, result.Status)
	assert.Error(t, result.Error)
}

func TestDispatchConcurrencyBoundIsSharedAcrossQueues(t *testing.T) {
	b, reg := newHarness(t)
	var current, maxSeen int32
	release := make(chan struct{})
	slowHandler := func(ctx context.Context, req *api.JobRequest) (interface{}, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&current, -1)
		return nil, nil
	}
	_, err := reg.RegisterJob(api.RegisterJobInput{Name: "slow-a", Handler: slowHandler})
	require.NoError(t, err)
	_, err = reg.RegisterJob(api.RegisterJobInput{Name: "slow-b", Handler: slowHandler})
	require.NoError(t, err)
	reg.Seal()
	require.NoError(t, b.DeclareQueues(context.Background(), reg.Queues()))

	// Two distinct queues under one Pool: Concurrency must still bound
	// the total in-flight dispatches across both, not per queue.
	p := New(b, reg, metrics.New(nil), logging.New(zerolog.Disabled), Config{Concurrency: 2, Prefetch: 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		bodyA, err := json.Marshal(api.JobRequest{Name: "slow-a", Attempt: 1})
		require.NoError(t, err)
		publishRaw(t, b, "", "slow-a", bodyA)
		bodyB, err := json.Marshal(api.JobRequest{Name: "slow-b", Attempt: 1})
		require.NoError(t, err)
		publishRaw(t, b, "", "slow-b", bodyB)
	}

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
	close(release)

	for i := 0; i < 6; i++ {
		drainResult(t, p.Results())
	}
}
