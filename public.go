// Package jobqueue is the public façade over the channel pool, broker,
// worker pipeline, and transactor: Configure builds a Runtime, Job
// registers handlers against it, and Worker/Call/Shutdown drive it.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/harborq/jobqueue/adapters/rabbitmq"
	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/config"
	"github.com/harborq/jobqueue/internal/logging"
	"github.com/harborq/jobqueue/internal/metrics"
	"github.com/harborq/jobqueue/internal/registry"
	"github.com/harborq/jobqueue/internal/transactor"
	"github.com/harborq/jobqueue/internal/worker"
)

// Runtime bundles the pool+registry+worker+transactor quartet behind
// one façade. Build one with Configure.
type Runtime struct {
	broker   api.Broker
	registry *registry.Registry
	logger   logging.Logger
	metrics  *metrics.Collectors
	worker   *worker.Pool

	txMu   sync.Mutex
	openTx map[string]*transactor.Transactor
}

// Option customizes Configure.
type Option func(*options)

type options struct {
	broker        api.Broker
	viper         *viper.Viper
	overrides     api.ConnectionParams
	logLevel      string
	logJSON       bool
	registerer    prometheus.Registerer
	workerConfig  worker.Config
}

// WithBroker overrides the default rabbitmq.Broker, typically with an
// adapters/gochan.Broker for tests or local development.
func WithBroker(b api.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithViper supplies a pre-loaded viper instance (config file already
// read) to source ConnectionParams from.
func WithViper(v *viper.Viper) Option {
	return func(o *options) { o.viper = v }
}

// WithConnectionParams overrides individual ConnectionParams fields;
// these win over both viper and environment.
func WithConnectionParams(p api.ConnectionParams) Option {
	return func(o *options) { o.overrides = p }
}

// WithLogLevel sets the zerolog level by name ("debug", "info", ...).
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

// WithJSONLogging switches the logger to JSON output, for production
// deployments behind a log shipper.
func WithJSONLogging() Option {
	return func(o *options) { o.logJSON = true }
}

// WithMetricsRegisterer registers the runtime's prometheus collectors
// against reg instead of the default registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithWorkerConcurrency bounds in-flight handler dispatches across all
// of the worker's consumers together; prefetch defaults to the same
// value unless set separately.
func WithWorkerConcurrency(n int) Option {
	return func(o *options) { o.workerConfig.Concurrency = n }
}

// WithWorkerPrefetch overrides the per-consumer prefetch independently
// of concurrency.
func WithWorkerPrefetch(n int) Option {
	return func(o *options) { o.workerConfig.Prefetch = n }
}

// Configure builds an unconnected Runtime. Call (*Runtime).Connect
// before registering topology or consuming.
func Configure(opts ...Option) *Runtime {
	o := &options{}
	for _, apply := range opts {
		apply(o)
	}

	level := logging.ParseLevel(o.logLevel)
	var logger logging.Logger
	if o.logJSON {
		logger = logging.NewJSON(level)
	} else {
		logger = logging.New(level)
	}

	collectors := metrics.New(registererOrDefault(o.registerer))

	broker := o.broker
	if broker == nil {
		params := config.Load(o.viper, o.overrides)
		broker = rabbitmq.New(params, logger, collectors)
	}

	reg := registry.New()

	return &Runtime{
		broker:   broker,
		registry: reg,
		logger:   logger.Named("jobqueue"),
		metrics:  collectors,
		worker:   worker.New(broker, reg, collectors, logger, o.workerConfig),
		openTx:   make(map[string]*transactor.Transactor),
	}
}

// Connect establishes the underlying broker connection.
func (r *Runtime) Connect(ctx context.Context) error {
	return r.broker.Connect(ctx)
}

// Job registers a handler under input's job definition, deriving
// queue/routing-key/retry-error-exchange names where omitted.
func (r *Runtime) Job(input api.RegisterJobInput) (*api.JobDefinition, error) {
	return r.registry.RegisterJob(input)
}

// DeclareAmqResources seals the registry and idempotently declares
// every queue, exchange, and binding the registered jobs need,
// including the synthesized per-job retry dead-letter topology.
func (r *Runtime) DeclareAmqResources(ctx context.Context) error {
	r.registry.Seal()

	if err := r.broker.DeclareExchanges(ctx, r.registry.Exchanges()); err != nil {
		return fmt.Errorf("jobqueue: declare exchanges: %w", err)
	}
	if err := r.broker.DeclareQueues(ctx, r.registry.Queues()); err != nil {
		return fmt.Errorf("jobqueue: declare queues: %w", err)
	}
	if err := r.broker.DeclareBindings(ctx, r.registry.Bindings()); err != nil {
		return fmt.Errorf("jobqueue: declare bindings: %w", err)
	}
	return nil
}

// Call publishes one job request immediately, bypassing the
// transactor's staging buffer.
func (r *Runtime) Call(ctx context.Context, jobName string, args []interface{}) (*api.JobRequest, error) {
	def, ok := r.registry.Lookup(jobName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownJob, jobName)
	}

	req := &api.JobRequest{
		ID:      uuid.NewString(),
		Name:    def.Name,
		Args:    args,
		Attempt: 1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: marshal job %q: %w", jobName, err)
	}

	_, err = r.broker.Publish(ctx, api.Publication{
		Exchange:     def.Exchange,
		RoutingKey:   def.RoutingKey,
		Body:         body,
		ReplyTo:      def.ReplyTo,
		ExpirationMs: def.ExpiresMs,
	})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: publish job %q: %w", jobName, err)
	}
	return req, nil
}

// BeginTransaction returns a new open Transactor. The runtime tracks
// it internally so Shutdown can wait for it to conclude.
func (r *Runtime) BeginTransaction() *transactor.Transactor {
	tx := transactor.New(r.broker, r.registry, r.logger, r.forgetTransaction)

	r.txMu.Lock()
	r.openTx[tx.ID()] = tx
	r.txMu.Unlock()
	return tx
}

func (r *Runtime) forgetTransaction(id string) {
	r.txMu.Lock()
	delete(r.openTx, id)
	r.txMu.Unlock()
}

// Worker attaches consumers to every registered job's queue and
// dispatches deliveries to their handlers until ctx is cancelled.
func (r *Runtime) Worker(ctx context.Context) error {
	return r.worker.Run(ctx)
}

// Results streams one WorkerResult per processed delivery.
func (r *Runtime) Results() <-chan api.WorkerResult {
	return r.worker.Results()
}

// PauseQueue stops delivery to consumers on queue without cancelling
// them, so PurgeQueues/CheckQueue-style maintenance can proceed safely.
func (r *Runtime) PauseQueue(ctx context.Context, queue string) error {
	return r.broker.PauseQueue(ctx, queue)
}

// ResumeQueue undoes PauseQueue.
func (r *Runtime) ResumeQueue(ctx context.Context, queue string) error {
	return r.broker.ResumeQueue(ctx, queue)
}

// Shutdown runs the three-phase drain: cancel consumers so no new
// deliveries arrive, wait up to timeout for in-flight handlers and
// open transactors to conclude (logging any that don't), then close
// the broker.
func (r *Runtime) Shutdown(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	r.worker.CancelAll()

	if !r.worker.WaitIdle(time.Until(deadline)) {
		r.logger.Warn().Msg("shutdown: timed out waiting for in-flight handlers")
	}

	r.txMu.Lock()
	pending := make([]*transactor.Transactor, 0, len(r.openTx))
	for _, tx := range r.openTx {
		pending = append(pending, tx)
	}
	r.txMu.Unlock()

	for _, tx := range pending {
		if err := tx.WaitUntil(time.Until(deadline)); err != nil {
			r.logger.Warn().Str("transaction", tx.ID()).Msg("shutdown: transaction did not conclude in time")
		}
	}

	return r.broker.Shutdown(ctx)
}

func registererOrDefault(reg prometheus.Registerer) prometheus.Registerer {
	if reg != nil {
		return reg
	}
	return prometheus.DefaultRegisterer
}
