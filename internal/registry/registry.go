// Package registry is the static, append-only catalogue of
// JobDefinitions.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/harborq/jobqueue/api"
)

// Registry maps job names to their JobDefinition and derives the
// topology (queues/exchanges/bindings) that DeclareAmqResources needs.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*api.JobDefinition
	order []string
	sealed bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{defs: make(map[string]*api.JobDefinition)}
}

// RegisterJob normalizes input (assigns a name if omitted, computes
// retry/error exchange names) and stores the resulting JobDefinition.
// Registering the same name twice is a programmer error.
func (r *Registry) RegisterJob(input api.RegisterJobInput) (*api.JobDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, fmt.Errorf("jobqueue: registry sealed by DeclareAmqResources, cannot register %q", input.Name)
	}

	name := input.Name
	if name == "" {
		name = "job-" + uuid.NewString()
	}
	if _, exists := r.defs[name]; exists {
		return nil, fmt.Errorf("jobqueue: job %q already registered", name)
	}

	queue := input.Queue
	if queue == "" {
		queue = name
	}
	maxRetries := input.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	retryDelay := input.RetryDelayMs
	if retryDelay == 0 {
		retryDelay = 5000
	}

	def := &api.JobDefinition{
		Name:          name,
		Queue:         queue,
		RoutingKey:    firstNonEmpty(input.RoutingKey, queue),
		Exchange:      input.Exchange,
		ReplyTo:       input.ReplyTo,
		Handler:       input.Handler,
		RetryExchange: name + ".retry",
		ErrorExchange: name + ".error",
		MaxRetries:    maxRetries,
		RetryDelayMs:  retryDelay,
		ExpiresMs:     input.ExpiresMs,
		TimeoutMs:     input.TimeoutMs,
		JobClass:      input.JobClass,
	}

	r.defs[name] = def
	r.order = append(r.order, name)
	return def, nil
}

// Lookup returns the JobDefinition registered under name.
func (r *Registry) Lookup(name string) (*api.JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Seal marks the registry read-only; called once topology has been
// declared so no further registration can silently miss the declare
// pass.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Queues derives the idempotent queue assertions for every registered
// job, plus the synthesized <queue>.retry dead-letter queue.
func (r *Registry) Queues() []api.QueueSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]api.QueueSpec, 0, len(r.order)*2)
	seen := map[string]bool{}
	for _, name := range r.order {
		def := r.defs[name]
		if !seen[def.Queue] {
			specs = append(specs, api.QueueSpec{Name: def.Queue, Durable: true})
			seen[def.Queue] = true
		}
		retryQueue := def.Queue + ".retry"
		if !seen[retryQueue] {
			specs = append(specs, api.QueueSpec{
				Name:    retryQueue,
				Durable: true,
				Args: map[string]interface{}{
					"x-dead-letter-exchange":    def.Exchange,
					"x-dead-letter-routing-key": def.RoutingKey,
					"x-message-ttl":             def.RetryDelayMs,
				},
			})
			seen[retryQueue] = true
		}
	}
	return specs
}

// Exchanges derives the retry/error exchanges for every registered
// job.
func (r *Registry) Exchanges() []api.ExchangeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]api.ExchangeSpec, 0, len(r.order)*2)
	seen := map[string]bool{}
	for _, name := range r.order {
		def := r.defs[name]
		for _, ex := range []string{def.RetryExchange, def.ErrorExchange} {
			if !seen[ex] {
				specs = append(specs, api.ExchangeSpec{Name: ex, Kind: "direct", Durable: true})
				seen[ex] = true
			}
		}
	}
	return specs
}

// Bindings derives the retry-exchange -> <queue>.retry binding for
// every registered job, resolving the "delayed enqueuer exchange" open
// question by making this the library's responsibility.
func (r *Registry) Bindings() []api.BindingSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]api.BindingSpec, 0, len(r.order))
	for _, name := range r.order {
		def := r.defs[name]
		specs = append(specs, api.BindingSpec{
			Exchange:   def.RetryExchange,
			Queue:      def.Queue + ".retry",
			RoutingKey: def.RoutingKey,
		})
	}
	return specs
}

// WorkerQueues returns the distinct set of queues that at least one
// registered job def consumes from.
func (r *Registry) WorkerQueues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	queues := make([]string, 0, len(r.order))
	for _, name := range r.order {
		q := r.defs[name].Queue
		if !seen[q] {
			seen[q] = true
			queues = append(queues, q)
		}
	}
	return queues
}

// All returns every registered JobDefinition in registration order.
func (r *Registry) All() []*api.JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*api.JobDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
