// Package metrics wires prometheus collectors into the pool, broker,
// and worker pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "jobqueue"
)

// Collectors bundles every metric the runtime exports. A nil
// *Collectors is safe to use — its methods are guarded no-ops — so
// callers that don't care about metrics don't have to construct one.
type Collectors struct {
	PoolFreeChannels prometheus.Gauge
	PublishAccepted  prometheus.Counter
	PublishRejected  prometheus.Counter
	ConsumerRewires  prometheus.Counter
	DispatchSeconds  prometheus.Histogram
	RetryPublished   prometheus.Counter
	ErrorPublished   prometheus.Counter
	InFlight         prometheus.Gauge
}

// New constructs and registers a fresh Collectors set against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PoolFreeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "free_channels",
			Help: "Number of channels currently available in the channel pool.",
		}),
		PublishAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "publish_accepted_total",
			Help: "Publishes that did not observe channel back-pressure.",
		}),
		PublishRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "publish_backpressure_total",
			Help: "Publishes that observed channel back-pressure.",
		}),
		ConsumerRewires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "consumer_rewires_total",
			Help: "Times a consumer handle was rewired onto a fresh channel.",
		}),
		DispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "dispatch_seconds",
			Help:    "Handler dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RetryPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "retry_published_total",
			Help: "Messages republished to a retry exchange.",
		}),
		ErrorPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "error_published_total",
			Help: "Messages republished to an error exchange after exhausting retries.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "in_flight",
			Help: "Number of dispatches currently in flight.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.PoolFreeChannels, c.PublishAccepted, c.PublishRejected,
			c.ConsumerRewires, c.DispatchSeconds, c.RetryPublished,
			c.ErrorPublished, c.InFlight,
		)
	}
	return c
}

func (c *Collectors) setPoolFree(n int) {
	if c == nil {
		return
	}
	c.PoolFreeChannels.Set(float64(n))
}

// SetPoolFree records the current free-channel count.
func (c *Collectors) SetPoolFree(n int) { c.setPoolFree(n) }

// ObservePublish records a publish outcome.
func (c *Collectors) ObservePublish(accepted bool) {
	if c == nil {
		return
	}
	if accepted {
		c.PublishAccepted.Inc()
	} else {
		c.PublishRejected.Inc()
	}
}

// ObserveRewire increments the rewire counter.
func (c *Collectors) ObserveRewire() {
	if c == nil {
		return
	}
	c.ConsumerRewires.Inc()
}

// ObserveDispatchSeconds records handler dispatch latency.
func (c *Collectors) ObserveDispatchSeconds(seconds float64) {
	if c == nil {
		return
	}
	c.DispatchSeconds.Observe(seconds)
}

// IncRetryPublished counts one retry publication.
func (c *Collectors) IncRetryPublished() {
	if c == nil {
		return
	}
	c.RetryPublished.Inc()
}

// IncErrorPublished counts one terminal error publication.
func (c *Collectors) IncErrorPublished() {
	if c == nil {
		return
	}
	c.ErrorPublished.Inc()
}

// SetInFlight records the current in-flight dispatch count.
func (c *Collectors) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.InFlight.Set(float64(n))
}
