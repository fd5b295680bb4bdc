package api

import "context"

// QueueSpec, ExchangeSpec and BindingSpec describe the idempotent
// topology declarations derived from registered JobDefinitions.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}

type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

type BindingSpec struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Publication is the frame handed to Broker.Publish.
type Publication struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	CorrelationID string
	ReplyTo       string
	ExpirationMs  int64
	// Headers carries message properties alongside Body, such as the
	// final handler error on a dead-lettered publish.
	Headers map[string]interface{}
}

// ConsumerHandle is the caller-facing lifecycle handle for one
// registered consumer.
type ConsumerHandle interface {
	Queue() string
	Prefetch() int
	ConsumerTag() string
	Deliveries() <-chan Delivery
	// Resume fires once per rewire, immediately after this handle has
	// been re-pointed at a fresh channel.
	Resume() <-chan struct{}
	// Done closes once this handle is cancelled, terminally.
	Done() <-chan struct{}
	Cancel() error
	Active() bool
}

// Broker is the connection-owning façade: topology declaration,
// flow-controlled publish, and a consumer registry that rewires
// transparently on channel loss.
type Broker interface {
	Connect(ctx context.Context) error
	Connected() bool

	DeclareQueues(ctx context.Context, specs []QueueSpec) error
	DeclareExchanges(ctx context.Context, specs []ExchangeSpec) error
	DeclareBindings(ctx context.Context, specs []BindingSpec) error

	// Publish returns accepted=false when the underlying channel's
	// write buffer signaled back-pressure; the frame is still queued.
	Publish(ctx context.Context, pub Publication) (accepted bool, err error)

	Consume(ctx context.Context, queue string, prefetch int) (ConsumerHandle, error)
	ConsumeOver(ctx context.Context, queues []string, prefetch int) ([]ConsumerHandle, error)

	PauseQueue(ctx context.Context, queue string) error
	ResumeQueue(ctx context.Context, queue string) error

	PurgeQueues(ctx context.Context, names ...string) (purged int, err error)
	CheckQueue(ctx context.Context, name string) (messages int, consumers int, err error)

	Shutdown(ctx context.Context) error
}
