// Package ctxutils decorates contexts with a service name so log lines
// emitted deep in the pool/broker/worker stack can be traced back to
// the component that started the call chain.
package ctxutils

import "context"

type contextKey string

// ServiceName is the context key under which the decorating component
// name is stored.
const ServiceName contextKey = "jobqueue.service_name"

// ContextDecoration names the component decorating a context.
type ContextDecoration struct {
	Name string
}

// DecorateContext returns a derived context carrying decoration.Name
// under ServiceName.
func DecorateContext(ctx context.Context, decoration ContextDecoration) context.Context {
	return context.WithValue(ctx, ServiceName, decoration.Name)
}

// NameOf reads back the service name decorated onto ctx, if any.
func NameOf(ctx context.Context) string {
	name, _ := ctx.Value(ServiceName).(string)
	return name
}
