package sagabus

import (
	"context"

	"github.com/bjaus/sagabus/routing"
)

// Transport delivers an outgoing envelope to one resolved route.
type Transport interface {
	Deliver(ctx context.Context, route routing.Route, env Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, route routing.Route, env Envelope) error

// Deliver implements Transport.
func (f TransportFunc) Deliver(ctx context.Context, route routing.Route, env Envelope) error {
	return f(ctx, route, env)
}
