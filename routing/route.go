package routing

import (
	"fmt"
	"strings"
)

// Kind tells which form of destination a Route names.
type Kind int

const (
	KindEndpoint Kind = iota + 1
	KindInstance
	KindAddress
)

func (k Kind) String() string {
	switch k {
	case KindEndpoint:
		return "endpoint"
	case KindInstance:
		return "instance"
	case KindAddress:
		return "address"
	default:
		return "unknown"
	}
}

// EndpointInstance names one running instance of a logical endpoint.
type EndpointInstance struct {
	Endpoint      string
	Discriminator string
}

func (i EndpointInstance) String() string {
	if i.Discriminator == "" {
		return i.Endpoint
	}
	return i.Endpoint + "/" + i.Discriminator
}

// Route is a resolved unicast destination. Routes are comparable values and
// two Routes are equal when they name the same destination, regardless of
// the rule that produced them.
type Route struct {
	kind     Kind
	endpoint string
	instance EndpointInstance
	address  string
}

// ToEndpoint routes to the logical endpoint name.
func ToEndpoint(name string) Route {
	return Route{kind: KindEndpoint, endpoint: name}
}

// ToInstance routes to a specific endpoint instance.
func ToInstance(instance EndpointInstance) Route {
	return Route{kind: KindInstance, instance: instance}
}

// ToAddress routes to a literal transport address.
func ToAddress(address string) Route {
	return Route{kind: KindAddress, address: address}
}

// Kind returns the destination form.
func (r Route) Kind() Kind { return r.kind }

// Endpoint returns the logical endpoint the route targets. For instance
// routes this is the instance's endpoint; for address routes it is empty.
func (r Route) Endpoint() string {
	if r.kind == KindInstance {
		return r.instance.Endpoint
	}
	return r.endpoint
}

// Instance returns the endpoint instance of an instance route.
func (r Route) Instance() (EndpointInstance, bool) {
	return r.instance, r.kind == KindInstance
}

// Address returns the literal address of an address route.
func (r Route) Address() (string, bool) {
	return r.address, r.kind == KindAddress
}

// IsZero reports whether r names no destination.
func (r Route) IsZero() bool {
	return r == Route{}
}

func (r Route) String() string {
	switch r.kind {
	case KindEndpoint:
		return "endpoint:" + r.endpoint
	case KindInstance:
		return "instance:" + r.instance.String()
	case KindAddress:
		return "address:" + r.address
	default:
		return fmt.Sprintf("route(%d)", r.kind)
	}
}

// ParseRoute reads the String form of a route. A value without a recognized
// prefix names an endpoint.
func ParseRoute(s string) (Route, error) {
	s = strings.TrimSpace(s)
	prefix, rest, found := strings.Cut(s, ":")
	if !found {
		if s == "" {
			return Route{}, fmt.Errorf("empty route")
		}
		return ToEndpoint(s), nil
	}
	rest = strings.TrimSpace(rest)
	switch prefix {
	case "endpoint":
		if rest == "" {
			return Route{}, fmt.Errorf("route %q: missing endpoint name", s)
		}
		return ToEndpoint(rest), nil
	case "instance":
		endpoint, discriminator, _ := strings.Cut(rest, "/")
		if endpoint == "" {
			return Route{}, fmt.Errorf("route %q: missing endpoint name", s)
		}
		return ToInstance(EndpointInstance{Endpoint: endpoint, Discriminator: discriminator}), nil
	case "address":
		if rest == "" {
			return Route{}, fmt.Errorf("route %q: missing address", s)
		}
		return ToAddress(rest), nil
	default:
		return ToEndpoint(s), nil
	}
}
