// Package routing resolves the unicast destinations of outgoing messages.
//
// A Table holds static rules, each keyed to one message type, and dynamic
// rules, which see the whole batch of message types and may do I/O:
//
//	t := routing.New()
//	t.AddStatic(message.TypeOf[OrderPlaced](), routing.ToEndpoint("Sales"))
//	t.AddDynamic(distributionLists.Rule())
//
//	routes, err := t.Resolve(ctx, message.TypesOf(evt))
//
// Rules are added during configuration only. Resolve is safe for concurrent
// use once configuration is complete; do not add rules after the first call
// to Resolve.
package routing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bjaus/sagabus/message"
)

// StaticRule resolves a single message type. It must not block. Return false
// when the rule does not apply to t.
type StaticRule func(ctx context.Context, t message.Type) (Route, bool)

// DynamicRule resolves a batch of message types and may suspend, for example
// to consult a remote registry. It must honor ctx cancellation.
type DynamicRule func(ctx context.Context, types []message.Type) ([]Route, error)

// Table is an ordered set of routing rules.
type Table struct {
	static  []StaticRule
	dynamic []DynamicRule
	hooks   hooks
}

// New creates an empty Table.
func New(opts ...Option) *Table {
	t := &Table{}
	for _, opt := range opts {
		opt(&t.hooks)
	}
	return t
}

// AddStatic routes messages of type mt to route. Matching compares type
// identity.
func (t *Table) AddStatic(mt message.Type, route Route) {
	t.AddStaticRule(func(_ context.Context, candidate message.Type) (Route, bool) {
		if candidate != mt {
			return Route{}, false
		}
		return route, true
	})
}

// AddStaticRule appends a custom static rule.
func (t *Table) AddStaticRule(rule StaticRule) {
	if rule == nil {
		return
	}
	t.static = append(t.static, rule)
}

// AddDynamic appends a dynamic rule.
func (t *Table) AddDynamic(rule DynamicRule) {
	if rule == nil {
		return
	}
	t.dynamic = append(t.dynamic, rule)
}

// Resolve returns the destinations for a logical message made of types.
//
// Dynamic rules run first, concurrently, each with the full batch; their
// results are kept in registration order. Static rules then run for each type
// in batch order. Duplicate routes collapse to their first occurrence. A
// batch no rule matches yields an empty result, not an error.
//
// The first dynamic rule failure cancels the remaining dynamic rules and is
// returned; no partial result is produced.
func (t *Table) Resolve(ctx context.Context, types []message.Type) ([]Route, error) {
	start := time.Now()

	routes, err := t.resolveDynamic(ctx, types)
	if err != nil {
		t.callOnRuleError(ctx, types, err)
		return nil, err
	}

	for _, mt := range types {
		for _, rule := range t.static {
			if route, ok := rule(ctx, mt); ok {
				routes = append(routes, route)
			}
		}
	}

	routes = dedupe(routes)

	if len(routes) == 0 {
		t.callOnUnrouted(ctx, types)
	}
	t.callOnResolved(ctx, types, routes, time.Since(start))
	return routes, nil
}

func (t *Table) resolveDynamic(ctx context.Context, types []message.Type) ([]Route, error) {
	if len(t.dynamic) == 0 {
		return []Route{}, nil
	}

	results := make([][]Route, len(t.dynamic))
	g, gctx := errgroup.WithContext(ctx)
	for i, rule := range t.dynamic {
		g.Go(func() error {
			routes, err := rule(gctx, types)
			if err != nil {
				return fmt.Errorf("dynamic route %d: %w", i, err)
			}
			results[i] = routes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var routes []Route
	for _, r := range results {
		routes = append(routes, r...)
	}
	if routes == nil {
		routes = []Route{}
	}
	return routes, nil
}

func dedupe(routes []Route) []Route {
	if len(routes) < 2 {
		return routes
	}
	seen := make(map[Route]struct{}, len(routes))
	out := routes[:0]
	for _, r := range routes {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
