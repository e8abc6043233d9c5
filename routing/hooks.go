package routing

import (
	"context"
	"time"

	"github.com/bjaus/sagabus/message"
)

// OnResolvedFunc is called after every successful resolution.
type OnResolvedFunc func(ctx context.Context, types []message.Type, routes []Route, duration time.Duration)

// OnUnroutedFunc is called when a batch resolves to no routes. Whether that
// is an error is the caller's decision.
type OnUnroutedFunc func(ctx context.Context, types []message.Type)

// OnRuleErrorFunc is called when a dynamic rule fails. The error is still
// returned from Resolve.
type OnRuleErrorFunc func(ctx context.Context, types []message.Type, err error)

type hooks struct {
	onResolved  []OnResolvedFunc
	onUnrouted  []OnUnroutedFunc
	onRuleError []OnRuleErrorFunc
}

// Option configures a Table.
type Option func(*hooks)

// WithOnResolved adds a hook called after each successful resolution.
//
//	routing.WithOnResolved(func(ctx context.Context, types []message.Type, routes []routing.Route, d time.Duration) {
//	    metrics.ObserveResolve(len(routes), d)
//	})
func WithOnResolved(fn OnResolvedFunc) Option {
	return func(h *hooks) {
		h.onResolved = append(h.onResolved, fn)
	}
}

// WithOnUnrouted adds a hook called when no rule matched a batch.
func WithOnUnrouted(fn OnUnroutedFunc) Option {
	return func(h *hooks) {
		h.onUnrouted = append(h.onUnrouted, fn)
	}
}

// WithOnRuleError adds a hook called when a dynamic rule fails.
func WithOnRuleError(fn OnRuleErrorFunc) Option {
	return func(h *hooks) {
		h.onRuleError = append(h.onRuleError, fn)
	}
}

func (t *Table) callOnResolved(ctx context.Context, types []message.Type, routes []Route, d time.Duration) {
	for _, fn := range t.hooks.onResolved {
		fn(ctx, types, routes, d)
	}
}

func (t *Table) callOnUnrouted(ctx context.Context, types []message.Type) {
	for _, fn := range t.hooks.onUnrouted {
		fn(ctx, types)
	}
}

func (t *Table) callOnRuleError(ctx context.Context, types []message.Type, err error) {
	for _, fn := range t.hooks.onRuleError {
		fn(ctx, types, err)
	}
}
