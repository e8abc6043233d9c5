package sagabus

import (
	"context"
	"time"

	"github.com/bjaus/sagabus/message"
)

// OnParseFunc is called after a source parses a message. The returned
// context is used for the rest of processing, so hooks can attach logging
// fields or spans.
type OnParseFunc func(ctx context.Context, source, key string) context.Context

// OnDispatchFunc is called just before handlers and sagas run.
type OnDispatchFunc func(ctx context.Context, source, key string)

// OnSuccessFunc is called after every handler and saga succeeded.
type OnSuccessFunc func(ctx context.Context, source, key string, duration time.Duration)

// OnFailureFunc is called after a handler or saga failed.
type OnFailureFunc func(ctx context.Context, source, key string, err error, duration time.Duration)

// OnNoSourceFunc is called when no source matches the raw bytes.
// Return nil to skip the message, return an error to fail.
type OnNoSourceFunc func(ctx context.Context, raw []byte) error

// OnParseErrorFunc is called when the matched source fails to parse.
// Return nil to skip, return an error to fail.
type OnParseErrorFunc func(ctx context.Context, source string, err error) error

// OnNoHandlerFunc is called when nothing consumes the routing key.
// Return nil to skip, return an error to fail.
type OnNoHandlerFunc func(ctx context.Context, source, key string) error

// OnUnmarshalErrorFunc is called when the payload does not decode.
// Return nil to skip, return an error to fail.
type OnUnmarshalErrorFunc func(ctx context.Context, source, key string, err error) error

// OnValidationErrorFunc is called when the decoded payload is invalid.
// Return nil to skip, return an error to fail.
type OnValidationErrorFunc func(ctx context.Context, source, key string, err error) error

// OnSagaNotFoundFunc is called when a message that cannot start sagaName
// finds no instance of it. Return nil to skip, return an error to fail.
type OnSagaNotFoundFunc func(ctx context.Context, sagaName, key string) error

// OnUnroutableFunc is called when an outgoing message resolves to no route.
// Return nil to drop the message, return an error to fail the send.
type OnUnroutableFunc func(ctx context.Context, key string, types []message.Type) error

type hooks struct {
	onParse           []OnParseFunc
	onDispatch        []OnDispatchFunc
	onSuccess         []OnSuccessFunc
	onFailure         []OnFailureFunc
	onNoSource        []OnNoSourceFunc
	onParseError      []OnParseErrorFunc
	onNoHandler       []OnNoHandlerFunc
	onUnmarshalError  []OnUnmarshalErrorFunc
	onValidationError []OnValidationErrorFunc
	onSagaNotFound    []OnSagaNotFoundFunc
	onUnroutable      []OnUnroutableFunc
}

// WithOnParse adds a hook called after a source parses a message. Hooks run
// in order with the context chained through each.
//
//	sagabus.WithOnParse(func(ctx context.Context, source, key string) context.Context {
//	    return log.WithMessageKey(ctx, key)
//	})
func WithOnParse(fn OnParseFunc) Option {
	return func(b *Bus) {
		b.hooks.onParse = append(b.hooks.onParse, fn)
	}
}

// WithOnDispatch adds a hook called just before handling.
func WithOnDispatch(fn OnDispatchFunc) Option {
	return func(b *Bus) {
		b.hooks.onDispatch = append(b.hooks.onDispatch, fn)
	}
}

// WithOnSuccess adds a hook called after a message was handled.
//
//	sagabus.WithOnSuccess(func(ctx context.Context, source, key string, d time.Duration) {
//	    m.IncSuccess(key)
//	})
func WithOnSuccess(fn OnSuccessFunc) Option {
	return func(b *Bus) {
		b.hooks.onSuccess = append(b.hooks.onSuccess, fn)
	}
}

// WithOnFailure adds a hook called after handling failed.
func WithOnFailure(fn OnFailureFunc) Option {
	return func(b *Bus) {
		b.hooks.onFailure = append(b.hooks.onFailure, fn)
	}
}

// WithOnNoSource adds a hook called when no source matches. The first
// error returned wins.
func WithOnNoSource(fn OnNoSourceFunc) Option {
	return func(b *Bus) {
		b.hooks.onNoSource = append(b.hooks.onNoSource, fn)
	}
}

// WithOnParseError adds a hook called when parsing fails. The first error
// returned wins.
func WithOnParseError(fn OnParseErrorFunc) Option {
	return func(b *Bus) {
		b.hooks.onParseError = append(b.hooks.onParseError, fn)
	}
}

// WithOnNoHandler adds a hook called when nothing consumes a key. The first
// error returned wins.
//
//	sagabus.WithOnNoHandler(func(ctx context.Context, source, key string) error {
//	    log.Warn(ctx, "no handler")
//	    return nil
//	})
func WithOnNoHandler(fn OnNoHandlerFunc) Option {
	return func(b *Bus) {
		b.hooks.onNoHandler = append(b.hooks.onNoHandler, fn)
	}
}

// WithOnUnmarshalError adds a hook called when a payload does not decode.
func WithOnUnmarshalError(fn OnUnmarshalErrorFunc) Option {
	return func(b *Bus) {
		b.hooks.onUnmarshalError = append(b.hooks.onUnmarshalError, fn)
	}
}

// WithOnValidationError adds a hook called when a payload fails Validate.
func WithOnValidationError(fn OnValidationErrorFunc) Option {
	return func(b *Bus) {
		b.hooks.onValidationError = append(b.hooks.onValidationError, fn)
	}
}

// WithOnSagaNotFound adds a hook called when no saga instance matches a
// non-starting message. Without hooks such messages are skipped.
func WithOnSagaNotFound(fn OnSagaNotFoundFunc) Option {
	return func(b *Bus) {
		b.hooks.onSagaNotFound = append(b.hooks.onSagaNotFound, fn)
	}
}

// WithOnUnroutable adds a hook called when Send resolves no route. Without
// hooks Send returns ErrNoRoutes.
func WithOnUnroutable(fn OnUnroutableFunc) Option {
	return func(b *Bus) {
		b.hooks.onUnroutable = append(b.hooks.onUnroutable, fn)
	}
}

// OnParseHook can be implemented by a Source to enrich the context after
// global OnParse hooks ran.
type OnParseHook interface {
	OnParse(ctx context.Context, key string) context.Context
}

// OnSuccessHook can be implemented by a Source, for example to acknowledge
// the message. It runs after global OnSuccess hooks.
type OnSuccessHook interface {
	OnSuccess(ctx context.Context, key string, duration time.Duration)
}

// OnFailureHook can be implemented by a Source. It runs after global
// OnFailure hooks.
type OnFailureHook interface {
	OnFailure(ctx context.Context, key string, err error, duration time.Duration)
}

// OnNoHandlerHook can be implemented by a Source. It runs after global
// hooks; if either returns an error, that error is used.
type OnNoHandlerHook interface {
	OnNoHandler(ctx context.Context, key string) error
}

func (b *Bus) callOnParse(ctx context.Context, source Source, key string) context.Context {
	for _, fn := range b.hooks.onParse {
		ctx = fn(ctx, source.Name(), key)
	}
	if h, ok := source.(OnParseHook); ok {
		ctx = h.OnParse(ctx, key)
	}
	return ctx
}

func (b *Bus) callOnDispatch(ctx context.Context, source Source, key string) {
	for _, fn := range b.hooks.onDispatch {
		fn(ctx, source.Name(), key)
	}
}

func (b *Bus) callOnSuccess(ctx context.Context, source Source, key string, d time.Duration) {
	for _, fn := range b.hooks.onSuccess {
		fn(ctx, source.Name(), key, d)
	}
	if h, ok := source.(OnSuccessHook); ok {
		h.OnSuccess(ctx, key, d)
	}
}

func (b *Bus) callOnFailure(ctx context.Context, source Source, key string, err error, d time.Duration) {
	for _, fn := range b.hooks.onFailure {
		fn(ctx, source.Name(), key, err, d)
	}
	if h, ok := source.(OnFailureHook); ok {
		h.OnFailure(ctx, key, err, d)
	}
}

// firstErr runs hooks until one returns an error. With no hooks it returns
// fallback.
func firstErr[F any](fns []F, call func(F) error, fallback error) error {
	for _, fn := range fns {
		if err := call(fn); err != nil {
			return err
		}
	}
	if len(fns) > 0 {
		return nil
	}
	return fallback
}
