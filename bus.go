package sagabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/bjaus/sagabus/message"
	"github.com/bjaus/sagabus/routing"
	"github.com/bjaus/sagabus/saga"
)

var (
	// ErrNoRoutes is returned by Send when no routing rule matched and no
	// OnUnroutable hook is set.
	ErrNoRoutes = errors.New("no routes for message")

	// ErrNoPersister is returned when a saga message arrives on a bus
	// without a persister.
	ErrNoPersister = errors.New("no saga persister configured")

	// ErrNoTransport is returned by Send on a bus without a transport.
	ErrNoTransport = errors.New("no transport configured")

	// ErrCorrelationNotSet is returned when a new saga instance would be
	// saved with its correlation property still at the zero value.
	ErrCorrelationNotSet = errors.New("correlation property not set")
)

// validatable is implemented by payloads that check themselves after
// decoding.
type validatable interface {
	Validate() error
}

type handlerFunc func(ctx context.Context, msg any) error

// binding ties a routing key to the message type it decodes into.
type binding struct {
	key      string
	mtype    message.Type
	decode   func(payload json.RawMessage) (any, error)
	handlers []handlerFunc
}

// Bus receives messages, drives the sagas that handle them, and sends
// messages through a routing table.
//
// Usage:
//  1. Create a bus with New and the persister, routes and transport options
//  2. Add sources with AddSource (or AddGroup for custom inspectors)
//  3. Bind routing keys with RegisterMessage or Handle, and add sagas
//  4. Process inbound messages with Process; send with Send or Publish
//
// Bus is safe for concurrent use after configuration. Do not call AddSource,
// AddGroup, AddSaga, RegisterMessage or Handle after the first Process.
type Bus struct {
	defaultInspector Inspector
	defaultSources   []Source
	groups           []group
	bindings         map[string]*binding
	keys             map[message.Type]string
	sagas            map[message.Type][]*saga.Metadata
	sagaNames        map[string]struct{}

	persister      saga.Persister
	routes         *routing.Table
	transport      Transport
	resolveTimeout time.Duration

	hooks hooks

	// name of the source that matched last; tried first on the next message
	lastMatch atomic.Value
}

type group struct {
	inspector Inspector
	sources   []Source
}

// Option configures a Bus.
type Option func(*Bus)

// New creates a Bus. Sources added with AddSource are inspected with
// JSONInspector unless WithInspector says otherwise.
//
//	b := sagabus.New(
//	    sagabus.WithPersister(store),
//	    sagabus.WithRoutes(table),
//	    sagabus.WithTransport(pubsubTransport),
//	)
func New(opts ...Option) *Bus {
	b := &Bus{
		defaultInspector: JSONInspector(),
		bindings:         make(map[string]*binding),
		keys:             make(map[message.Type]string),
		sagas:            make(map[message.Type][]*saga.Metadata),
		sagaNames:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithInspector sets the inspector for sources added with AddSource.
func WithInspector(i Inspector) Option {
	return func(b *Bus) {
		b.defaultInspector = i
	}
}

// WithPersister sets where saga instances are stored.
func WithPersister(p saga.Persister) Option {
	return func(b *Bus) {
		b.persister = p
	}
}

// WithRoutes sets the routing table Send resolves destinations with.
func WithRoutes(t *routing.Table) Option {
	return func(b *Bus) {
		b.routes = t
	}
}

// WithTransport sets how resolved routes are delivered to.
func WithTransport(t Transport) Option {
	return func(b *Bus) {
		b.transport = t
	}
}

// WithResolveTimeout bounds each routing table resolution.
func WithResolveTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.resolveTimeout = d
	}
}

// AddSource registers a source with the default inspector. Sources are
// tried in registration order.
func (b *Bus) AddSource(s Source) {
	b.defaultSources = append(b.defaultSources, s)
}

// AddGroup registers sources that share a custom inspector. Groups are
// tried after the default sources, in registration order.
func (b *Bus) AddGroup(inspector Inspector, sources ...Source) {
	b.groups = append(b.groups, group{inspector: inspector, sources: sources})
}

// AddSaga subscribes sagas to every message type they are associated
// with. Bind those types to routing keys with RegisterMessage. It panics
// when a saga name is added twice.
func (b *Bus) AddSaga(mds ...*saga.Metadata) {
	for _, md := range mds {
		if _, dup := b.sagaNames[md.Name()]; dup {
			panic(fmt.Sprintf("sagabus: saga %s added twice", md.Name()))
		}
		b.sagaNames[md.Name()] = struct{}{}
		for _, sm := range md.Messages() {
			b.sagas[sm.Type] = append(b.sagas[sm.Type], md)
		}
	}
}

// RegisterMessage binds key to message type T, both for decoding inbound
// payloads and for Publish. Payloads are decoded as JSON and checked with
// Validate() error when T or *T implements it.
//
// This is a package-level function because methods cannot have their own
// type parameters. It panics when key is already bound to another type.
//
//	sagabus.RegisterMessage[OrderPlaced](b, "order.placed")
func RegisterMessage[T any](b *Bus, key string) {
	bind[T](b, key)
}

// Handle binds key to T like RegisterMessage and adds h as a plain handler
// that runs before any saga.
func Handle[T any](b *Bus, key string, h Handler[T]) {
	bnd := bind[T](b, key)
	bnd.handlers = append(bnd.handlers, func(ctx context.Context, msg any) error {
		m, ok := msg.(T)
		if !ok {
			return fmt.Errorf("handler for %s: unexpected message %T", key, msg)
		}
		return h.Handle(ctx, m)
	})
}

// HandleFunc is Handle for a function.
func HandleFunc[T any](b *Bus, key string, fn func(ctx context.Context, msg T) error) {
	Handle(b, key, HandlerFunc[T](fn))
}

// MessageType returns the message type bound to key.
func (b *Bus) MessageType(key string) (message.Type, bool) {
	bnd, ok := b.bindings[key]
	if !ok {
		return message.Type{}, false
	}
	return bnd.mtype, true
}

func bind[T any](b *Bus, key string) *binding {
	mt := message.TypeOf[T]()
	if existing, ok := b.bindings[key]; ok {
		if existing.mtype != mt {
			panic(fmt.Sprintf("sagabus: key %q bound to %s and %s", key, existing.mtype, mt))
		}
		return existing
	}
	bnd := &binding{
		key:   key,
		mtype: mt,
		decode: func(payload json.RawMessage) (any, error) {
			var data T
			if err := json.Unmarshal(payload, &data); err != nil {
				return nil, &unmarshalError{err: err}
			}
			if v, ok := any(data).(validatable); ok {
				if err := v.Validate(); err != nil {
					return nil, &validationError{err: err}
				}
			} else if v, ok := any(&data).(validatable); ok {
				if err := v.Validate(); err != nil {
					return nil, &validationError{err: err}
				}
			}
			return data, nil
		},
	}
	b.bindings[key] = bnd
	if _, taken := b.keys[mt]; !taken {
		b.keys[mt] = key
	}
	return bnd
}

// Process handles one inbound message.
//
// The processing flow:
//  1. Use discriminators to find a matching source
//  2. Parse the message with the matched source
//  3. Look up the binding for the routing key
//  4. Decode and validate the payload
//  5. Run plain handlers, then every saga associated with the type, each
//     in its own persistence session
//
// Handler and saga errors are combined; a failing saga does not stop the
// others and its session is rolled back.
func (b *Bus) Process(ctx context.Context, raw []byte) error {
	source := b.match(raw)
	if source == nil {
		return firstErr(b.hooks.onNoSource, func(fn OnNoSourceFunc) error {
			return fn(ctx, raw)
		}, errors.New("no source matched message"))
	}

	parsed, err := source.Parse(raw)
	if err != nil {
		return firstErr(b.hooks.onParseError, func(fn OnParseErrorFunc) error {
			return fn(ctx, source.Name(), err)
		}, fmt.Errorf("parse failed for source %s: %w", source.Name(), err))
	}

	ctx = b.callOnParse(ctx, source, parsed.Key)

	bnd, found := b.bindings[parsed.Key]
	if !found || (len(bnd.handlers) == 0 && len(b.sagas[bnd.mtype]) == 0) {
		return b.handleNoHandler(ctx, source, parsed.Key)
	}

	msg, err := bnd.decode(parsed.Payload)
	if err != nil {
		return b.handleDecodeError(ctx, source, parsed.Key, err)
	}

	b.callOnDispatch(ctx, source, parsed.Key)

	start := time.Now()
	err = b.dispatch(ctx, parsed, bnd, msg)
	duration := time.Since(start)

	if err != nil {
		b.callOnFailure(ctx, source, parsed.Key, err, duration)
	} else {
		b.callOnSuccess(ctx, source, parsed.Key, duration)
	}
	return err
}

func (b *Bus) dispatch(ctx context.Context, in Message, bnd *binding, msg any) error {
	var errs error
	for _, h := range bnd.handlers {
		errs = multierr.Append(errs, h(ctx, msg))
	}
	for _, md := range b.sagas[bnd.mtype] {
		if err := b.invokeSaga(ctx, md, in, msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("saga %s: %w", md.Name(), err))
		}
	}
	return errs
}

// invokeSaga loads or starts the instance of md that msg belongs to, runs
// the handler, and persists the outcome in one session.
func (b *Bus) invokeSaga(ctx context.Context, md *saga.Metadata, in Message, msg any) (err error) {
	if b.persister == nil {
		return ErrNoPersister
	}

	session, err := b.persister.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		err = multierr.Append(err, session.Close())
	}()

	t := message.TypeOfValue(msg)
	var data saga.Data
	if def, ok := md.Finder(t); ok {
		data, err = def.Find(ctx, b.persister, session, msg)
		if err != nil {
			return fmt.Errorf("find instance: %w", err)
		}
	}

	isNew := data == nil
	if isNew {
		if !md.IsStarter(t) {
			return firstErr(b.hooks.onSagaNotFound, func(fn OnSagaNotFoundFunc) error {
				return fn(ctx, md.Name(), in.Key)
			}, nil)
		}
		data = b.start(md, in, msg)
	}

	if err := md.Handle(ctx, data, msg); err != nil {
		return err
	}

	entity := data.SagaEntity()
	switch {
	case entity.IsCompleted() && isNew:
	case entity.IsCompleted():
		err = session.Delete(ctx, md.Name(), entity.ID)
	case isNew:
		var rec saga.Record
		if rec, err = newRecord(md, data); err == nil {
			err = session.Save(ctx, rec)
		}
	default:
		err = session.Update(ctx, record(md, data))
	}
	if err != nil {
		return err
	}
	return session.Complete(ctx)
}

func (b *Bus) start(md *saga.Metadata, in Message, msg any) saga.Data {
	data := md.NewData()
	entity := data.SagaEntity()
	entity.ID = uuid.New()
	entity.OriginalMessageID = in.ID
	entity.Originator = in.Headers[HeaderReplyTo]
	if prop, ok := md.CorrelationProperty(); ok {
		if v, ok := md.CorrelationValue(msg); ok {
			prop.Set(data, v)
		}
	}
	return data
}

// newRecord is record for an instance about to be saved. The correlation
// value must be set by then, either from the starter's mapping or by its
// handler.
func newRecord(md *saga.Metadata, data saga.Data) (saga.Record, error) {
	rec := record(md, data)
	prop, ok := md.CorrelationProperty()
	if !ok {
		return rec, nil
	}
	if rec.CorrelationValue == nil || reflect.ValueOf(rec.CorrelationValue).IsZero() {
		return saga.Record{}, fmt.Errorf("%w: %s.%s", ErrCorrelationNotSet, md.Name(), prop.Name)
	}
	return rec, nil
}

func record(md *saga.Metadata, data saga.Data) saga.Record {
	rec := saga.Record{Saga: md.Name(), Data: data}
	if prop, ok := md.CorrelationProperty(); ok {
		if v, ok := prop.Value(data); ok {
			rec.CorrelationProperty = prop.Name
			rec.CorrelationValue = v
		}
	}
	return rec
}

// Send resolves the destinations of msg through the routing table and
// delivers it to each under key. Every message type msg is, as reported by
// message.TypesOf, takes part in the resolution.
func (b *Bus) Send(ctx context.Context, key string, msg any, opts ...SendOption) error {
	if b.transport == nil {
		return ErrNoTransport
	}

	types := message.TypesOf(msg)
	var routes []routing.Route
	if b.routes != nil {
		rctx := ctx
		if b.resolveTimeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, b.resolveTimeout)
			defer cancel()
		}
		var err error
		routes, err = b.routes.Resolve(rctx, types)
		if err != nil {
			return fmt.Errorf("resolve routes for %s: %w", key, err)
		}
	}
	if len(routes) == 0 {
		return firstErr(b.hooks.onUnroutable, func(fn OnUnroutableFunc) error {
			return fn(ctx, key, types)
		}, fmt.Errorf("%w: %s", ErrNoRoutes, key))
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Key:     key,
		Types:   message.Names(types),
		Payload: payload,
	}
	for _, opt := range opts {
		opt(&env)
	}

	var errs error
	for _, route := range routes {
		if err := b.transport.Deliver(ctx, route, env); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deliver %s to %s: %w", key, route, err))
		}
	}
	return errs
}

// SendOption adjusts an outgoing envelope.
type SendOption func(*Envelope)

// WithHeader sets an envelope header.
func WithHeader(key, value string) SendOption {
	return func(env *Envelope) {
		if env.Headers == nil {
			env.Headers = make(map[string]string)
		}
		env.Headers[key] = value
	}
}

// WithReplyTo sets the address replies to the message go to. Sagas started
// by the message record it as their originator.
func WithReplyTo(address string) SendOption {
	return WithHeader(HeaderReplyTo, address)
}

// Publish is Send with the key msg's type was registered under.
func (b *Bus) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	key, ok := b.keys[message.TypeOfValue(msg)]
	if !ok {
		return fmt.Errorf("no key registered for %s", message.TypeOfValue(msg))
	}
	return b.Send(ctx, key, msg, opts...)
}

// viewCache parses raw bytes at most once per inspector while sources are
// matched.
type viewCache struct {
	raw   []byte
	views map[Inspector]viewResult
}

type viewResult struct {
	view View
	ok   bool
}

func newViewCache(raw []byte) *viewCache {
	return &viewCache{raw: raw, views: make(map[Inspector]viewResult)}
}

func (c *viewCache) get(insp Inspector) (View, bool) {
	if result, ok := c.views[insp]; ok {
		return result.view, result.ok
	}
	view, err := insp.Inspect(c.raw)
	result := viewResult{view: view, ok: err == nil}
	c.views[insp] = result
	return result.view, result.ok
}

// match finds the source for raw, trying the last matched source first.
func (b *Bus) match(raw []byte) Source {
	cache := newViewCache(raw)

	if last, ok := b.lastMatch.Load().(string); ok && last != "" {
		if src := b.find(cache, func(s Source) bool { return s.Name() == last }); src != nil {
			return src
		}
	}

	src := b.find(cache, func(Source) bool { return true })
	if src != nil {
		b.lastMatch.Store(src.Name())
	}
	return src
}

// find returns the first source accepted by want whose discriminator
// matches, searching the default group before custom groups.
func (b *Bus) find(cache *viewCache, want func(Source) bool) Source {
	try := func(insp Inspector, sources []Source) Source {
		if len(sources) == 0 {
			return nil
		}
		view, ok := cache.get(insp)
		if !ok {
			return nil
		}
		for _, src := range sources {
			if want(src) && src.Discriminator().Match(view) {
				return src
			}
		}
		return nil
	}

	if src := try(b.defaultInspector, b.defaultSources); src != nil {
		return src
	}
	for _, g := range b.groups {
		if src := try(g.inspector, g.sources); src != nil {
			return src
		}
	}
	return nil
}

func (b *Bus) handleNoHandler(ctx context.Context, source Source, key string) error {
	var errs []error
	for _, fn := range b.hooks.onNoHandler {
		if err := fn(ctx, source.Name(), key); err != nil {
			errs = append(errs, err)
		}
	}
	if h, ok := source.(OnNoHandlerHook); ok {
		if err := h.OnNoHandler(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	if len(b.hooks.onNoHandler) == 0 {
		return fmt.Errorf("no handler for key: %s", key)
	}
	return nil
}

func (b *Bus) handleDecodeError(ctx context.Context, source Source, key string, err error) error {
	var uerr *unmarshalError
	if errors.As(err, &uerr) {
		return firstErr(b.hooks.onUnmarshalError, func(fn OnUnmarshalErrorFunc) error {
			return fn(ctx, source.Name(), key, uerr.err)
		}, fmt.Errorf("unmarshal payload: %w", uerr.err))
	}
	var verr *validationError
	if errors.As(err, &verr) {
		return firstErr(b.hooks.onValidationError, func(fn OnValidationErrorFunc) error {
			return fn(ctx, source.Name(), key, verr.err)
		}, fmt.Errorf("validate payload: %w", verr.err))
	}
	return err
}

// unmarshalError marks payload decoding failures.
type unmarshalError struct {
	err error
}

func (e *unmarshalError) Error() string { return e.err.Error() }
func (e *unmarshalError) Unwrap() error { return e.err }

// validationError marks Validate failures.
type validationError struct {
	err error
}

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }
