// Package saga builds the correlation metadata of long-running workflows.
//
// A saga type is declared once with Define: the messages it starts by and
// handles, and a mapping callback that tells the runtime how to find an
// existing instance for each message. New validates the declaration and
// returns an immutable Metadata that dispatchers query concurrently:
//
//	var Order = saga.Define[OrderData]("Order",
//	    func() []saga.Capability {
//	        return []saga.Capability{
//	            saga.StartedBy(onOrderPlaced),
//	            saga.HandledBy(onOrderBilled),
//	        }
//	    },
//	    func(m *saga.Mapper[OrderData]) {
//	        saga.MapMessage(m, func(e OrderPlaced) string { return e.OrderID }).ToSaga(orderID)
//	        saga.MapMessage(m, func(e OrderBilled) string { return e.OrderID }).ToSaga(orderID)
//	    },
//	)
//
//	md, err := saga.New(Order)
//
// Configuration errors are fatal and reported once at bootstrap. Every error
// matches ErrInvalidSaga.
package saga

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/bjaus/sagabus/message"
)

// Type is a saga declaration produced by Define.
type Type struct {
	name         string
	entity       message.Type
	capabilities func() []Capability
	configure    func() ([]mapping, []error)
	newData      func() Data
}

// Define declares a saga named name over data type D. capabilities lists the
// messages the saga starts by and handles; configure maps messages to the
// lookups that find instances. Neither callback needs a saga instance.
func Define[D any, P interface {
	*D
	Data
}](name string, capabilities func() []Capability, configure func(*Mapper[D])) Type {
	return Type{
		name:         name,
		entity:       message.TypeOf[D](),
		capabilities: capabilities,
		configure: func() ([]mapping, []error) {
			m := newMapper[D](name)
			if configure != nil {
				configure(m)
			}
			return m.mappings, m.errs
		},
		newData: func() Data { return P(new(D)) },
	}
}

// Name returns the saga name.
func (t Type) Name() string { return t.name }

type options struct {
	finders    []FinderRegistration
	convention message.Convention
}

// Option configures New and BuildAll.
type Option func(*options)

// WithFinders offers externally discovered custom finders. Each saga adopts
// the finders whose data type matches its own.
func WithFinders(regs ...FinderRegistration) Option {
	return func(o *options) {
		o.finders = append(o.finders, regs...)
	}
}

// WithConvention sets the predicate discovered finder message types must
// satisfy. The default accepts every type.
func WithConvention(c message.Convention) Option {
	return func(o *options) {
		if c != nil {
			o.convention = c
		}
	}
}

// New builds and validates the metadata of t. Nothing is returned unless
// every rule holds.
func New(t Type, opts ...Option) (*Metadata, error) {
	o := options{convention: message.AnyType}
	for _, opt := range opts {
		opt(&o)
	}

	if t.configure == nil || t.newData == nil {
		return nil, fmt.Errorf("saga %q: %w: not created with Define", t.name, ErrInvalidSaga)
	}

	messages, index := classify(t)
	if !hasStarter(messages) {
		return nil, &NoStarterMessageError{Saga: t.name}
	}

	mappings, errs := t.configure()
	if len(errs) > 0 {
		return nil, multierr.Combine(errs...)
	}

	mappings, err := discover(t, mappings, o)
	if err != nil {
		return nil, err
	}

	correlation, err := selectCorrelation(t.name, mappings)
	if err != nil {
		return nil, err
	}

	finders := make(map[message.Type]FinderDefinition, len(mappings))
	order := make([]message.Type, 0, len(mappings))
	for _, m := range mappings {
		finders[m.messageType] = newFinderDefinition(t.name, m)
		order = append(order, m.messageType)
	}

	return &Metadata{
		name:        t.name,
		entity:      t.entity,
		messages:    messages,
		index:       index,
		correlation: correlation,
		finders:     finders,
		finderOrder: order,
		newData:     t.newData,
	}, nil
}

// BuildAll builds every saga in types. The result is all-or-nothing: when any
// saga is invalid, the error reports every failure and no metadata is
// returned.
func BuildAll(types []Type, opts ...Option) ([]*Metadata, error) {
	var (
		built []*Metadata
		errs  error
	)
	for _, t := range types {
		md, err := New(t, opts...)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		built = append(built, md)
	}
	if errs != nil {
		return nil, errs
	}
	return built, nil
}

// classify collects messages starters first, then handlers, then timeouts.
// The first classification of a message type wins, so a starter is never
// downgraded by a later capability.
func classify(t Type) ([]SagaMessage, map[message.Type]int) {
	var caps []Capability
	if t.capabilities != nil {
		caps = t.capabilities()
	}

	messages := []SagaMessage{}
	index := map[message.Type]int{}
	for _, kind := range []CapabilityKind{Starts, Handles, HandlesTimeout} {
		for _, c := range caps {
			if c.Kind != kind || c.MessageType.IsZero() {
				continue
			}
			if _, seen := index[c.MessageType]; seen {
				continue
			}
			index[c.MessageType] = len(messages)
			messages = append(messages, SagaMessage{
				Type:      c.MessageType,
				Kind:      c.Kind,
				IsStarter: c.Kind == Starts,
				handle:    c.handle,
			})
		}
	}
	return messages, index
}

func hasStarter(messages []SagaMessage) bool {
	for _, m := range messages {
		if m.IsStarter {
			return true
		}
	}
	return false
}

// discover adds the offered finders that target t's data type.
func discover(t Type, mappings []mapping, o options) ([]mapping, error) {
	for i := range o.finders {
		reg := o.finders[i]
		if reg.entity != t.entity {
			continue
		}
		if !o.convention(reg.messageType) {
			return nil, &InvalidFinderTargetError{
				Saga:        t.name,
				Finder:      reg.name,
				MessageType: reg.messageType.Name(),
			}
		}

		conflict := false
		duplicate := false
		var existing mapping
		for _, m := range mappings {
			if m.messageType != reg.messageType {
				continue
			}
			existing = m
			if m.finder != nil && m.finder.sameAs(reg) {
				duplicate = true
			} else {
				conflict = true
			}
			break
		}
		if duplicate {
			continue
		}
		if conflict {
			return nil, &ConflictingFinderError{
				Saga:        t.name,
				MessageType: reg.messageType.Name(),
				Existing:    existing.strategy(),
				Conflicting: "custom finder " + reg.name,
			}
		}
		mappings = append(mappings, mapping{messageType: reg.messageType, finder: &reg})
	}
	return mappings, nil
}

// selectCorrelation picks the single correlation property, if any.
func selectCorrelation(sagaName string, mappings []mapping) (*CorrelationProperty, error) {
	var (
		selected *property
		names    = map[string]struct{}{}
		typed    = map[string]struct{}{}
		messages []string
	)
	for _, m := range mappings {
		if m.prop == nil {
			continue
		}
		if selected == nil {
			selected = m.prop
		}
		names[m.prop.name] = struct{}{}
		typed[m.prop.name+" ("+m.prop.typeName+")"] = struct{}{}
		messages = append(messages, m.messageType.Name())
	}

	// One name bound with different value types is two properties.
	if len(names) == 1 && len(typed) > 1 {
		names = typed
	}
	if len(names) > 1 {
		props := make([]string, 0, len(names))
		for n := range names {
			props = append(props, n)
		}
		sort.Strings(props)
		sort.Strings(messages)
		return nil, &MultipleCorrelationPropertiesError{
			Saga:         sagaName,
			Properties:   props,
			MessageTypes: messages,
		}
	}
	if selected == nil {
		return nil, nil
	}
	if !selected.kind.Allowed() {
		return nil, &UnsupportedCorrelationTypeError{
			Saga:     sagaName,
			Property: selected.name,
			Type:     selected.typeName,
		}
	}
	return &CorrelationProperty{
		Name: selected.name,
		Kind: selected.kind,
		get:  selected.get,
		set:  selected.set,
	}, nil
}

// SagaMessage describes one message type's relationship to a saga.
type SagaMessage struct {
	Type      message.Type
	Kind      CapabilityKind
	IsStarter bool

	handle handleFunc
}

// CorrelationProperty is the saga data property instances are found by.
type CorrelationProperty struct {
	Name string
	Kind Kind

	get func(Data) (any, bool)
	set func(Data, any) bool
}

// Value reads the property from data.
func (p CorrelationProperty) Value(data Data) (any, bool) {
	if p.get == nil {
		return nil, false
	}
	return p.get(data)
}

// Set writes v to the property of data. It reports false when data or v has
// the wrong type.
func (p CorrelationProperty) Set(data Data, v any) bool {
	if p.set == nil {
		return false
	}
	return p.set(data, v)
}

// Metadata is the immutable description of one saga type. It is safe for
// concurrent use.
type Metadata struct {
	name        string
	entity      message.Type
	messages    []SagaMessage
	index       map[message.Type]int
	correlation *CorrelationProperty
	finders     map[message.Type]FinderDefinition
	finderOrder []message.Type
	newData     func() Data
}

// Name returns the saga name.
func (m *Metadata) Name() string { return m.name }

// EntityType returns the saga data type.
func (m *Metadata) EntityType() message.Type { return m.entity }

// IsStarter reports whether t may start a new instance.
func (m *Metadata) IsStarter(t message.Type) bool {
	msg, ok := m.Message(t)
	return ok && msg.IsStarter
}

// Message returns the saga's association with t.
func (m *Metadata) Message(t message.Type) (SagaMessage, bool) {
	i, ok := m.index[t]
	if !ok {
		return SagaMessage{}, false
	}
	return m.messages[i], true
}

// Messages returns every associated message: starters first, then handled
// messages, then timeouts, each in declaration order.
func (m *Metadata) Messages() []SagaMessage {
	out := make([]SagaMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// CorrelationProperty returns the property instances are correlated on.
func (m *Metadata) CorrelationProperty() (CorrelationProperty, bool) {
	if m.correlation == nil {
		return CorrelationProperty{}, false
	}
	return *m.correlation, true
}

// Finder returns the lookup strategy for t.
func (m *Metadata) Finder(t message.Type) (FinderDefinition, bool) {
	def, ok := m.finders[t]
	return def, ok
}

// Finders returns every finder definition in mapping order.
func (m *Metadata) Finders() []FinderDefinition {
	out := make([]FinderDefinition, 0, len(m.finderOrder))
	for _, t := range m.finderOrder {
		out = append(out, m.finders[t])
	}
	return out
}

// NewData returns empty saga data for a new instance.
func (m *Metadata) NewData() Data {
	return m.newData()
}

// Handle invokes the saga's handler for msg, whose type must be associated
// with the saga.
func (m *Metadata) Handle(ctx context.Context, data Data, msg any) error {
	t := message.TypeOfValue(msg)
	sm, ok := m.Message(t)
	if !ok {
		return fmt.Errorf("saga %s does not handle %s", m.name, t)
	}
	return sm.handle(ctx, data, msg)
}

// CorrelationValue extracts the correlation value from msg through the
// property mapping of its type. It reports false when msg is not mapped to
// the correlation property.
func (m *Metadata) CorrelationValue(msg any) (any, bool) {
	def, ok := m.Finder(message.TypeOfValue(msg))
	if !ok {
		return nil, false
	}
	pf, ok := def.Strategy.(PropertyFinder)
	if !ok {
		return nil, false
	}
	return pf.Value(msg)
}
