package saga

import (
	"context"
	"fmt"
	"reflect"

	"github.com/bjaus/sagabus/message"
)

// Finder locates the saga data D for a message M with logic of its own.
// Return nil, nil when no instance matches.
type Finder[D, M any] interface {
	FindBy(ctx context.Context, session Session, msg M) (*D, error)
}

// FinderFunc adapts a function to Finder.
type FinderFunc[D, M any] func(ctx context.Context, session Session, msg M) (*D, error)

// FindBy implements Finder.
func (f FinderFunc[D, M]) FindBy(ctx context.Context, session Session, msg M) (*D, error) {
	return f(ctx, session, msg)
}

// FinderRegistration is a type-erased custom finder. Registrations passed to
// New through WithFinders are matched to sagas by their data type.
type FinderRegistration struct {
	name        string
	identity    any
	entity      message.Type
	messageType message.Type
	find        func(ctx context.Context, session Session, msg any) (Data, error)
}

// NewFinder erases f so it can be offered to any saga; only sagas whose data
// type is D will adopt it.
func NewFinder[D, M any](f Finder[D, M]) FinderRegistration {
	mt := message.TypeOf[M]()

	// Comparable finders are the same finder when equal. Functions never
	// compare, so each registration of one gets its own identity.
	var identity any = new(byte)
	if reflect.ValueOf(f).Comparable() {
		identity = f
	}

	return FinderRegistration{
		name:        fmt.Sprintf("%T", f),
		identity:    identity,
		entity:      message.TypeOf[D](),
		messageType: mt,
		find: func(ctx context.Context, session Session, msg any) (Data, error) {
			typed, ok := asMessage[M](msg)
			if !ok {
				return nil, fmt.Errorf("finder %T: message %T is not %s", f, msg, mt)
			}
			found, err := f.FindBy(ctx, session, typed)
			if err != nil || found == nil {
				return nil, err
			}
			data, ok := any(found).(Data)
			if !ok {
				return nil, fmt.Errorf("finder %T: %T does not embed saga.Entity", f, found)
			}
			return data, nil
		},
	}
}

// Name identifies the finder in diagnostics.
func (r FinderRegistration) Name() string { return r.name }

func (r FinderRegistration) sameAs(other FinderRegistration) bool {
	return r.identity != nil && r.identity == other.identity
}

// MessageType is the message type the finder resolves.
func (r FinderRegistration) MessageType() message.Type { return r.messageType }

// EntityType is the saga data type the finder returns.
func (r FinderRegistration) EntityType() message.Type { return r.entity }

// Strategy is how a FinderDefinition locates an instance. It is either a
// PropertyFinder or a CustomFinder.
type Strategy interface {
	find(ctx context.Context, p Persister, session Session, sagaName string, msg any) (Data, error)
	isStrategy()
}

// PropertyFinder looks an instance up by the value of the saga's correlation
// property.
type PropertyFinder struct {
	PropertyName string

	accessor func(msg any) (any, bool)
}

// Value extracts the correlation value from msg.
func (f PropertyFinder) Value(msg any) (any, bool) {
	if f.accessor == nil {
		return nil, false
	}
	return f.accessor(msg)
}

func (f PropertyFinder) find(ctx context.Context, p Persister, session Session, sagaName string, msg any) (Data, error) {
	value, ok := f.Value(msg)
	if !ok {
		return nil, fmt.Errorf("saga %s: cannot read %s from message %T", sagaName, f.PropertyName, msg)
	}
	if p == nil {
		return nil, fmt.Errorf("saga %s: no persister configured for property lookup", sagaName)
	}
	return p.Find(ctx, session, sagaName, f.PropertyName, value)
}

func (PropertyFinder) isStrategy() {}

// CustomFinder delegates the lookup to an externally supplied finder.
type CustomFinder struct {
	Finder FinderRegistration
}

func (f CustomFinder) find(ctx context.Context, _ Persister, session Session, _ string, msg any) (Data, error) {
	return f.Finder.find(ctx, session, msg)
}

func (CustomFinder) isStrategy() {}

// FinderDefinition is the resolved lookup strategy for one message type.
type FinderDefinition struct {
	Saga        string
	MessageType message.Type
	Strategy    Strategy
}

// Find runs the strategy for msg. It returns nil, nil when no instance
// matches.
func (d FinderDefinition) Find(ctx context.Context, p Persister, session Session, msg any) (Data, error) {
	return d.Strategy.find(ctx, p, session, d.Saga, msg)
}

func newFinderDefinition(sagaName string, m mapping) FinderDefinition {
	def := FinderDefinition{Saga: sagaName, MessageType: m.messageType}
	if m.finder != nil {
		def.Strategy = CustomFinder{Finder: *m.finder}
		return def
	}
	def.Strategy = PropertyFinder{PropertyName: m.prop.name, accessor: m.accessor}
	return def
}
