package saga

import (
	"context"
	"go/token"
	"strings"

	"github.com/bjaus/sagabus/message"
)

// Prop is a named, typed property of saga data D. Build one with Property.
type Prop[D, V any] struct {
	name string
	get  func(*D) V
	set  func(*D, V)
}

// Property declares the saga data property name read by get and written by
// set:
//
//	var orderID = saga.Property("OrderID",
//	    func(d *OrderData) string { return d.OrderID },
//	    func(d *OrderData, v string) { d.OrderID = v },
//	)
func Property[D, V any](name string, get func(*D) V, set func(*D, V)) Prop[D, V] {
	return Prop[D, V]{name: name, get: get, set: set}
}

// Name returns the property name.
func (p Prop[D, V]) Name() string { return p.name }

// resolve reports why p cannot be used as a mapping target, or "".
func (p Prop[D, V]) resolve() string {
	switch {
	case p.name == "":
		return "property name is empty"
	case !token.IsIdentifier(p.name) || !token.IsExported(p.name):
		return "property is not an exported field name"
	case p.get == nil:
		return "property has no getter"
	case p.set == nil:
		return "property is not settable"
	}
	return ""
}

// property is the type-erased form of a Prop bound into a mapping.
type property struct {
	name     string
	kind     Kind
	typeName string
	get      func(Data) (any, bool)
	set      func(Data, any) bool
}

func eraseProp[D, V any](p Prop[D, V]) *property {
	return &property{
		name:     p.name,
		kind:     kindOf[V](),
		typeName: typeName[V](),
		get: func(data Data) (any, bool) {
			d, ok := any(data).(*D)
			if !ok || d == nil {
				return nil, false
			}
			return p.get(d), true
		},
		set: func(data Data, v any) bool {
			d, ok := any(data).(*D)
			if !ok || d == nil {
				return false
			}
			val, ok := v.(V)
			if !ok {
				return false
			}
			p.set(d, val)
			return true
		},
	}
}

// mapping is one configured correspondence between a message type and the
// strategy that locates the saga for it. Exactly one of prop and finder is
// set.
type mapping struct {
	messageType message.Type
	prop        *property
	accessor    func(msg any) (any, bool)
	finder      *FinderRegistration
}

func (m mapping) strategy() string {
	if m.finder != nil {
		return "custom finder " + m.finder.Name()
	}
	return "property " + m.prop.name
}

// Mapper collects the mappings of saga data D during the saga's mapping
// callback. It only records; validation happens when the metadata is built.
type Mapper[D any] struct {
	saga     string
	mappings []mapping
	errs     []error
}

func newMapper[D any](sagaName string) *Mapper[D] {
	return &Mapper[D]{saga: sagaName}
}

func (m *Mapper[D]) add(next mapping) {
	for _, existing := range m.mappings {
		if existing.messageType == next.messageType {
			m.errs = append(m.errs, &ConflictingFinderError{
				Saga:        m.saga,
				MessageType: next.messageType.Name(),
				Existing:    existing.strategy(),
				Conflicting: next.strategy(),
			})
			return
		}
	}
	m.mappings = append(m.mappings, next)
}

// Binding is returned by MapMessage and completed with ToSaga.
type Binding[D, V any] struct {
	mapper      *Mapper[D]
	messageType message.Type
	accessor    func(msg any) (any, bool)
	missing     bool
}

// MapMessage starts a property mapping: the value fromMessage extracts from
// an M correlates with a saga property chosen by ToSaga.
//
//	saga.MapMessage(m, func(msg OrderPlaced) string { return msg.OrderID }).ToSaga(orderID)
func MapMessage[D, M, V any](m *Mapper[D], fromMessage func(M) V) *Binding[D, V] {
	return &Binding[D, V]{
		mapper:      m,
		messageType: message.TypeOf[M](),
		missing:     fromMessage == nil,
		accessor: func(msg any) (any, bool) {
			typed, ok := asMessage[M](msg)
			if !ok || fromMessage == nil {
				return nil, false
			}
			return fromMessage(typed), true
		},
	}
}

// ToSaga completes the mapping against saga property p.
func (b *Binding[D, V]) ToSaga(p Prop[D, V]) {
	m := b.mapper
	if b.missing {
		m.errs = append(m.errs, &MappingTargetError{
			Saga:        m.saga,
			MessageType: b.messageType.Name(),
			Property:    p.name,
			Reason:      "message accessor is nil",
		})
		return
	}
	if reason := p.resolve(); reason != "" {
		m.errs = append(m.errs, &MappingTargetError{
			Saga:        m.saga,
			MessageType: b.messageType.Name(),
			Property:    p.name,
			Reason:      reason,
		})
		return
	}
	if strings.EqualFold(p.name, "id") && kindOf[V]() != KindUUID {
		m.errs = append(m.errs, &UnsupportedIdentifierMappingError{
			Saga:        m.saga,
			MessageType: b.messageType.Name(),
			Property:    p.name,
			Type:        typeName[V](),
		})
		return
	}
	m.add(mapping{
		messageType: b.messageType,
		prop:        eraseProp(p),
		accessor:    b.accessor,
	})
}

// UseFinder resolves the saga for M with a custom finder instead of a
// property mapping.
func UseFinder[D, M any](m *Mapper[D], f Finder[D, M]) {
	if f == nil {
		m.errs = append(m.errs, &MappingTargetError{
			Saga:        m.saga,
			MessageType: message.TypeOf[M]().Name(),
			Reason:      "custom finder is nil",
		})
		return
	}
	reg := NewFinder(f)
	m.add(mapping{messageType: reg.messageType, finder: &reg})
}

// UseFinderFunc is UseFinder for a plain function.
func UseFinderFunc[D, M any](m *Mapper[D], fn func(ctx context.Context, session Session, msg M) (*D, error)) {
	if fn == nil {
		UseFinder[D, M](m, nil)
		return
	}
	UseFinder[D, M](m, FinderFunc[D, M](fn))
}
