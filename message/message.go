// Package message identifies message types.
//
// A Type is derived from a Go type and compares by identity: two Types are
// equal only when they were derived from the same Go type. Pointer types are
// normalized to their element type, so TypeOf[OrderPlaced]() and
// TypeOfValue(&OrderPlaced{}) are the same Type.
package message

import "reflect"

// Type identifies a message type. The zero Type is invalid.
type Type struct {
	rt reflect.Type
}

// TypeOf returns the Type for T.
func TypeOf[T any]() Type {
	return newType(reflect.TypeFor[T]())
}

// TypeOfValue returns the Type of v's dynamic type. A nil value yields the
// zero Type.
func TypeOfValue(v any) Type {
	if v == nil {
		return Type{}
	}
	return newType(reflect.TypeOf(v))
}

func newType(rt reflect.Type) Type {
	for rt != nil && rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return Type{rt: rt}
}

// IsZero reports whether t was not derived from a Go type.
func (t Type) IsZero() bool {
	return t.rt == nil
}

// Name returns the package-qualified name of the type, e.g.
// "github.com/acme/sales.OrderPlaced". Unnamed types return their literal
// form.
func (t Type) Name() string {
	if t.rt == nil {
		return "<nil>"
	}
	if t.rt.Name() == "" || t.rt.PkgPath() == "" {
		return t.rt.String()
	}
	return t.rt.PkgPath() + "." + t.rt.Name()
}

// ShortName returns the type name without its import path, e.g.
// "sales.OrderPlaced".
func (t Type) ShortName() string {
	if t.rt == nil {
		return "<nil>"
	}
	return t.rt.String()
}

// String implements fmt.Stringer.
func (t Type) String() string {
	return t.ShortName()
}

// Hierarchy is implemented by messages that should also be treated as other
// message types, such as an event that generalizes into a broader event.
type Hierarchy interface {
	MessageTypes() []Type
}

// TypesOf returns the message types v represents: its own type first, then
// any types advertised through Hierarchy. Duplicates and zero Types are
// dropped; order is preserved.
func TypesOf(v any) []Type {
	own := TypeOfValue(v)
	if own.IsZero() {
		return nil
	}
	types := []Type{own}
	h, ok := v.(Hierarchy)
	if !ok {
		return types
	}
	seen := map[Type]struct{}{own: {}}
	for _, t := range h.MessageTypes() {
		if t.IsZero() {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	return types
}

// Convention decides whether a type qualifies as a message.
type Convention func(Type) bool

// AnyType is a Convention that accepts every non-zero type.
func AnyType(t Type) bool {
	return !t.IsZero()
}

// Names returns the names of types, in order.
func Names(types []Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Name()
	}
	return names
}
