package saga

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSaga matches every configuration error returned while building
// saga metadata:
//
//	if errors.Is(err, saga.ErrInvalidSaga) { ... }
var ErrInvalidSaga = errors.New("invalid saga configuration")

// NoStarterMessageError reports a saga that no message type can start.
type NoStarterMessageError struct {
	Saga string
}

func (e *NoStarterMessageError) Error() string {
	return fmt.Sprintf("saga %s: no message type starts the saga; declare at least one with StartedBy", e.Saga)
}

func (e *NoStarterMessageError) Is(target error) bool { return target == ErrInvalidSaga }

// MultipleCorrelationPropertiesError reports mappings that target more than
// one saga property. A saga correlates on exactly one property; anything else
// must be expressed through custom finders.
type MultipleCorrelationPropertiesError struct {
	Saga         string
	Properties   []string
	MessageTypes []string
}

func (e *MultipleCorrelationPropertiesError) Error() string {
	return fmt.Sprintf(
		"saga %s: messages [%s] map to multiple correlation properties [%s]; a saga can only correlate on one property, use a custom finder for the rest",
		e.Saga, strings.Join(e.MessageTypes, ", "), strings.Join(e.Properties, ", "),
	)
}

func (e *MultipleCorrelationPropertiesError) Is(target error) bool { return target == ErrInvalidSaga }

// UnsupportedCorrelationTypeError reports a correlation property whose value
// type is outside the allowed set.
type UnsupportedCorrelationTypeError struct {
	Saga     string
	Property string
	Type     string
}

func (e *UnsupportedCorrelationTypeError) Error() string {
	allowed := make([]string, len(AllowedKinds))
	for i, k := range AllowedKinds {
		allowed[i] = k.String()
	}
	return fmt.Sprintf(
		"saga %s: correlation property %s has type %s; allowed types are %s",
		e.Saga, e.Property, e.Type, strings.Join(allowed, ", "),
	)
}

func (e *UnsupportedCorrelationTypeError) Is(target error) bool { return target == ErrInvalidSaga }

// MappingTargetError reports a mapping whose saga property or message
// accessor could not be resolved.
type MappingTargetError struct {
	Saga        string
	MessageType string
	Property    string
	Reason      string
}

func (e *MappingTargetError) Error() string {
	return fmt.Sprintf("saga %s: mapping of %s to property %q: %s", e.Saga, e.MessageType, e.Property, e.Reason)
}

func (e *MappingTargetError) Is(target error) bool { return target == ErrInvalidSaga }

// UnsupportedIdentifierMappingError reports a mapping to the saga's id
// property from a message value that is not a uuid.UUID.
type UnsupportedIdentifierMappingError struct {
	Saga        string
	MessageType string
	Property    string
	Type        string
}

func (e *UnsupportedIdentifierMappingError) Error() string {
	return fmt.Sprintf(
		"saga %s: message %s maps a %s to the identifier property %s; identifier properties can only be mapped from uuid.UUID",
		e.Saga, e.MessageType, e.Type, e.Property,
	)
}

func (e *UnsupportedIdentifierMappingError) Is(target error) bool { return target == ErrInvalidSaga }

// InvalidFinderTargetError reports a discovered finder whose message type is
// not a message according to the configured convention.
type InvalidFinderTargetError struct {
	Saga        string
	Finder      string
	MessageType string
}

func (e *InvalidFinderTargetError) Error() string {
	return fmt.Sprintf("saga %s: finder %s targets %s, which is not a message type", e.Saga, e.Finder, e.MessageType)
}

func (e *InvalidFinderTargetError) Is(target error) bool { return target == ErrInvalidSaga }

// ConflictingFinderError reports a message type that would be resolved by
// more than one strategy.
type ConflictingFinderError struct {
	Saga        string
	MessageType string
	Existing    string
	Conflicting string
}

func (e *ConflictingFinderError) Error() string {
	return fmt.Sprintf(
		"saga %s: message %s is already resolved by %s and cannot also be resolved by %s",
		e.Saga, e.MessageType, e.Existing, e.Conflicting,
	)
}

func (e *ConflictingFinderError) Is(target error) bool { return target == ErrInvalidSaga }
