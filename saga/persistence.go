package saga

import (
	"context"

	"github.com/google/uuid"
)

// Entity holds the identity every saga instance carries. Saga data types
// embed it:
//
//	type OrderData struct {
//	    saga.Entity
//	    OrderID string
//	}
type Entity struct {
	ID                uuid.UUID `json:"id"`
	Originator        string    `json:"originator,omitempty"`
	OriginalMessageID string    `json:"original_message_id,omitempty"`

	completed bool
}

// SagaEntity implements Data.
func (e *Entity) SagaEntity() *Entity { return e }

// MarkAsComplete flags the instance for removal once the current message
// has been handled.
func (e *Entity) MarkAsComplete() { e.completed = true }

// IsCompleted reports whether MarkAsComplete was called.
func (e *Entity) IsCompleted() bool { return e.completed }

// Data is implemented by saga data types through an embedded Entity.
type Data interface {
	SagaEntity() *Entity
}

// Record is what a Session persists for one saga instance.
type Record struct {
	Saga string
	Data Data

	// CorrelationProperty and CorrelationValue are empty when the saga is
	// located only through custom finders.
	CorrelationProperty string
	CorrelationValue    any
}

// Session scopes reads and writes of saga instances. Nothing is durable
// until Complete returns nil; Close releases the session and discards
// uncompleted work.
type Session interface {
	Save(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sagaName string, id uuid.UUID) error
	Complete(ctx context.Context) error
	Close() error
}

// Persister stores saga instances.
type Persister interface {
	OpenSession(ctx context.Context) (Session, error)

	// Find returns the instance of sagaName whose stored property equals
	// value, or nil when there is none. Lookups never cross saga types.
	Find(ctx context.Context, session Session, sagaName, property string, value any) (Data, error)
}
