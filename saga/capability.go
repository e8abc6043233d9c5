package saga

import (
	"context"
	"fmt"

	"github.com/bjaus/sagabus/message"
)

// CapabilityKind tags how a saga relates to a message type.
type CapabilityKind int

const (
	Starts CapabilityKind = iota + 1
	Handles
	HandlesTimeout
)

func (k CapabilityKind) String() string {
	switch k {
	case Starts:
		return "starts"
	case Handles:
		return "handles"
	case HandlesTimeout:
		return "handles-timeout"
	default:
		return "unknown"
	}
}

type handleFunc func(ctx context.Context, data Data, msg any) error

// Capability declares that a saga starts by, handles, or handles a timeout
// of one message type. Build capabilities with StartedBy, HandledBy and
// TimeoutHandledBy.
type Capability struct {
	Kind        CapabilityKind
	MessageType message.Type

	entity message.Type
	handle handleFunc
}

// StartedBy declares M as a message that may create a new instance.
func StartedBy[D, M any](fn func(ctx context.Context, data *D, msg M) error) Capability {
	return newCapability(Starts, fn)
}

// HandledBy declares M as a message handled by existing instances.
func HandledBy[D, M any](fn func(ctx context.Context, data *D, msg M) error) Capability {
	return newCapability(Handles, fn)
}

// TimeoutHandledBy declares M as a timeout the saga requests and handles.
func TimeoutHandledBy[D, M any](fn func(ctx context.Context, data *D, msg M) error) Capability {
	return newCapability(HandlesTimeout, fn)
}

func newCapability[D, M any](kind CapabilityKind, fn func(ctx context.Context, data *D, msg M) error) Capability {
	mt := message.TypeOf[M]()
	return Capability{
		Kind:        kind,
		MessageType: mt,
		entity:      message.TypeOf[D](),
		handle: func(ctx context.Context, data Data, msg any) error {
			d, ok := any(data).(*D)
			if !ok {
				return fmt.Errorf("saga data %T is not %s", data, message.TypeOf[D]())
			}
			m, ok := asMessage[M](msg)
			if !ok {
				return fmt.Errorf("message %T is not %s", msg, mt)
			}
			if fn == nil {
				return nil
			}
			return fn(ctx, d, m)
		},
	}
}

// asMessage accepts both M and *M.
func asMessage[M any](msg any) (M, bool) {
	switch m := msg.(type) {
	case M:
		return m, true
	case *M:
		if m != nil {
			return *m, true
		}
	}
	var zero M
	return zero, false
}
