package sagabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Handler handles a decoded message outside of any saga, for example to
// project it into a read model.
type Handler[T any] interface {
	Handle(ctx context.Context, msg T) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc[T any] func(ctx context.Context, msg T) error

// Handle implements the Handler interface.
func (f HandlerFunc[T]) Handle(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// Source parses raw inbound bytes into a Message.
//
// Sources are registered with Bus.AddSource and matched using their
// Discriminator before Parse is called, so detection stays cheap when a bus
// consumes several wire formats.
//
//	type legacySource struct{}
//
//	func (legacySource) Name() string { return "legacy" }
//
//	func (legacySource) Discriminator() sagabus.Discriminator {
//	    return sagabus.HasFields("event", "body")
//	}
//
//	func (legacySource) Parse(raw []byte) (sagabus.Message, error) {
//	    var env struct {
//	        Event string          `json:"event"`
//	        Body  json.RawMessage `json:"body"`
//	    }
//	    if err := json.Unmarshal(raw, &env); err != nil {
//	        return sagabus.Message{}, err
//	    }
//	    return sagabus.Message{Key: env.Event, Payload: env.Body}, nil
//	}
type Source interface {
	// Name identifies the source in hooks.
	Name() string

	// Discriminator reports whether raw bytes look like this source's
	// format.
	Discriminator() Discriminator

	// Parse extracts the routing key and payload.
	Parse(raw []byte) (Message, error)
}

// SourceFunc creates a Source from a name, discriminator, and parse function.
func SourceFunc(name string, disc Discriminator, parse func([]byte) (Message, error)) Source {
	return &sourceFunc{name: name, disc: disc, parse: parse}
}

type sourceFunc struct {
	name  string
	disc  Discriminator
	parse func([]byte) (Message, error)
}

func (s *sourceFunc) Name() string                      { return s.name }
func (s *sourceFunc) Discriminator() Discriminator      { return s.disc }
func (s *sourceFunc) Parse(raw []byte) (Message, error) { return s.parse(raw) }

// Message is an inbound message after source parsing.
type Message struct {
	// Key selects the registered message type.
	Key string

	// ID is the transport message id, if any. New saga instances record it
	// as their original message id.
	ID string

	// Headers carries transport metadata. The "reply_to" header becomes
	// the originator of new saga instances.
	Headers map[string]string

	// Payload is the raw JSON decoded into the registered type.
	Payload json.RawMessage
}

// HeaderReplyTo names the header holding the sender's return address.
const HeaderReplyTo = "reply_to"

// Envelope is the wire form of an outgoing message. EnvelopeSource parses
// the same shape back.
type Envelope struct {
	ID      string            `json:"id"`
	Key     string            `json:"key"`
	Types   []string          `json:"types,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

var errMissingKey = errors.New("envelope has no key")

// EnvelopeSource returns a Source for JSON envelopes of the form
//
//	{"id": "...", "key": "order.placed", "headers": {...}, "payload": {...}}
func EnvelopeSource() Source {
	return SourceFunc("envelope", HasFields("key", "payload"), parseEnvelope)
}

func parseEnvelope(raw []byte) (Message, error) {
	key := gjson.GetBytes(raw, "key")
	if key.Type != gjson.String || key.Str == "" {
		return Message{}, errMissingKey
	}
	msg := Message{
		Key:     key.Str,
		ID:      gjson.GetBytes(raw, "id").String(),
		Payload: json.RawMessage(gjson.GetBytes(raw, "payload").Raw),
	}
	if headers := gjson.GetBytes(raw, "headers"); headers.IsObject() {
		msg.Headers = make(map[string]string)
		var herr error
		headers.ForEach(func(k, v gjson.Result) bool {
			if v.Type != gjson.String {
				herr = fmt.Errorf("header %s: want string, got %s", k.Str, v.Type)
				return false
			}
			msg.Headers[k.Str] = v.Str
			return true
		})
		if herr != nil {
			return Message{}, herr
		}
	}
	return msg, nil
}
