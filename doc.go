// Package sagabus runs long-lived workflows (sagas) over a message bus.
//
// A Bus receives raw messages from one or more wire formats, decodes them
// into typed messages, finds the saga instances each message belongs to,
// runs the saga handlers, and persists the outcome. Outgoing messages are
// resolved to destinations through a routing table and handed to a
// transport.
//
// # Quick Start
//
// Declare a saga with the saga package:
//
//	type OrderData struct {
//	    saga.Entity
//	    OrderID string
//	    Billed  bool
//	}
//
//	var orderID = saga.Property("OrderID",
//	    func(d *OrderData) string { return d.OrderID },
//	    func(d *OrderData, v string) { d.OrderID = v },
//	)
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
// Build the metadata once at startup, then wire the bus:
//
//	mds, err := saga.BuildAll([]saga.Type{Order})
//
//	store.Register(mds...)
//
//	b := sagabus.New(
//	    sagabus.WithPersister(store),
//	    sagabus.WithRoutes(table),
//	    sagabus.WithTransport(transport),
//	)
//	b.AddSource(sagabus.EnvelopeSource())
//	b.AddSaga(mds...)
//
//	sagabus.RegisterMessage[OrderPlaced](b, "order.placed")
//	sagabus.RegisterMessage[OrderBilled](b, "order.billed")
//
//	err = b.Process(ctx, raw)
//
// # Sources
//
// A Source turns raw bytes into a Message: a routing key, an optional id,
// headers, and a JSON payload. Sources expose a Discriminator so matching
// stays cheap when several formats share a queue:
//
//	b.AddSource(sagabus.SourceFunc("legacy",
//	    sagabus.HasFields("event", "body"),
//	    parseLegacy,
//	))
//
// HasFields, FieldEquals, FieldIn, And, Or and Not compose discriminators.
// They query a View produced by an Inspector; JSONInspector backs the
// default group and AddGroup registers sources behind a custom inspector.
// The source that matched last is tried first on the next message.
//
// # Sagas
//
// For every saga associated with a message type, Process opens a session
// on the persister and looks the instance up through the finder the saga
// configured for that type. A message that starts the saga creates a new
// instance when none is found; any other message is skipped, or passed to
// the OnSagaNotFound hooks. New instances record the message id and the
// "reply_to" header.
//
// After the handler runs, an instance marked complete is deleted, a new
// instance is saved and an existing one is updated. The session is then
// completed; any error rolls it back. Each saga gets its own session, and
// errors from several sagas are combined.
//
// # Handlers
//
// Plain handlers consume a key without saga state, for example to build a
// read model:
//
//	sagabus.HandleFunc(b, "order.placed", func(ctx context.Context, e OrderPlaced) error {
//	    return projections.Add(ctx, e)
//	})
//
// Handlers run before sagas. A payload type may implement Validate() error
// on its value or pointer receiver; it is called after decoding.
//
// # Sending
//
// Send resolves destinations with the routing table from every type the
// message reports through message.TypesOf, builds an Envelope and delivers
// it to each route:
//
//	err := b.Send(ctx, "order.billed", OrderBilled{OrderID: id},
//	    sagabus.WithReplyTo("Sales"),
//	)
//
// Publish does the same under the key the type was registered with. When
// nothing routes the message, Send returns ErrNoRoutes unless OnUnroutable
// hooks decide otherwise.
//
// # Hooks
//
// Hooks observe processing without coupling the bus to a logger or metrics
// library:
//
//	b := sagabus.New(
//	    sagabus.WithOnParse(func(ctx context.Context, source, key string) context.Context {
//	        return logger.WithMessageKey(ctx, key)
//	    }),
//	    sagabus.WithOnFailure(func(ctx context.Context, source, key string, err error, d time.Duration) {
//	        m.IncFailure(key)
//	    }),
//	)
//
// Error hooks (OnNoSource, OnParseError, OnNoHandler, OnUnmarshalError,
// OnValidationError, OnSagaNotFound, OnUnroutable) decide whether a message
// is skipped or fails: return nil to skip, return an error to fail. Without
// hooks each condition fails, except a missing saga instance, which is
// skipped. When several hooks are set the first error wins.
//
// Sources may implement OnParseHook, OnSuccessHook, OnFailureHook and
// OnNoHandlerHook. They run after the global hooks.
//
// # Thread Safety
//
// Configure the bus before the first call to Process, Send or Publish.
// After that the bus is safe for concurrent use.
package sagabus
