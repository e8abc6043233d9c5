package sagabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/sagabus/internal/config"
	"github.com/bjaus/sagabus/message"
	"github.com/bjaus/sagabus/routing"
	"github.com/bjaus/sagabus/saga"
	"github.com/bjaus/sagabus/sagastore"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int64  `json:"total"`
}

type orderBilled struct {
	OrderID string `json:"order_id"`
	Fail    bool   `json:"fail"`
}

type orderShipped struct {
	OrderID string `json:"order_id"`
}

type refundRequested struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

func (r *refundRequested) Validate() error {
	if r.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

type orderData struct {
	saga.Entity
	OrderID string
	Total   int64
	Billed  bool
	Events  []string
}

var errBilling = errors.New("billing failed")

var orderIDProp = saga.Property("OrderID",
	func(d *orderData) string { return d.OrderID },
	func(d *orderData, v string) { d.OrderID = v },
)

var orderSaga = saga.Define[orderData]("Order",
	func() []saga.Capability {
		return []saga.Capability{
			saga.StartedBy(func(ctx context.Context, d *orderData, m orderPlaced) error {
				d.Total = m.Total
				d.Events = append(d.Events, "placed")
				return nil
			}),
			saga.HandledBy(func(ctx context.Context, d *orderData, m orderBilled) error {
				d.Events = append(d.Events, "billed")
				if m.Fail {
					return errBilling
				}
				d.Billed = true
				return nil
			}),
			saga.HandledBy(func(ctx context.Context, d *orderData, m orderShipped) error {
				d.MarkAsComplete()
				return nil
			}),
		}
	},
	func(m *saga.Mapper[orderData]) {
		saga.MapMessage(m, func(e orderPlaced) string { return e.OrderID }).ToSaga(orderIDProp)
		saga.MapMessage(m, func(e orderBilled) string { return e.OrderID }).ToSaga(orderIDProp)
		saga.MapMessage(m, func(e orderShipped) string { return e.OrderID }).ToSaga(orderIDProp)
	},
)

func envelope(t *testing.T, key string, payload any, headers map[string]string) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(Envelope{ID: uuid.NewString(), Key: key, Headers: headers, Payload: body})
	require.NoError(t, err)
	return raw
}

func newTestStore(t *testing.T) *sagastore.Store {
	t.Helper()
	store, err := sagastore.Open(context.Background(), config.DBConfig{
		Driver:       config.DriverSQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newOrderBus wires the Order saga to an envelope source and a sqlite store.
func newOrderBus(t *testing.T, opts ...Option) (*Bus, *sagastore.Store) {
	t.Helper()
	md, err := saga.New(orderSaga)
	require.NoError(t, err)

	store := newTestStore(t)
	store.Register(md)

	b := New(append([]Option{WithPersister(store)}, opts...)...)
	b.AddSource(EnvelopeSource())
	b.AddSaga(md)
	RegisterMessage[orderPlaced](b, "order.placed")
	RegisterMessage[orderBilled](b, "order.billed")
	RegisterMessage[orderShipped](b, "order.shipped")
	return b, store
}

// findOrder looks the Order instance up in a fresh session.
func findOrder(t *testing.T, store *sagastore.Store, orderID string) *orderData {
	t.Helper()
	ctx := context.Background()
	sess, err := store.OpenSession(ctx)
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	data, err := store.Find(ctx, sess, "Order", "OrderID", orderID)
	require.NoError(t, err)
	if data == nil {
		return nil
	}
	return data.(*orderData)
}

func TestBus_Saga(t *testing.T) {
	ctx := context.Background()

	t.Run("starter creates instance", func(t *testing.T) {
		b, store := newOrderBus(t)
		raw, err := json.Marshal(Envelope{
			ID:      "m-1",
			Key:     "order.placed",
			Headers: map[string]string{HeaderReplyTo: "Checkout"},
			Payload: json.RawMessage(`{"order_id": "o-1", "total": 42}`),
		})
		require.NoError(t, err)

		require.NoError(t, b.Process(ctx, raw))

		got := findOrder(t, store, "o-1")
		require.NotNil(t, got)
		assert.NotEqual(t, uuid.Nil, got.ID)
		assert.Equal(t, "m-1", got.OriginalMessageID)
		assert.Equal(t, "Checkout", got.Originator)
		assert.Equal(t, int64(42), got.Total)
		assert.Equal(t, []string{"placed"}, got.Events)
	})

	t.Run("follow-up message updates instance", func(t *testing.T) {
		b, store := newOrderBus(t)
		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1"}, nil)))
		started := findOrder(t, store, "o-1")
		require.NotNil(t, started)

		require.NoError(t, b.Process(ctx, envelope(t, "order.billed", orderBilled{OrderID: "o-1"}, nil)))

		got := findOrder(t, store, "o-1")
		require.NotNil(t, got)
		assert.Equal(t, started.ID, got.ID)
		assert.True(t, got.Billed)
		assert.Equal(t, []string{"placed", "billed"}, got.Events)
	})

	t.Run("instances are correlated by value", func(t *testing.T) {
		b, store := newOrderBus(t)
		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1"}, nil)))
		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-2"}, nil)))
		require.NoError(t, b.Process(ctx, envelope(t, "order.billed", orderBilled{OrderID: "o-2"}, nil)))

		assert.False(t, findOrder(t, store, "o-1").Billed)
		assert.True(t, findOrder(t, store, "o-2").Billed)
	})

	t.Run("starter for existing instance handles it", func(t *testing.T) {
		b, store := newOrderBus(t)
		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1", Total: 1}, nil)))
		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1", Total: 2}, nil)))

		got := findOrder(t, store, "o-1")
		assert.Equal(t, int64(2), got.Total)
		assert.Equal(t, []string{"placed", "placed"}, got.Events)
	})

	t.Run("completion removes instance", func(t *testing.T) {
		b, store := newOrderBus(t)
		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1"}, nil)))
		require.NoError(t, b.Process(ctx, envelope(t, "order.shipped", orderShipped{OrderID: "o-1"}, nil)))

		assert.Nil(t, findOrder(t, store, "o-1"))
	})

	t.Run("handler failure rolls back", func(t *testing.T) {
		var failed error
		b, store := newOrderBus(t, WithOnFailure(func(ctx context.Context, source, key string, err error, d time.Duration) {
			failed = err
		}))
		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1"}, nil)))

		err := b.Process(ctx, envelope(t, "order.billed", orderBilled{OrderID: "o-1", Fail: true}, nil))

		require.ErrorIs(t, err, errBilling)
		assert.ErrorContains(t, err, "saga Order")
		assert.Equal(t, err, failed)
		got := findOrder(t, store, "o-1")
		assert.False(t, got.Billed)
		assert.Equal(t, []string{"placed"}, got.Events)
	})

	t.Run("missing instance is skipped", func(t *testing.T) {
		b, store := newOrderBus(t)

		err := b.Process(ctx, envelope(t, "order.billed", orderBilled{OrderID: "o-9"}, nil))

		require.NoError(t, err)
		assert.Nil(t, findOrder(t, store, "o-9"))
	})

	t.Run("missing instance hook", func(t *testing.T) {
		var gotSaga, gotKey string
		b, _ := newOrderBus(t, WithOnSagaNotFound(func(ctx context.Context, sagaName, key string) error {
			gotSaga, gotKey = sagaName, key
			return errors.New("order unknown")
		}))

		err := b.Process(ctx, envelope(t, "order.billed", orderBilled{OrderID: "o-9"}, nil))

		require.ErrorContains(t, err, "order unknown")
		assert.Equal(t, "Order", gotSaga)
		assert.Equal(t, "order.billed", gotKey)
	})

	t.Run("no persister", func(t *testing.T) {
		md, err := saga.New(orderSaga)
		require.NoError(t, err)
		b := New()
		b.AddSource(EnvelopeSource())
		b.AddSaga(md)
		RegisterMessage[orderPlaced](b, "order.placed")

		err = b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1"}, nil))

		assert.ErrorIs(t, err, ErrNoPersister)
	})
}

type refundData struct {
	saga.Entity
	OrderID string
	Amount  int64
}

// refundSaga starts from a refund found by a custom lookup and correlates
// follow-ups on OrderID. setOrderID controls whether the starter fills the
// property in.
func refundSaga(t *testing.T, setOrderID bool) *saga.Metadata {
	t.Helper()
	prop := saga.Property("OrderID",
		func(d *refundData) string { return d.OrderID },
		func(d *refundData, v string) { d.OrderID = v },
	)
	md, err := saga.New(saga.Define[refundData]("Refund",
		func() []saga.Capability {
			return []saga.Capability{
				saga.StartedBy(func(ctx context.Context, d *refundData, m refundRequested) error {
					if setOrderID {
						d.OrderID = m.OrderID
					}
					d.Amount = m.Amount
					return nil
				}),
				saga.HandledBy(func(ctx context.Context, d *refundData, m orderShipped) error {
					d.MarkAsComplete()
					return nil
				}),
			}
		},
		func(m *saga.Mapper[refundData]) {
			saga.UseFinderFunc(m, func(ctx context.Context, s saga.Session, e refundRequested) (*refundData, error) {
				return nil, nil
			})
			saga.MapMessage(m, func(e orderShipped) string { return e.OrderID }).ToSaga(prop)
		},
	))
	require.NoError(t, err)
	return md
}

func TestBus_CustomFinderStarter(t *testing.T) {
	ctx := context.Background()

	newBus := func(t *testing.T, setOrderID bool) (*Bus, *sagastore.Store) {
		md := refundSaga(t, setOrderID)
		store := newTestStore(t)
		store.Register(md)
		b := New(WithPersister(store))
		b.AddSource(EnvelopeSource())
		b.AddSaga(md)
		RegisterMessage[refundRequested](b, "refund.requested")
		RegisterMessage[orderShipped](b, "order.shipped")
		return b, store
	}

	t.Run("starter handler sets correlation", func(t *testing.T) {
		b, store := newBus(t, true)
		require.NoError(t, b.Process(ctx, envelope(t, "refund.requested", refundRequested{OrderID: "o-1", Amount: 5}, nil)))
		require.NoError(t, b.Process(ctx, envelope(t, "refund.requested", refundRequested{OrderID: "o-2", Amount: 7}, nil)))

		sess, err := store.OpenSession(ctx)
		require.NoError(t, err)
		defer func() { _ = sess.Close() }()
		for id, amount := range map[string]int64{"o-1": 5, "o-2": 7} {
			data, err := store.Find(ctx, sess, "Refund", "OrderID", id)
			require.NoError(t, err)
			require.NotNil(t, data, id)
			assert.Equal(t, amount, data.(*refundData).Amount)
		}
	})

	t.Run("unset correlation is refused", func(t *testing.T) {
		b, store := newBus(t, false)
		err := b.Process(ctx, envelope(t, "refund.requested", refundRequested{OrderID: "o-1", Amount: 5}, nil))
		require.ErrorIs(t, err, ErrCorrelationNotSet)
		assert.ErrorContains(t, err, "Refund.OrderID")

		sess, err := store.OpenSession(ctx)
		require.NoError(t, err)
		defer func() { _ = sess.Close() }()
		data, err := store.Find(ctx, sess, "Refund", "OrderID", "")
		require.NoError(t, err)
		assert.Nil(t, data)
	})
}

func TestBus_Handlers(t *testing.T) {
	ctx := context.Background()

	t.Run("plain handler runs without sagas", func(t *testing.T) {
		b := New()
		b.AddSource(EnvelopeSource())
		var got orderPlaced
		HandleFunc(b, "order.placed", func(ctx context.Context, msg orderPlaced) error {
			got = msg
			return nil
		})

		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1", Total: 7}, nil)))
		assert.Equal(t, orderPlaced{OrderID: "o-1", Total: 7}, got)
	})

	t.Run("plain handler runs alongside saga", func(t *testing.T) {
		b, store := newOrderBus(t)
		calls := 0
		HandleFunc(b, "order.placed", func(ctx context.Context, msg orderPlaced) error {
			calls++
			return nil
		})

		require.NoError(t, b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1"}, nil)))
		assert.Equal(t, 1, calls)
		assert.NotNil(t, findOrder(t, store, "o-1"))
	})

	t.Run("handler error does not stop sagas", func(t *testing.T) {
		b, store := newOrderBus(t)
		HandleFunc(b, "order.placed", func(ctx context.Context, msg orderPlaced) error {
			return errors.New("projection failed")
		})

		err := b.Process(ctx, envelope(t, "order.placed", orderPlaced{OrderID: "o-1"}, nil))
		assert.ErrorContains(t, err, "projection failed")
		assert.NotNil(t, findOrder(t, store, "o-1"))
	})

	t.Run("validation runs on pointer receiver", func(t *testing.T) {
		b := New()
		b.AddSource(EnvelopeSource())
		called := false
		HandleFunc(b, "refund.requested", func(ctx context.Context, msg refundRequested) error {
			called = true
			return nil
		})

		err := b.Process(ctx, envelope(t, "refund.requested", refundRequested{OrderID: "o-1"}, nil))
		assert.ErrorContains(t, err, "validate payload: amount must be positive")
		assert.False(t, called)

		require.NoError(t, b.Process(ctx, envelope(t, "refund.requested", refundRequested{OrderID: "o-1", Amount: 5}, nil)))
		assert.True(t, called)
	})
}

func TestBus_ProcessErrors(t *testing.T) {
	ctx := context.Background()

	newBus := func(opts ...Option) *Bus {
		b := New(opts...)
		b.AddSource(EnvelopeSource())
		HandleFunc(b, "order.placed", func(ctx context.Context, msg orderPlaced) error { return nil })
		return b
	}

	tests := map[string]struct {
		raw     string
		wantErr string
	}{
		"no source":   {`{"type": "order.placed"}`, "no source matched message"},
		"invalid":     {`not json`, "no source matched message"},
		"parse error": {`{"key": 5, "payload": {}}`, "parse failed for source envelope"},
		"no handler":  {`{"key": "order.unknown", "payload": {}}`, "no handler for key: order.unknown"},
		"unmarshal":   {`{"key": "order.placed", "payload": {"total": "many"}}`, "unmarshal payload"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := newBus().Process(ctx, []byte(tt.raw))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	t.Run("key registered without consumers", func(t *testing.T) {
		b := New()
		b.AddSource(EnvelopeSource())
		RegisterMessage[orderShipped](b, "order.shipped")

		err := b.Process(ctx, envelope(t, "order.shipped", orderShipped{}, nil))
		assert.ErrorContains(t, err, "no handler for key: order.shipped")
	})

	t.Run("hooks can skip", func(t *testing.T) {
		skip := func(context.Context, string, string, error) error { return nil }
		b := newBus(
			WithOnNoSource(func(context.Context, []byte) error { return nil }),
			WithOnParseError(func(context.Context, string, error) error { return nil }),
			WithOnNoHandler(func(context.Context, string, string) error { return nil }),
			WithOnUnmarshalError(skip),
		)
		for name, tt := range tests {
			assert.NoError(t, b.Process(ctx, []byte(tt.raw)), name)
		}
	})
}

func TestBus_Registration(t *testing.T) {
	t.Run("duplicate saga panics", func(t *testing.T) {
		md, err := saga.New(orderSaga)
		require.NoError(t, err)
		b := New()
		b.AddSaga(md)
		assert.Panics(t, func() { b.AddSaga(md) })
	})

	t.Run("key bound to another type panics", func(t *testing.T) {
		b := New()
		RegisterMessage[orderPlaced](b, "order.placed")
		assert.NotPanics(t, func() { RegisterMessage[orderPlaced](b, "order.placed") })
		assert.Panics(t, func() { RegisterMessage[orderBilled](b, "order.placed") })
	})

	t.Run("message type lookup", func(t *testing.T) {
		b := New()
		RegisterMessage[orderPlaced](b, "order.placed")

		mt, ok := b.MessageType("order.placed")
		assert.True(t, ok)
		assert.Equal(t, message.TypeOf[orderPlaced](), mt)

		_, ok = b.MessageType("order.shipped")
		assert.False(t, ok)
	})
}

type delivery struct {
	route routing.Route
	env   Envelope
}

// captureTransport records deliveries and fails for routes in fail.
type captureTransport struct {
	mu         sync.Mutex
	deliveries []delivery
	fail       map[routing.Route]error
}

func (c *captureTransport) Deliver(ctx context.Context, route routing.Route, env Envelope) error {
	if err := c.fail[route]; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, delivery{route: route, env: env})
	return nil
}

func (c *captureTransport) routes() []routing.Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]routing.Route, len(c.deliveries))
	for i, d := range c.deliveries {
		out[i] = d.route
	}
	return out
}

// placedForBilling is an orderPlaced that also counts as an orderBilled.
type placedForBilling struct {
	orderPlaced
}

func (placedForBilling) MessageTypes() []message.Type {
	return []message.Type{message.TypeOf[orderPlaced](), message.TypeOf[orderBilled]()}
}

func TestBus_Send(t *testing.T) {
	ctx := context.Background()

	newTable := func() *routing.Table {
		table := routing.New()
		table.AddStatic(message.TypeOf[orderPlaced](), routing.ToEndpoint("Shipping"))
		table.AddStatic(message.TypeOf[orderBilled](), routing.ToEndpoint("Billing"))
		return table
	}

	t.Run("delivers envelope to each route", func(t *testing.T) {
		transport := &captureTransport{}
		b := New(WithRoutes(newTable()), WithTransport(transport))

		err := b.Send(ctx, "order.placed", placedForBilling{orderPlaced{OrderID: "o-1", Total: 3}}, WithReplyTo("Checkout"))
		require.NoError(t, err)

		assert.Equal(t, []routing.Route{routing.ToEndpoint("Shipping"), routing.ToEndpoint("Billing")}, transport.routes())
		env := transport.deliveries[0].env
		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "order.placed", env.Key)
		assert.Len(t, env.Types, 3)
		assert.Equal(t, map[string]string{HeaderReplyTo: "Checkout"}, env.Headers)
		assert.JSONEq(t, `{"order_id": "o-1", "total": 3}`, string(env.Payload))
		assert.Equal(t, env, transport.deliveries[1].env, "every route gets the same envelope")
	})

	t.Run("headers", func(t *testing.T) {
		transport := &captureTransport{}
		b := New(WithRoutes(newTable()), WithTransport(transport))

		require.NoError(t, b.Send(ctx, "order.placed", orderPlaced{}, WithHeader("trace", "t-1"), WithHeader("tenant", "acme")))
		assert.Equal(t, map[string]string{"trace": "t-1", "tenant": "acme"}, transport.deliveries[0].env.Headers)
	})

	t.Run("no routes", func(t *testing.T) {
		b := New(WithRoutes(newTable()), WithTransport(&captureTransport{}))

		err := b.Send(ctx, "order.shipped", orderShipped{})
		assert.ErrorIs(t, err, ErrNoRoutes)
	})

	t.Run("no routing table", func(t *testing.T) {
		b := New(WithTransport(&captureTransport{}))

		err := b.Send(ctx, "order.placed", orderPlaced{})
		assert.ErrorIs(t, err, ErrNoRoutes)
	})

	t.Run("unroutable hook", func(t *testing.T) {
		var got []message.Type
		b := New(
			WithRoutes(newTable()),
			WithTransport(&captureTransport{}),
			WithOnUnroutable(func(ctx context.Context, key string, types []message.Type) error {
				got = types
				return nil
			}),
		)

		require.NoError(t, b.Send(ctx, "order.shipped", orderShipped{}))
		assert.Equal(t, []message.Type{message.TypeOf[orderShipped]()}, got)
	})

	t.Run("no transport", func(t *testing.T) {
		b := New(WithRoutes(newTable()))
		assert.ErrorIs(t, b.Send(ctx, "order.placed", orderPlaced{}), ErrNoTransport)
	})

	t.Run("delivery failures are combined", func(t *testing.T) {
		transport := &captureTransport{fail: map[routing.Route]error{
			routing.ToEndpoint("Shipping"): errors.New("shipping down"),
		}}
		b := New(WithRoutes(newTable()), WithTransport(transport))

		err := b.Send(ctx, "order.placed", placedForBilling{})
		assert.ErrorContains(t, err, "shipping down")
		assert.Equal(t, []routing.Route{routing.ToEndpoint("Billing")}, transport.routes())
	})

	t.Run("resolution error", func(t *testing.T) {
		table := newTable()
		table.AddDynamic(func(ctx context.Context, types []message.Type) ([]routing.Route, error) {
			return nil, errors.New("registry down")
		})
		transport := &captureTransport{}
		b := New(WithRoutes(table), WithTransport(transport))

		err := b.Send(ctx, "order.placed", orderPlaced{})
		assert.ErrorContains(t, err, "registry down")
		assert.Empty(t, transport.routes())
	})

	t.Run("resolve timeout", func(t *testing.T) {
		table := routing.New()
		table.AddDynamic(func(ctx context.Context, types []message.Type) ([]routing.Route, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		b := New(WithRoutes(table), WithTransport(&captureTransport{}), WithResolveTimeout(10*time.Millisecond))

		err := b.Send(ctx, "order.placed", orderPlaced{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestBus_Publish(t *testing.T) {
	ctx := context.Background()
	table := routing.New()
	table.AddStatic(message.TypeOf[orderPlaced](), routing.ToEndpoint("Shipping"))
	transport := &captureTransport{}
	b := New(WithRoutes(table), WithTransport(transport))
	RegisterMessage[orderPlaced](b, "order.placed")

	require.NoError(t, b.Publish(ctx, orderPlaced{OrderID: "o-1"}))
	require.Len(t, transport.deliveries, 1)
	assert.Equal(t, "order.placed", transport.deliveries[0].env.Key)

	assert.ErrorContains(t, b.Publish(ctx, orderShipped{}), "no key registered")
}

func TestBus_SendThenProcess(t *testing.T) {
	ctx := context.Background()
	receiver, store := newOrderBus(t)

	table := routing.New()
	table.AddStatic(message.TypeOf[orderPlaced](), routing.ToEndpoint("Orders"))
	sender := New(WithRoutes(table), WithTransport(TransportFunc(func(ctx context.Context, route routing.Route, env Envelope) error {
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return receiver.Process(ctx, raw)
	})))
	RegisterMessage[orderPlaced](sender, "order.placed")

	require.NoError(t, sender.Publish(ctx, orderPlaced{OrderID: "o-1", Total: 9}, WithReplyTo("Checkout")))

	got := findOrder(t, store, "o-1")
	require.NotNil(t, got)
	assert.Equal(t, int64(9), got.Total)
	assert.Equal(t, "Checkout", got.Originator)
	assert.NotEmpty(t, got.OriginalMessageID)
}

// countingDiscriminator counts how often a source was asked to match.
type countingDiscriminator struct {
	Discriminator
	calls int
}

func (c *countingDiscriminator) Match(v View) bool {
	c.calls++
	return c.Discriminator.Match(v)
}

func TestBus_AdaptiveMatching(t *testing.T) {
	ctx := context.Background()
	first := &countingDiscriminator{Discriminator: HasFields("event")}
	second := &countingDiscriminator{Discriminator: HasFields("key")}

	b := New()
	b.AddSource(SourceFunc("legacy", first, func(raw []byte) (Message, error) {
		return Message{Key: "order.placed", Payload: json.RawMessage(`{}`)}, nil
	}))
	b.AddSource(SourceFunc("envelope", second, parseEnvelope))
	HandleFunc(b, "order.placed", func(ctx context.Context, msg orderPlaced) error { return nil })

	raw := envelope(t, "order.placed", orderPlaced{}, nil)
	require.NoError(t, b.Process(ctx, raw))
	assert.Equal(t, 1, first.calls)

	require.NoError(t, b.Process(ctx, raw))
	require.NoError(t, b.Process(ctx, raw))
	assert.Equal(t, 1, first.calls, "last matched source is tried first")
	assert.Equal(t, 3, second.calls)

	require.NoError(t, b.Process(ctx, []byte(`{"event": "x"}`)))
	assert.Equal(t, 2, first.calls)
}

// prefixInspector only understands payloads prefixed with "v2:".
type prefixInspector struct{}

func (prefixInspector) Inspect(raw []byte) (View, error) {
	if len(raw) < 3 || string(raw[:3]) != "v2:" {
		return nil, errors.New("not v2")
	}
	return JSONInspector().Inspect(raw[3:])
}

func TestBus_Groups(t *testing.T) {
	ctx := context.Background()
	var sources []string
	b := New(WithOnParse(func(ctx context.Context, source, key string) context.Context {
		sources = append(sources, source)
		return ctx
	}))
	b.AddSource(EnvelopeSource())
	b.AddGroup(prefixInspector{}, SourceFunc("v2", HasFields("key"), func(raw []byte) (Message, error) {
		return parseEnvelope(raw[3:])
	}))
	HandleFunc(b, "order.placed", func(ctx context.Context, msg orderPlaced) error { return nil })

	raw := envelope(t, "order.placed", orderPlaced{}, nil)
	require.NoError(t, b.Process(ctx, raw))
	require.NoError(t, b.Process(ctx, append([]byte("v2:"), raw...)))

	assert.Equal(t, []string{"envelope", "v2"}, sources)
}
