package main

import (
	"context"
	"errors"

	"github.com/bjaus/sagabus"
	"github.com/bjaus/sagabus/saga"
)

// Routing keys of the order workflow.
const (
	KeyOrderPlaced      = "order.placed"
	KeyPaymentReceived  = "payment.received"
	KeyOrderShipped     = "order.shipped"
	KeyOrderCancelled   = "order.cancelled"
	KeyBillingRequested = "billing.requested"
)

type OrderPlaced struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Total      int64  `json:"total"`
}

func (e OrderPlaced) Validate() error {
	if e.OrderID == "" {
		return errors.New("order_id is required")
	}
	if e.Total <= 0 {
		return errors.New("total must be positive")
	}
	return nil
}

type PaymentReceived struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

type OrderShipped struct {
	OrderID string `json:"order_id"`
	Carrier string `json:"carrier"`
}

type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// BillingRequested is sent when an order starts.
type BillingRequested struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
}

// OrderData is the state of one order workflow.
type OrderData struct {
	saga.Entity
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Total      int64  `json:"total"`
	Paid       int64  `json:"paid"`
	Status     string `json:"status"`
}

const (
	statusPlaced = "placed"
	statusPaid   = "paid"
)

type sender interface {
	Publish(ctx context.Context, msg any, opts ...sagabus.SendOption) error
}

// orderSaga declares the workflow. New orders request billing through s.
func orderSaga(s sender) saga.Type {
	orderID := saga.Property("OrderID",
		func(d *OrderData) string { return d.OrderID },
		func(d *OrderData, v string) { d.OrderID = v },
	)

	return saga.Define[OrderData]("Order",
		func() []saga.Capability {
			return []saga.Capability{
				saga.StartedBy(func(ctx context.Context, d *OrderData, e OrderPlaced) error {
					d.CustomerID = e.CustomerID
					d.Total = e.Total
					d.Status = statusPlaced
					return s.Publish(ctx, BillingRequested{
						OrderID:    e.OrderID,
						CustomerID: e.CustomerID,
						Amount:     e.Total,
					}, sagabus.WithHeader("saga_id", d.ID.String()))
				}),
				saga.HandledBy(func(ctx context.Context, d *OrderData, e PaymentReceived) error {
					d.Paid += e.Amount
					if d.Paid >= d.Total {
						d.Status = statusPaid
					}
					return nil
				}),
				saga.HandledBy(func(ctx context.Context, d *OrderData, e OrderShipped) error {
					if d.Status != statusPaid {
						return errors.New("order shipped before payment")
					}
					d.MarkAsComplete()
					return nil
				}),
				saga.HandledBy(func(ctx context.Context, d *OrderData, e OrderCancelled) error {
					d.MarkAsComplete()
					return nil
				}),
			}
		},
		func(m *saga.Mapper[OrderData]) {
			saga.MapMessage(m, func(e OrderPlaced) string { return e.OrderID }).ToSaga(orderID)
			saga.MapMessage(m, func(e PaymentReceived) string { return e.OrderID }).ToSaga(orderID)
			saga.MapMessage(m, func(e OrderShipped) string { return e.OrderID }).ToSaga(orderID)
			saga.MapMessage(m, func(e OrderCancelled) string { return e.OrderID }).ToSaga(orderID)
		},
	)
}

func registerOrderMessages(b *sagabus.Bus) {
	sagabus.RegisterMessage[OrderPlaced](b, KeyOrderPlaced)
	sagabus.RegisterMessage[PaymentReceived](b, KeyPaymentReceived)
	sagabus.RegisterMessage[OrderShipped](b, KeyOrderShipped)
	sagabus.RegisterMessage[OrderCancelled](b, KeyOrderCancelled)
	sagabus.RegisterMessage[BillingRequested](b, KeyBillingRequested)
}
