package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
	OrderPaid            OrderStatus = "paid"
	OrderFailed          OrderStatus = "failed"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
)

// transitions holds the permitted status moves. pending -> failed covers a
// gateway handle that could not be obtained; everything out of
// awaiting_payment is driven by gateway callbacks or the TTL sweep.
var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderAwaitingPayment, OrderFailed},
	OrderAwaitingPayment: {OrderPaid, OrderFailed, OrderCancelled, OrderExpired},
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderPaid, OrderFailed, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderItem snapshots the unit price at order time so later price edits on
// the ticket type never change what the buyer was charged.
type OrderItem struct {
	TicketTypeID  string          `json:"ticket_type_id"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	ReservationID string          `json:"reservation_id"`
}

type Order struct {
	ID               string          `json:"id"`
	Reference        string          `json:"order_reference"`
	EventID          string          `json:"event_id"`
	BuyerName        string          `json:"buyer_name"`
	BuyerEmail       string          `json:"buyer_email"`
	BuyerPhone       string          `json:"buyer_phone"`
	Items            []OrderItem     `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Fee              decimal.Decimal `json:"fee"`
	Total            decimal.Decimal `json:"total"`
	Status           OrderStatus     `json:"status"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	ConfirmationSent bool            `json:"confirmation_sent"`
	GatewayProvider  string          `json:"gateway_provider,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ComputeTotals derives subtotal and total from the line items plus a flat
// order fee.
func (o *Order) ComputeTotals(fee decimal.Decimal) {
	subtotal := decimal.Zero
	for _, item := range o.Items {
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	o.Subtotal = subtotal
	o.Fee = fee
	o.Total = subtotal.Add(fee)
}

func (o *Order) TicketCount() int {
	count := 0
	for _, item := range o.Items {
		count += item.Quantity
	}
	return count
}
