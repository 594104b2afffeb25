package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketType struct {
	ID             string          `json:"id"`
	EventID        string          `json:"event_id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	TotalQuantity  int             `json:"total_quantity"`
	MaxPerPurchase int             `json:"max_per_purchase"`
	Status         string          `json:"status"` // active, paused, closed
}

const (
	TicketTypeActive = "active"
	TicketTypePaused = "paused"
	TicketTypeClosed = "closed"
)

// Reservation is a time-bounded claim of quantity against one ticket type,
// tied to a single order. The ledger owns its lifecycle.
type Reservation struct {
	ID           string    `json:"id"`
	TicketTypeID string    `json:"ticket_type_id"`
	OrderRef     string    `json:"order_ref"`
	Quantity     int       `json:"quantity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// InventorySnapshot is a point-in-time read of the ledger counters.
type InventorySnapshot struct {
	TicketTypeID string `json:"ticket_type_id"`
	Total        int    `json:"total"`
	Reserved     int    `json:"reserved"`
	Sold         int    `json:"sold"`
	Status       string `json:"status"`
}

func (s InventorySnapshot) Available() int {
	return s.Total - s.Reserved - s.Sold
}
