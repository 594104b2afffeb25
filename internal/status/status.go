package status

import "errors"

var (
	// Reservation-time failures, surfaced synchronously to the buyer.
	ErrInsufficientInventory = errors.New("inventory: insufficient inventory")
	ErrQuantityExceedsLimit  = errors.New("inventory: quantity exceeds per-purchase limit")
	ErrTicketTypeUnavailable = errors.New("inventory: ticket type not open for sale")
	ErrTicketTypeUnknown     = errors.New("inventory: unknown ticket type")

	// Duplicate finalize/release resolve to a no-op. This is only returned
	// when a caller asks about a reservation that never existed at all.
	ErrReservationNotFound = errors.New("inventory: reservation not found")

	ErrIntegrityCheckFailed = errors.New("gateway: integrity check failed")
	ErrInvalidTransition    = errors.New("order: invalid status transition")
	ErrOrderNotFound        = errors.New("order: order not found")
)
