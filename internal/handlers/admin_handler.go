package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/store"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/services"
)

type AdminHandler struct {
	app    *pocketbase.PocketBase
	store  *store.Store
	ledger *services.LedgerService
}

func NewAdminHandler(app *pocketbase.PocketBase, st *store.Store, ledger *services.LedgerService) *AdminHandler {
	return &AdminHandler{
		app:    app,
		store:  st,
		ledger: ledger,
	}
}

// GetInventory - live ledger counters for every ticket type of an event
func (h *AdminHandler) GetInventory(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	eventID := e.Request.PathValue("eventId")
	if eventID == "" {
		return apis.NewBadRequestError("Event ID is required", nil)
	}

	ctx := e.Request.Context()
	tts, err := h.store.ListTicketTypes(ctx, eventID)
	if err != nil {
		slog.Error("h.store.ListTicketTypes()", "event_id", eventID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	type inventoryRow struct {
		TicketTypeID string `json:"ticket_type_id"`
		Name         string `json:"name"`
		Status       string `json:"status"`
		Total        int    `json:"total"`
		Reserved     int    `json:"reserved"`
		Sold         int    `json:"sold"`
		Available    int    `json:"available"`
	}

	rows := make([]inventoryRow, 0, len(tts))
	for _, tt := range tts {
		snapshot, err := h.ledger.Snapshot(ctx, tt.ID)
		if err != nil {
			if errors.Is(err, status.ErrTicketTypeUnknown) {
				// not yet synced to the ledger
				rows = append(rows, inventoryRow{
					TicketTypeID: tt.ID,
					Name:         tt.Name,
					Status:       tt.Status,
					Total:        tt.TotalQuantity,
					Available:    tt.TotalQuantity,
				})
				continue
			}
			slog.Error("h.ledger.Snapshot()", "ticket_type_id", tt.ID, "error", err)
			return apis.NewInternalServerError("internal error", err)
		}

		rows = append(rows, inventoryRow{
			TicketTypeID: tt.ID,
			Name:         tt.Name,
			Status:       snapshot.Status,
			Total:        snapshot.Total,
			Reserved:     snapshot.Reserved,
			Sold:         snapshot.Sold,
			Available:    snapshot.Available(),
		})
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event_id":  eventID,
		"inventory": rows,
	})
}

// SyncInventory - push a ticket type's configuration into the ledger
func (h *AdminHandler) SyncInventory(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ticketTypeID := e.Request.PathValue("ticketTypeId")
	if ticketTypeID == "" {
		return apis.NewBadRequestError("Ticket type ID is required", nil)
	}

	ctx := e.Request.Context()
	tt, err := h.store.FindTicketType(ctx, ticketTypeID)
	if err != nil {
		return apis.NewNotFoundError("Ticket type not found", nil)
	}

	if err := h.ledger.SyncTicketType(ctx, tt); err != nil {
		slog.Error("h.ledger.SyncTicketType()", "ticket_type_id", ticketTypeID, "error", err)
		return apis.NewInternalServerError("internal error", err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Ticket type synced to inventory ledger",
	})
}
