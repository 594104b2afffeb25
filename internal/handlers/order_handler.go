package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/services"
)

type OrderHandler struct {
	app          *pocketbase.PocketBase
	orderService *services.OrderService
}

func NewOrderHandler(app *pocketbase.PocketBase, orderService *services.OrderService) *OrderHandler {
	return &OrderHandler{
		app:          app,
		orderService: orderService,
	}
}

// CreateOrder - reserve tickets and return the payment handle
func (h *OrderHandler) CreateOrder(e *core.RequestEvent) error {
	var req services.CreateOrderRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	if req.BuyerEmail == "" {
		return apis.NewBadRequestError("Buyer email is required", nil)
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return apis.NewBadRequestError("Quantity must be positive", nil)
		}
	}

	ctx := e.Request.Context()
	result, err := h.orderService.CreateOrder(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, status.ErrInsufficientInventory):
			return e.JSON(http.StatusConflict, map[string]any{
				"status":  "error",
				"message": "Not enough tickets available",
			})

		case errors.Is(err, status.ErrQuantityExceedsLimit):
			return apis.NewBadRequestError("Requested quantity exceeds the per-purchase limit", nil)

		case errors.Is(err, status.ErrTicketTypeUnavailable):
			return e.JSON(http.StatusConflict, map[string]any{
				"status":  "error",
				"message": "Ticket type is not on sale",
			})

		case errors.Is(err, status.ErrTicketTypeUnknown):
			return apis.NewNotFoundError("Ticket type not found", nil)

		default:
			slog.Error("h.orderService.CreateOrder()", "error", err)
			return apis.NewInternalServerError("internal error", err)
		}
	}

	return e.JSON(http.StatusCreated, map[string]any{
		"status": "success",
		"order":  result.Order,
		"handle": result.Handle,
	})
}

// GetOrder - fetch one order by reference
func (h *OrderHandler) GetOrder(e *core.RequestEvent) error {
	reference := e.Request.PathValue("reference")
	if reference == "" {
		return apis.NewBadRequestError("Order reference is required", nil)
	}

	order, err := h.orderService.GetOrder(e.Request.Context(), reference)
	if err != nil {
		return apis.NewNotFoundError("Order not found", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"status": "success",
		"order":  order,
	})
}

// CancelOrder - buyer abandons an unsettled order
func (h *OrderHandler) CancelOrder(e *core.RequestEvent) error {
	reference := e.Request.PathValue("reference")
	if reference == "" {
		return apis.NewBadRequestError("Order reference is required", nil)
	}

	err := h.orderService.CancelOrder(e.Request.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, status.ErrOrderNotFound):
			return apis.NewNotFoundError("Order not found", nil)

		case errors.Is(err, status.ErrInvalidTransition):
			return e.JSON(http.StatusConflict, map[string]any{
				"status":  "error",
				"message": "Order can no longer be cancelled",
			})

		default:
			slog.Error("h.orderService.CancelOrder()", "reference", reference, "error", err)
			return apis.NewInternalServerError("internal error", err)
		}
	}

	return e.JSON(http.StatusOK, map[string]any{"status": "success", "message": "Order cancelled"})
}
