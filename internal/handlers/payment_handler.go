package handlers

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/services/gateway"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/services"
)

type PaymentHandler struct {
	app          *pocketbase.PocketBase
	orderService *services.OrderService
	registry     *gateway.Registry
}

func NewPaymentHandler(app *pocketbase.PocketBase, orderService *services.OrderService, registry *gateway.Registry) *PaymentHandler {
	return &PaymentHandler{
		app:          app,
		orderService: orderService,
		registry:     registry,
	}
}

// Callback - inbound payment notification from the gateway
func (h *PaymentHandler) Callback(e *core.RequestEvent) error {
	r := e.Request

	// keep a readable copy of the body for logging
	var b bytes.Buffer
	b.ReadFrom(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(b.Bytes()))
	slog.Info("=> payment callback", "body", b.String())

	payload, err := normalizeCallback(e)
	if err != nil {
		return apis.NewBadRequestError("Invalid callback payload", err)
	}

	provider, err := h.registry.Primary()
	if err != nil {
		return apis.NewInternalServerError("no payment provider configured", err)
	}

	event, err := provider.VerifyCallback(payload)
	if err != nil {
		if errors.Is(err, status.ErrIntegrityCheckFailed) {
			slog.Error("payment callback failed integrity check", "reference", payload.Reference)
			return apis.NewForbiddenError("Integrity check failed", nil)
		}
		return apis.NewBadRequestError("Invalid callback", err)
	}

	if err := h.orderService.HandleCallback(r.Context(), event); err != nil {
		switch {
		case errors.Is(err, status.ErrOrderNotFound):
			return apis.NewNotFoundError("Order not found", nil)

		case errors.Is(err, status.ErrInvalidTransition):
			return e.JSON(http.StatusConflict, map[string]any{
				"status":  "error",
				"message": "Order already settled with a different outcome",
			})

		default:
			slog.Error("h.orderService.HandleCallback()", "reference", event.Reference, "error", err)
			return apis.NewInternalServerError("internal error", err)
		}
	}

	return e.JSON(http.StatusOK, map[string]any{
		"code":    200,
		"status":  "OK",
		"message": "Payment notification processed.",
	})
}

// Reconcile - ask the provider for the authoritative state of one order
func (h *PaymentHandler) Reconcile(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	reference := e.Request.PathValue("reference")
	if reference == "" {
		return apis.NewBadRequestError("Order reference is required", nil)
	}

	if err := h.orderService.ReconcileOrder(e.Request.Context(), reference); err != nil {
		if errors.Is(err, status.ErrOrderNotFound) {
			return apis.NewNotFoundError("Order not found", nil)
		}
		slog.Error("h.orderService.ReconcileOrder()", "reference", reference, "error", err)
		return apis.NewInternalServerError("internal error", err)
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

// normalizeCallback accepts both a JSON body and the form-encoded notify
// format gateways typically post, and maps either onto one payload.
func normalizeCallback(e *core.RequestEvent) (*gateway.CallbackPayload, error) {
	contentType := e.Request.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") ||
		strings.HasPrefix(contentType, "multipart/form-data") {
		if err := e.Request.ParseForm(); err != nil {
			return nil, err
		}
		return callbackFromForm(e.Request.PostForm)
	}

	var payload gateway.CallbackPayload
	if err := e.BindBody(&payload); err != nil {
		return nil, err
	}
	if payload.Reference == "" {
		return nil, errors.New("missing order reference")
	}
	return &payload, nil
}

func callbackFromForm(form url.Values) (*gateway.CallbackPayload, error) {
	reference := form.Get("order_id")
	if reference == "" {
		return nil, errors.New("missing order_id")
	}

	amount, err := decimal.NewFromString(form.Get("amount"))
	if err != nil {
		return nil, errors.New("invalid amount")
	}

	return &gateway.CallbackPayload{
		Reference:   reference,
		ProviderRef: form.Get("payment_id"),
		Status:      form.Get("status"),
		Amount:      amount,
		Currency:    form.Get("currency"),
		Token:       form.Get("hash"),
	}, nil
}
