package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/models"
)

// Store persists orders and ticket types in the app database. Status
// transitions go through conditional UPDATEs so concurrent writers cannot
// double-apply a transition.
type Store struct {
	app core.App
}

func New(app core.App) *Store {
	return &Store{app: app}
}

// CreateOrder inserts a new order record in pending state.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	collection, err := s.app.FindCollectionByNameOrId("orders")
	if err != nil {
		return fmt.Errorf("store: find orders collection: %v", err)
	}

	record := core.NewRecord(collection)
	record.Set("reference", order.Reference)
	record.Set("event_id", order.EventID)
	record.Set("buyer_name", order.BuyerName)
	record.Set("buyer_email", order.BuyerEmail)
	record.Set("buyer_phone", order.BuyerPhone)
	record.Set("items", order.Items)
	record.Set("subtotal", order.Subtotal.InexactFloat64())
	record.Set("fee", order.Fee.InexactFloat64())
	record.Set("total", order.Total.InexactFloat64())
	record.Set("status", string(order.Status))
	record.Set("payment_reference", order.PaymentReference)
	record.Set("gateway_provider", order.GatewayProvider)
	record.Set("confirmation_sent", order.ConfirmationSent)

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("store: save order %s: %v", order.Reference, err)
	}
	return nil
}

// FindByReference loads one order by its merchant reference.
func (s *Store) FindByReference(_ context.Context, reference string) (*models.Order, error) {
	record, err := s.app.FindFirstRecordByFilter(
		"orders",
		"reference = {:reference}",
		dbx.Params{"reference": reference},
	)
	if err != nil {
		return nil, status.ErrOrderNotFound
	}
	return recordToOrder(record)
}

// MarkAwaitingPayment moves a pending order to awaiting_payment, recording
// which provider issued the handle. Returns ErrInvalidTransition when the
// order is no longer pending.
func (s *Store) MarkAwaitingPayment(ctx context.Context, reference, provider string) error {
	return s.casStatus(ctx, reference, models.OrderPending, models.OrderAwaitingPayment, dbx.Params{
		"gateway_provider": provider,
	})
}

// MarkTerminal applies one terminal transition (paid, failed, cancelled,
// expired) from an expected current status. At most one caller wins.
// paymentRef is the external transaction id, recorded when the gateway
// reported one.
func (s *Store) MarkTerminal(ctx context.Context, reference string, from, to models.OrderStatus, paymentRef string) error {
	if !from.CanTransition(to) {
		return status.ErrInvalidTransition
	}
	var extra dbx.Params
	if paymentRef != "" {
		extra = dbx.Params{"payment_reference": paymentRef}
	}
	return s.casStatus(ctx, reference, from, to, extra)
}

// MarkConfirmationSent flips confirmation_sent on a paid order, once.
func (s *Store) MarkConfirmationSent(_ context.Context, reference string) error {
	res, err := s.app.DB().Update(
		"orders",
		dbx.Params{
			"confirmation_sent": true,
			"updated":           time.Now().UTC().Format(types.DefaultDateLayout),
		},
		dbx.And(
			dbx.HashExp{"reference": reference},
			dbx.HashExp{"status": string(models.OrderPaid)},
			dbx.HashExp{"confirmation_sent": false},
		),
	).Execute()
	if err != nil {
		return fmt.Errorf("store: mark confirmation sent %s: %v", reference, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return status.ErrInvalidTransition
	}
	return nil
}

// ListUnsentConfirmations returns paid orders whose confirmation email has
// not gone out and that are older than minAge, oldest first.
func (s *Store) ListUnsentConfirmations(_ context.Context, minAge time.Duration, limit int) ([]*models.Order, error) {
	cutoff := time.Now().Add(-minAge).UTC().Format(types.DefaultDateLayout)

	records, err := s.app.FindRecordsByFilter(
		"orders",
		"status = {:status} && confirmation_sent = false && created <= {:cutoff}",
		"created",
		limit,
		0,
		dbx.Params{"status": string(models.OrderPaid), "cutoff": cutoff},
	)
	if err != nil {
		return nil, fmt.Errorf("store: list unsent confirmations: %v", err)
	}

	orders := make([]*models.Order, 0, len(records))
	for _, record := range records {
		order, err := recordToOrder(record)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// ListAwaitingPayment returns orders stuck in awaiting_payment older than
// minAge, for reconciliation against the payment provider.
func (s *Store) ListAwaitingPayment(_ context.Context, minAge time.Duration, limit int) ([]*models.Order, error) {
	cutoff := time.Now().Add(-minAge).UTC().Format(types.DefaultDateLayout)

	records, err := s.app.FindRecordsByFilter(
		"orders",
		"status = {:status} && created <= {:cutoff}",
		"created",
		limit,
		0,
		dbx.Params{"status": string(models.OrderAwaitingPayment), "cutoff": cutoff},
	)
	if err != nil {
		return nil, fmt.Errorf("store: list awaiting payment: %v", err)
	}

	orders := make([]*models.Order, 0, len(records))
	for _, record := range records {
		order, err := recordToOrder(record)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// FindTicketType loads one ticket type by id.
func (s *Store) FindTicketType(_ context.Context, id string) (*models.TicketType, error) {
	record, err := s.app.FindRecordById("ticket_types", id)
	if err != nil {
		return nil, status.ErrTicketTypeUnknown
	}

	return &models.TicketType{
		ID:             record.Id,
		EventID:        record.GetString("event_id"),
		Name:           record.GetString("name"),
		Price:          decimal.NewFromFloat(record.GetFloat("price")),
		TotalQuantity:  record.GetInt("total_quantity"),
		MaxPerPurchase: record.GetInt("max_per_purchase"),
		Status:         record.GetString("status"),
	}, nil
}

// ListTicketTypes returns every ticket type of one event.
func (s *Store) ListTicketTypes(_ context.Context, eventID string) ([]*models.TicketType, error) {
	records, err := s.app.FindRecordsByFilter(
		"ticket_types",
		"event_id = {:eventId}",
		"name",
		0,
		0,
		dbx.Params{"eventId": eventID},
	)
	if err != nil {
		return nil, fmt.Errorf("store: list ticket types for event %s: %v", eventID, err)
	}

	tts := make([]*models.TicketType, 0, len(records))
	for _, record := range records {
		tts = append(tts, &models.TicketType{
			ID:             record.Id,
			EventID:        record.GetString("event_id"),
			Name:           record.GetString("name"),
			Price:          decimal.NewFromFloat(record.GetFloat("price")),
			TotalQuantity:  record.GetInt("total_quantity"),
			MaxPerPurchase: record.GetInt("max_per_purchase"),
			Status:         record.GetString("status"),
		})
	}
	return tts, nil
}

func (s *Store) casStatus(_ context.Context, reference string, from, to models.OrderStatus, extra dbx.Params) error {
	params := dbx.Params{
		"status":  string(to),
		"updated": time.Now().UTC().Format(types.DefaultDateLayout),
	}
	for k, v := range extra {
		params[k] = v
	}

	res, err := s.app.DB().Update(
		"orders",
		params,
		dbx.And(
			dbx.HashExp{"reference": reference},
			dbx.HashExp{"status": string(from)},
		),
	).Execute()
	if err != nil {
		return fmt.Errorf("store: transition %s %s->%s: %v", reference, from, to, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return status.ErrInvalidTransition
	}
	return nil
}

func recordToOrder(record *core.Record) (*models.Order, error) {
	var items []models.OrderItem
	if err := record.UnmarshalJSONField("items", &items); err != nil {
		return nil, fmt.Errorf("store: decode order items %s: %v", record.Id, err)
	}

	return &models.Order{
		ID:               record.Id,
		Reference:        record.GetString("reference"),
		EventID:          record.GetString("event_id"),
		BuyerName:        record.GetString("buyer_name"),
		BuyerEmail:       record.GetString("buyer_email"),
		BuyerPhone:       record.GetString("buyer_phone"),
		Items:            items,
		Subtotal:         decimal.NewFromFloat(record.GetFloat("subtotal")),
		Fee:              decimal.NewFromFloat(record.GetFloat("fee")),
		Total:            decimal.NewFromFloat(record.GetFloat("total")),
		Status:           models.OrderStatus(record.GetString("status")),
		PaymentReference: record.GetString("payment_reference"),
		GatewayProvider:  record.GetString("gateway_provider"),
		ConfirmationSent: record.GetBool("confirmation_sent"),
		CreatedAt:        record.GetDateTime("created").Time(),
	}, nil
}
