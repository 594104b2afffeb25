package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/services/gateway"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/models"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/monitoring"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/utils"
)

// OrderStore is the persistence surface the order pipeline needs.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	FindByReference(ctx context.Context, reference string) (*models.Order, error)
	MarkAwaitingPayment(ctx context.Context, reference, provider string) error
	MarkTerminal(ctx context.Context, reference string, from, to models.OrderStatus, paymentRef string) error
	FindTicketType(ctx context.Context, id string) (*models.TicketType, error)
	ListAwaitingPayment(ctx context.Context, minAge time.Duration, limit int) ([]*models.Order, error)
}

// InventoryLedger is the reservation surface of the Redis ledger.
type InventoryLedger interface {
	Reserve(ctx context.Context, ticketTypeID string, quantity int, orderRef string, ttl time.Duration) (string, error)
	Finalize(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
	ReleaseExpired(ctx context.Context) ([]ExpiredReservation, error)
}

// ConfirmationDispatcher delivers the ticket confirmation for a paid order.
type ConfirmationDispatcher interface {
	Dispatch(ctx context.Context, order *models.Order)
}

type OrderServiceConfig struct {
	OrderRefPrefix string
	OrderFee       decimal.Decimal
	Currency       string
	ReservationTTL time.Duration
	SweepInterval  time.Duration

	// ReconcileMinAge is how long an order may sit in awaiting_payment
	// before the reconcile loop asks the provider what happened to it.
	ReconcileMinAge   time.Duration
	ReconcileInterval time.Duration
}

// OrderService drives an order across its whole lifecycle: reserve
// inventory, obtain a gateway handle, settle on callbacks and expire stale
// reservations.
type OrderService struct {
	store    OrderStore
	ledger   InventoryLedger
	provider gateway.Provider
	notifier ConfirmationDispatcher
	cfg      OrderServiceConfig

	newRef func() string
	now    func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewOrderService(store OrderStore, ledger InventoryLedger, provider gateway.Provider, notifier ConfirmationDispatcher, cfg OrderServiceConfig) *OrderService {
	return &OrderService{
		store:    store,
		ledger:   ledger,
		provider: provider,
		notifier: notifier,
		cfg:      cfg,

		newRef: func() string { return newOrderRef(cfg.OrderRefPrefix) },
		now:    time.Now,

		stopChan: make(chan struct{}),
	}
}

// newOrderRef falls back to a uuid reference when the system entropy source
// fails, so order creation keeps working.
func newOrderRef(prefix string) string {
	ref, err := utils.NewOrderReference(prefix)
	if err == nil {
		return ref
	}
	slog.Error("order: reference generation fell back to uuid", "error", err)

	if prefix == "" {
		prefix = "TKT"
	}
	return strings.ToUpper(prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// OrderLine is one requested ticket type and quantity.
type OrderLine struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
}

// CreateOrderRequest is the validated purchase intent.
type CreateOrderRequest struct {
	EventID    string      `json:"event_id"`
	BuyerName  string      `json:"buyer_name"`
	BuyerEmail string      `json:"buyer_email"`
	BuyerPhone string      `json:"buyer_phone"`
	Lines      []OrderLine `json:"lines"`
}

// CreateOrderResult pairs the stored order with its checkout handle.
type CreateOrderResult struct {
	Order  *models.Order   `json:"order"`
	Handle *gateway.Handle `json:"handle"`
}

// CreateOrder reserves inventory for every line, persists the order and
// obtains the payment handle. Any failure after a partial reserve releases
// everything already held, so a failed order never strands inventory.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResult, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("order: %w: no lines", status.ErrQuantityExceedsLimit)
	}

	order := &models.Order{
		Reference:  s.newRef(),
		EventID:    req.EventID,
		BuyerName:  req.BuyerName,
		BuyerEmail: req.BuyerEmail,
		BuyerPhone: req.BuyerPhone,
		Status:     models.OrderPending,
		CreatedAt:  s.now(),
	}

	// Reserve each line. Lines settle or fail atomically per ticket type;
	// on failure everything already reserved is rolled back.
	reserved := make([]string, 0, len(req.Lines))
	rollback := func() {
		for _, id := range reserved {
			if err := s.ledger.Release(context.WithoutCancel(ctx), id); err != nil {
				slog.Error("order: rollback release failed", "reservation_id", id, "error", err)
			}
		}
	}

	for _, line := range req.Lines {
		tt, err := s.store.FindTicketType(ctx, line.TicketTypeID)
		if err != nil {
			rollback()
			return nil, err
		}

		reservationID, err := s.ledger.Reserve(ctx, tt.ID, line.Quantity, order.Reference, s.cfg.ReservationTTL)
		if err != nil {
			rollback()
			return nil, err
		}
		reserved = append(reserved, reservationID)

		order.Items = append(order.Items, models.OrderItem{
			TicketTypeID:  tt.ID,
			Quantity:      line.Quantity,
			UnitPrice:     tt.Price,
			ReservationID: reservationID,
		})
	}

	order.ComputeTotals(s.cfg.OrderFee)

	if err := s.store.CreateOrder(ctx, order); err != nil {
		rollback()
		return nil, err
	}

	handle, err := s.provider.CreateHandle(ctx, &gateway.HandleRequest{
		Reference:   order.Reference,
		Amount:      order.Total,
		Currency:    s.cfg.Currency,
		BuyerName:   order.BuyerName,
		BuyerEmail:  order.BuyerEmail,
		BuyerPhone:  order.BuyerPhone,
		Description: fmt.Sprintf("%d tickets", order.TicketCount()),
	})
	if err != nil {
		rollback()
		if terr := s.store.MarkTerminal(ctx, order.Reference, models.OrderPending, models.OrderFailed, ""); terr != nil {
			slog.Error("order: mark failed after handle error", "reference", order.Reference, "error", terr)
		}
		monitoring.TrackOrderTransition(string(models.OrderFailed))
		return nil, fmt.Errorf("order: create payment handle: %w", err)
	}

	if err := s.store.MarkAwaitingPayment(ctx, order.Reference, handle.Provider); err != nil {
		rollback()
		return nil, err
	}
	order.Status = models.OrderAwaitingPayment
	order.GatewayProvider = handle.Provider
	monitoring.TrackOrderTransition(string(models.OrderAwaitingPayment))

	return &CreateOrderResult{Order: order, Handle: handle}, nil
}

// GetOrder returns one order by reference.
func (s *OrderService) GetOrder(ctx context.Context, reference string) (*models.Order, error) {
	return s.store.FindByReference(ctx, reference)
}

// HandleCallback settles an order from a verified gateway event. A repeated
// event for an order already in the matching terminal state is acknowledged
// without effect; a conflicting event is rejected.
func (s *OrderService) HandleCallback(ctx context.Context, event *gateway.CallbackEvent) error {
	order, err := s.store.FindByReference(ctx, event.Reference)
	if err != nil {
		monitoring.TrackCallback("unknown_order")
		return err
	}

	var to models.OrderStatus
	switch event.Kind {
	case gateway.EventCompleted:
		to = models.OrderPaid
	case gateway.EventCancelled:
		to = models.OrderCancelled
	case gateway.EventFailed:
		to = models.OrderFailed
	default:
		monitoring.TrackCallback("unknown_kind")
		return fmt.Errorf("order: unhandled callback kind %q", event.Kind)
	}

	// Redelivered outcomes on settled orders are acknowledged without
	// effect: a repeated paid callback on a paid order, or any
	// failure/cancel notice once the order is terminal. Only a paid claim
	// conflicting with a non-paid settlement is rejected.
	if order.Status.Terminal() {
		if order.Status == to || to != models.OrderPaid {
			slog.Info("order: duplicate callback ignored", "reference", order.Reference, "status", order.Status, "event", to)
			monitoring.TrackCallback("duplicate")
			return nil
		}
		monitoring.TrackCallback("rejected")
		return status.ErrInvalidTransition
	}

	if err := s.store.MarkTerminal(ctx, order.Reference, models.OrderAwaitingPayment, to, event.ProviderRef); err != nil {
		monitoring.TrackCallback("rejected")
		return err
	}
	order.Status = to
	if event.ProviderRef != "" {
		order.PaymentReference = event.ProviderRef
	}
	monitoring.TrackOrderTransition(string(to))
	monitoring.TrackCallback(string(event.Kind))

	switch to {
	case models.OrderPaid:
		for _, item := range order.Items {
			if err := s.ledger.Finalize(ctx, item.ReservationID); err != nil {
				slog.Error("order: finalize reservation", "reference", order.Reference, "reservation_id", item.ReservationID, "error", err)
			}
		}
		s.notifier.Dispatch(ctx, order)

	default:
		for _, item := range order.Items {
			if err := s.ledger.Release(ctx, item.ReservationID); err != nil {
				slog.Error("order: release reservation", "reference", order.Reference, "reservation_id", item.ReservationID, "error", err)
			}
		}
	}

	return nil
}

// HandleTransaction adapts an asynchronous provider notification into a
// callback event. These arrive pre-authenticated over the provider's
// subscription channel, so no integrity token is re-checked here.
func (s *OrderService) HandleTransaction(ctx context.Context, tran *status.Transaction) error {
	var kind gateway.EventKind
	switch tran.State {
	case status.TxCompleted:
		kind = gateway.EventCompleted
	case status.TxCancelled:
		kind = gateway.EventCancelled
	case status.TxFailed:
		kind = gateway.EventFailed
	default:
		return nil // still pending, nothing to settle
	}

	return s.HandleCallback(ctx, &gateway.CallbackEvent{
		Kind:        kind,
		Reference:   tran.Reference,
		ProviderRef: tran.ProviderRef,
		Amount:      tran.Amount,
		Currency:    tran.Currency,
	})
}

// CancelOrder lets the buyer abandon an order that has not settled yet.
func (s *OrderService) CancelOrder(ctx context.Context, reference string) error {
	order, err := s.store.FindByReference(ctx, reference)
	if err != nil {
		return err
	}

	if order.Status == models.OrderCancelled {
		return nil
	}

	if err := s.store.MarkTerminal(ctx, reference, models.OrderAwaitingPayment, models.OrderCancelled, ""); err != nil {
		return err
	}
	monitoring.TrackOrderTransition(string(models.OrderCancelled))

	for _, item := range order.Items {
		if err := s.ledger.Release(ctx, item.ReservationID); err != nil {
			slog.Error("order: cancel release reservation", "reference", reference, "reservation_id", item.ReservationID, "error", err)
		}
	}
	return nil
}

// ReconcileOrder asks the payment provider for the authoritative state of
// one order whose callback may have been lost, and settles accordingly.
func (s *OrderService) ReconcileOrder(ctx context.Context, reference string) error {
	order, err := s.store.FindByReference(ctx, reference)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return nil
	}

	tran, err := s.provider.CheckTransaction(ctx, reference)
	if err != nil {
		return fmt.Errorf("order: reconcile %s: %w", reference, err)
	}

	return s.HandleTransaction(ctx, tran)
}

// StartExpirySweep runs the reservation TTL sweep until Shutdown. Expired
// reservations are released in the ledger and their orders marked expired.
func (s *OrderService) StartExpirySweep(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweepExpired(ctx)

			case <-s.stopChan:
				return

			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("order: expiry sweep started, interval %v", s.cfg.SweepInterval)
}

func (s *OrderService) sweepExpired(ctx context.Context) {
	expired, err := s.ledger.ReleaseExpired(ctx)
	if err != nil {
		slog.Error("order: sweep release expired", "error", err)
		return
	}

	// An order may carry several reservations; one expiry marks the whole
	// order expired and the remaining lines are released with it.
	seen := make(map[string]bool)
	for _, exp := range expired {
		if seen[exp.OrderRef] {
			continue
		}
		seen[exp.OrderRef] = true

		err := s.store.MarkTerminal(ctx, exp.OrderRef, models.OrderAwaitingPayment, models.OrderExpired, "")
		switch {
		case err == nil:
			monitoring.TrackOrderTransition(string(models.OrderExpired))
			slog.Info("order: expired", "reference", exp.OrderRef)
			s.releaseRemaining(ctx, exp.OrderRef)

		case errors.Is(err, status.ErrInvalidTransition):
			// Not awaiting payment. A crash between persisting the order and
			// advancing it leaves it pending forever; its reservation
			// expiring settles it as failed. Otherwise the order settled
			// between the script run and this update: the ledger release
			// stays valid for failed/cancelled orders, and a paid order
			// already finalized its reservations, so the release above was a
			// settled no-op.
			perr := s.store.MarkTerminal(ctx, exp.OrderRef, models.OrderPending, models.OrderFailed, "")
			switch {
			case perr == nil:
				monitoring.TrackOrderTransition(string(models.OrderFailed))
				slog.Info("order: stranded pending order failed", "reference", exp.OrderRef)
				s.releaseRemaining(ctx, exp.OrderRef)

			case errors.Is(perr, status.ErrInvalidTransition):
				slog.Info("order: expiry raced settlement", "reference", exp.OrderRef)

			default:
				slog.Error("order: mark stranded order failed", "reference", exp.OrderRef, "error", perr)
			}

		default:
			slog.Error("order: mark expired", "reference", exp.OrderRef, "error", err)
		}
	}
}

func (s *OrderService) releaseRemaining(ctx context.Context, reference string) {
	order, err := s.store.FindByReference(ctx, reference)
	if err != nil {
		slog.Error("order: load expired order", "reference", reference, "error", err)
		return
	}
	for _, item := range order.Items {
		if err := s.ledger.Release(ctx, item.ReservationID); err != nil {
			slog.Error("order: release remaining", "reference", reference, "reservation_id", item.ReservationID, "error", err)
		}
	}
}

// StartReconcileLoop periodically reconciles orders stuck in
// awaiting_payment against the provider.
func (s *OrderService) StartReconcileLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stale, err := s.store.ListAwaitingPayment(ctx, s.cfg.ReconcileMinAge, 50)
				if err != nil {
					slog.Error("order: list stale orders", "error", err)
					continue
				}
				for _, order := range stale {
					if err := s.ReconcileOrder(ctx, order.Reference); err != nil {
						slog.Error("order: reconcile", "reference", order.Reference, "error", err)
					}
				}

			case <-s.stopChan:
				return

			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("order: reconcile loop started, interval %v", s.cfg.ReconcileInterval)
}

// Shutdown stops the background loops and waits for them to drain.
func (s *OrderService) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
