package services

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/tools/mailer"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/models"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/monitoring"
)

// ConfirmationStore is the subset of order persistence the dispatcher needs.
type ConfirmationStore interface {
	MarkConfirmationSent(ctx context.Context, reference string) error
	ListUnsentConfirmations(ctx context.Context, minAge time.Duration, limit int) ([]*models.Order, error)
}

type NotificationConfig struct {
	SenderName    string
	SenderAddress string

	// QRServiceURL renders the entry code embedded in the confirmation
	// email: order reference, buyer, event and ticket count.
	QRServiceURL string

	MaxAttempts  int
	RetryBackoff time.Duration

	// RetryInterval / RetryMinAge drive the catch-up loop for paid orders
	// whose confirmation never went out.
	RetryInterval time.Duration
	RetryMinAge   time.Duration
}

// NotificationService sends ticket confirmations for paid orders. Delivery
// is at-least-once: the confirmation_sent flag is flipped only after a
// successful send, and a retry loop picks up anything that slipped through.
type NotificationService struct {
	store  ConfirmationStore
	mail   mailer.Mailer
	cfg    NotificationConfig
	sender mail.Address

	// inFlight keeps the retry loop from re-dispatching an order whose
	// first delivery is still in its backoff window.
	mu       sync.Mutex
	inFlight map[string]bool

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewNotificationService(store ConfirmationStore, mailClient mailer.Mailer, cfg NotificationConfig) *NotificationService {
	return &NotificationService{
		store: store,
		mail:  mailClient,
		cfg:   cfg,
		sender: mail.Address{
			Name:    cfg.SenderName,
			Address: cfg.SenderAddress,
		},
		inFlight: make(map[string]bool),
		stopChan: make(chan struct{}),
	}
}

func (s *NotificationService) begin(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[reference] {
		return false
	}
	s.inFlight[reference] = true
	return true
}

func (s *NotificationService) end(reference string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, reference)
}

// Dispatch queues the confirmation for a paid order and returns immediately.
// The send is retried with backoff; exhaustion is logged for the operator
// and left to the retry loop.
func (s *NotificationService) Dispatch(ctx context.Context, order *models.Order) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(context.WithoutCancel(ctx), order)
	}()
}

func (s *NotificationService) deliver(ctx context.Context, order *models.Order) {
	if !s.begin(order.Reference) {
		slog.Info("notification: delivery already in flight", "reference", order.Reference)
		return
	}
	defer s.end(order.Reference)

	backOff := s.cfg.RetryBackoff

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.send(order)
		if err == nil {
			if merr := s.store.MarkConfirmationSent(ctx, order.Reference); merr != nil {
				// Another worker already confirmed it; the buyer may get a
				// duplicate email, which delivery semantics allow.
				slog.Info("notification: confirmation already marked", "reference", order.Reference, "error", merr)
			}
			monitoring.TrackNotification("sent")
			slog.Info("notification: confirmation sent", "reference", order.Reference, "attempt", attempt)
			return
		}

		slog.Error("notification: send failed", "reference", order.Reference, "attempt", attempt, "error", err)
		monitoring.TrackNotification("retry")

		select {
		case <-time.After(backOff):
			backOff *= 2

		case <-s.stopChan:
			return

		case <-ctx.Done():
			return
		}
	}

	// Operator alert: the retry loop will pick the order up again later.
	log.Printf("ALERT notification: confirmation for order %s undelivered after %d attempts", order.Reference, s.cfg.MaxAttempts)
	monitoring.TrackNotification("exhausted")
}

func (s *NotificationService) send(order *models.Order) error {
	if order.BuyerEmail == "" {
		return fmt.Errorf("notification: order %s has no buyer email", order.Reference)
	}

	message := &mailer.Message{
		From:    s.sender,
		To:      []mail.Address{{Name: order.BuyerName, Address: order.BuyerEmail}},
		Subject: fmt.Sprintf("Your tickets - order %s", order.Reference),
		HTML:    s.renderConfirmation(order),
	}
	return s.mail.Send(message)
}

func (s *NotificationService) renderConfirmation(order *models.Order) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<h2>Thank you for your purchase, %s!</h2>", order.BuyerName)
	fmt.Fprintf(&b, "<p>Order reference: <strong>%s</strong></p>", order.Reference)

	b.WriteString("<table><tr><th>Tickets</th><th>Qty</th><th>Unit price</th></tr>")
	for _, item := range order.Items {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td><td>%s</td></tr>",
			item.TicketTypeID, item.Quantity, item.UnitPrice.StringFixed(2))
	}
	b.WriteString("</table>")

	fmt.Fprintf(&b, "<p>Subtotal: %s<br>Fee: %s<br><strong>Total: %s</strong></p>",
		order.Subtotal.StringFixed(2), order.Fee.StringFixed(2), order.Total.StringFixed(2))

	if s.cfg.QRServiceURL != "" {
		fmt.Fprintf(&b, `<p>Present this code at the venue:<br><img src="%s" alt="entry code"></p>`, s.qrURL(order))
	}

	return b.String()
}

// qrPayload is what the venue scanner reads back: the order reference, who
// bought it, which event it is for and how many tickets it admits.
func qrPayload(order *models.Order) string {
	var tickets int
	for _, item := range order.Items {
		tickets += item.Quantity
	}
	return fmt.Sprintf("%s|%s|%s|%d", order.Reference, order.BuyerName, order.EventID, tickets)
}

func (s *NotificationService) qrURL(order *models.Order) string {
	return fmt.Sprintf("%s?size=220x220&data=%s", s.cfg.QRServiceURL, url.QueryEscape(qrPayload(order)))
}

// StartRetryLoop periodically re-dispatches confirmations for paid orders
// that never got one, until Shutdown.
func (s *NotificationService) StartRetryLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.RetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.retryUnsent(ctx)

			case <-s.stopChan:
				return

			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("notification: retry loop started, interval %v", s.cfg.RetryInterval)
}

func (s *NotificationService) retryUnsent(ctx context.Context) {
	orders, err := s.store.ListUnsentConfirmations(ctx, s.cfg.RetryMinAge, 50)
	if err != nil {
		slog.Error("notification: list unsent confirmations", "error", err)
		return
	}

	for _, order := range orders {
		s.deliver(ctx, order)
	}
}

// Shutdown stops the retry loop and waits for in-flight sends.
func (s *NotificationService) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
