package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
)

// EventKind is the canonical set of gateway events the order pipeline
// consumes, whatever shape the concrete provider reports them in.
type EventKind string

const (
	EventInitiated EventKind = "initiated"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// HandleRequest describes the order a checkout handle is requested for.
type HandleRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	BuyerName   string
	BuyerEmail  string
	BuyerPhone  string
	Description string
}

// Handle is the opaque, integrity-protected payload the client is redirected
// with. The token is computed server-side and never derivable by the client.
type Handle struct {
	Provider    string          `json:"provider"`
	CheckoutURL string          `json:"checkout_url"`
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Token       string          `json:"token"`
	ReturnURL   string          `json:"return_url"`
	CancelURL   string          `json:"cancel_url"`
	NotifyURL   string          `json:"notify_url"`
}

// CallbackPayload is the normalized inbound callback, before verification.
type CallbackPayload struct {
	Reference   string          `json:"reference"`
	ProviderRef string          `json:"provider_ref"`
	Status      string          `json:"status"` // completed, failed, cancelled
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Token       string          `json:"token"`
}

// CallbackEvent is a verified callback. Only the provider constructs these.
type CallbackEvent struct {
	Kind        EventKind
	Reference   string
	ProviderRef string
	Amount      decimal.Decimal
	Currency    string
}

// Provider abstracts one payment redirect/callback integration.
type Provider interface {
	Name() string

	// CreateHandle builds the signed redirect handle for an order.
	CreateHandle(ctx context.Context, req *HandleRequest) (*Handle, error)

	// VerifyCallback recomputes the integrity token for an inbound callback
	// and rejects it with status.ErrIntegrityCheckFailed on mismatch.
	VerifyCallback(payload *CallbackPayload) (*CallbackEvent, error)

	// CheckTransaction queries the provider for the authoritative state of a
	// transaction, used to reconcile orders whose callback never arrived.
	CheckTransaction(ctx context.Context, reference string) (*status.Transaction, error)

	// SetTransactionChannel sets the channel asynchronous provider
	// notifications are delivered on.
	SetTransactionChannel(ch chan *status.Transaction)

	Close(ctx context.Context) error
}

// Registry manages the configured payment providers.
type Registry struct {
	providers map[string]Provider
	primary   string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. The first registered provider becomes primary.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
	if r.primary == "" {
		r.primary = p.Name()
	}
}

func (r *Registry) Get(name string) (Provider, error) {
	p, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("gateway: provider %s not registered", name)
	}
	return p, nil
}

func (r *Registry) Primary() (Provider, error) {
	if r.primary == "" {
		return nil, fmt.Errorf("gateway: no provider configured")
	}
	return r.Get(r.primary)
}

func (r *Registry) SetPrimary(name string) error {
	if _, exists := r.providers[name]; !exists {
		return fmt.Errorf("gateway: provider %s not registered", name)
	}
	r.primary = name
	return nil
}

// Close gracefully closes all provider connections.
func (r *Registry) Close(ctx context.Context) error {
	for name, p := range r.providers {
		if err := p.Close(ctx); err != nil {
			slog.Error("Failed to close payment provider", "provider", name, "error", err)
		}
	}
	return nil
}
