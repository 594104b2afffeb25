package status

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the provider-agnostic view of a payment transaction,
// shared between the gateway layer and its concrete providers.
type Transaction struct {
	Reference   string          `json:"reference"`    // merchant order reference
	ProviderRef string          `json:"provider_ref"` // provider-side transaction id
	State       string          `json:"state"`        // pending, completed, failed, cancelled
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Payer       string          `json:"payer,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
	TxCancelled = "cancelled"
)
