package redirectpay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/services/gateway"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/utils"
)

func newTestProvider() *RedirectPay {
	return &RedirectPay{
		merchantID:  "M100200",
		checkoutURL: "https://pay.example.com/checkout",

		integritySecret: "test-integrity-secret",

		returnURL: "https://shop.example.com/return",
		cancelURL: "https://shop.example.com/cancel",
		notifyURL: "https://shop.example.com/api/payments/callback",

		breaker: utils.NewCircuitBreaker("redirectpay-test"),
	}
}

func TestCreateHandle(t *testing.T) {
	p := newTestProvider()

	handle, err := p.CreateHandle(context.Background(), &gateway.HandleRequest{
		Reference:   "TKT-1A2B3C-4D5E",
		Amount:      decimal.NewFromInt(3150),
		Currency:    "lkr",
		BuyerName:   "Nimal Perera",
		BuyerEmail:  "nimal@example.com",
		BuyerPhone:  "+94771234567",
		Description: "General Admission x3",
	})
	require.NoError(t, err)

	assert.Equal(t, "redirectpay", handle.Provider)
	assert.Equal(t, "TKT-1A2B3C-4D5E", handle.Reference)
	assert.Equal(t, "LKR", handle.Currency)
	assert.NotEmpty(t, handle.Token)

	u, err := url.Parse(handle.CheckoutURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "M100200", q.Get("merchant_id"))
	assert.Equal(t, "TKT-1A2B3C-4D5E", q.Get("order_id"))
	assert.Equal(t, "3150.00", q.Get("amount"))
	assert.Equal(t, "LKR", q.Get("currency"))
	assert.Equal(t, handle.Token, q.Get("hash"))
	assert.Equal(t, "https://shop.example.com/api/payments/callback", q.Get("notify_url"))
}

func TestCreateHandleTokenIsDeterministic(t *testing.T) {
	p := newTestProvider()
	req := &gateway.HandleRequest{
		Reference: "TKT-ABCDEF-0001",
		Amount:    decimal.NewFromInt(1000),
		Currency:  "LKR",
	}

	first, err := p.CreateHandle(context.Background(), req)
	require.NoError(t, err)
	second, err := p.CreateHandle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
}

func TestVerifyCallback(t *testing.T) {
	p := newTestProvider()

	reference := "TKT-1A2B3C-4D5E"
	amount := decimal.NewFromInt(3150)
	token := gateway.SignOrder(p.integritySecret, reference, amount, "LKR")

	event, err := p.VerifyCallback(&gateway.CallbackPayload{
		Reference:   reference,
		ProviderRef: "PRV-9001",
		Status:      "completed",
		Amount:      amount,
		Currency:    "LKR",
		Token:       token,
	})
	require.NoError(t, err)

	assert.Equal(t, gateway.EventCompleted, event.Kind)
	assert.Equal(t, reference, event.Reference)
	assert.Equal(t, "PRV-9001", event.ProviderRef)
}

func TestVerifyCallbackStatusMapping(t *testing.T) {
	p := newTestProvider()
	reference := "TKT-1A2B3C-4D5E"
	amount := decimal.NewFromInt(500)
	token := gateway.SignOrder(p.integritySecret, reference, amount, "LKR")

	cases := map[string]gateway.EventKind{
		"completed": gateway.EventCompleted,
		"success":   gateway.EventCompleted,
		"2":         gateway.EventCompleted,
		"cancelled": gateway.EventCancelled,
		"-1":        gateway.EventCancelled,
		"failed":    gateway.EventFailed,
		"-2":        gateway.EventFailed,
	}
	for raw, want := range cases {
		event, err := p.VerifyCallback(&gateway.CallbackPayload{
			Reference: reference,
			Status:    raw,
			Amount:    amount,
			Currency:  "LKR",
			Token:     token,
		})
		require.NoError(t, err, "status %q", raw)
		assert.Equal(t, want, event.Kind, "status %q", raw)
	}
}

func TestVerifyCallbackTamperedAmount(t *testing.T) {
	p := newTestProvider()

	reference := "TKT-1A2B3C-4D5E"
	token := gateway.SignOrder(p.integritySecret, reference, decimal.NewFromInt(3150), "LKR")

	// callback claims a lower amount than was signed
	_, err := p.VerifyCallback(&gateway.CallbackPayload{
		Reference: reference,
		Status:    "completed",
		Amount:    decimal.NewFromInt(1),
		Currency:  "LKR",
		Token:     token,
	})
	assert.ErrorIs(t, err, status.ErrIntegrityCheckFailed)
}

func TestVerifyCallbackForgedToken(t *testing.T) {
	p := newTestProvider()

	_, err := p.VerifyCallback(&gateway.CallbackPayload{
		Reference: "TKT-1A2B3C-4D5E",
		Status:    "completed",
		Amount:    decimal.NewFromInt(3150),
		Currency:  "LKR",
		Token:     "deadbeef",
	})
	assert.ErrorIs(t, err, status.ErrIntegrityCheckFailed)
}

func TestVerifyCallbackUnknownStatus(t *testing.T) {
	p := newTestProvider()
	reference := "TKT-1A2B3C-4D5E"
	amount := decimal.NewFromInt(3150)
	token := gateway.SignOrder(p.integritySecret, reference, amount, "LKR")

	_, err := p.VerifyCallback(&gateway.CallbackPayload{
		Reference: reference,
		Status:    "definitely-not-a-status",
		Amount:    amount,
		Currency:  "LKR",
		Token:     token,
	})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, status.ErrIntegrityCheckFailed)
}

func TestCheckTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/checkout/status", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("SignedHash"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "OK",
			"message": "success",
			"data": {
				"orderReference": "TKT-1A2B3C-4D5E",
				"transactionId": "PRV-9001",
				"state": "completed",
				"txnAmount": 3150,
				"currency": "LKR",
				"payerName": "Nimal Perera",
				"txnDateTime": "2025-06-10 12:34:56"
			}
		}`))
	}))
	defer srv.Close()

	client := newClient(context.Background(), &ClientConfig{
		BaseURL:   srv.URL,
		ClientID:  "client-1",
		ClientKey: "client-key",
	})

	tran, err := client.checkTransaction(context.Background(), "TKT-1A2B3C-4D5E")
	require.NoError(t, err)

	assert.Equal(t, "TKT-1A2B3C-4D5E", tran.Reference)
	assert.Equal(t, "PRV-9001", tran.ProviderRef)
	assert.Equal(t, status.TxCompleted, tran.State)
	assert.True(t, decimal.NewFromInt(3150).Equal(tran.Amount))
	assert.Equal(t, "Nimal Perera", tran.Payer)
	assert.Equal(t, 2025, tran.CreatedAt.Year())
}

func TestCheckTransactionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "NOT_FOUND", "message": "no such order"}`))
	}))
	defer srv.Close()

	client := newClient(context.Background(), &ClientConfig{
		BaseURL:   srv.URL,
		ClientID:  "client-1",
		ClientKey: "client-key",
	})

	tran, err := client.checkTransaction(context.Background(), "TKT-MISSING-0000")
	require.NoError(t, err)
	assert.Equal(t, status.TxPending, tran.State)
}

func TestCheckTransactionUnauthorizedTogglesRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newClient(context.Background(), &ClientConfig{
		BaseURL:   srv.URL,
		ClientID:  "client-1",
		ClientKey: "client-key",
	})

	_, err := client.checkTransaction(context.Background(), "TKT-1A2B3C-4D5E")
	require.Error(t, err)

	select {
	case <-client.toggleTokenRefresher:
	case <-time.After(time.Second):
		t.Fatal("expected token refresher to be toggled on 401")
	}
}

func TestConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/partner/authenticate", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "OK",
			"message": "success",
			"data": {"accessToken": "abc123", "tokenType": "Bearer"}
		}`))
	}))
	defer srv.Close()

	client := newClient(context.Background(), &ClientConfig{
		BaseURL:   srv.URL,
		ClientID:  "client-1",
		ClientKey: "client-key",
	})

	token, err := client.connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc123", token)
}
