package redirectpay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	pubnub "github.com/pubnub/go/v7"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/services/gateway"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/monitoring"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/utils"
)

const providerName = "redirectpay"

type (
	Config struct {
		BaseURL     string `json:"baseUrl" mapstructure:"base_url"`
		CheckoutURL string `json:"checkoutUrl" mapstructure:"checkout_url"`

		MerchantID string `json:"merchantId" mapstructure:"merchant_id"`
		ClientID   string `json:"clientId" mapstructure:"client_id"`
		ClientKey  string `json:"clientKey" mapstructure:"client_key"`

		// IntegritySecret signs the handle and callback tokens. It never
		// leaves the server.
		IntegritySecret string `json:"integritySecret" mapstructure:"integrity_secret"`

		ReturnURL string `json:"returnUrl" mapstructure:"return_url"`
		CancelURL string `json:"cancelUrl" mapstructure:"cancel_url"`
		NotifyURL string `json:"notifyUrl" mapstructure:"notify_url"`

		PNSubKey    string `json:"pn_subkey" mapstructure:"pn_subkey"`
		PNSubSecret string `json:"pn_subsecret" mapstructure:"pn_subsecret"`
		PNUUID      string `json:"pn_uuid" mapstructure:"pn_uuid"`
		PNChannel   string `json:"pn_channel" mapstructure:"pn_channel"`

		// Breaker guards CheckTransaction against a degraded provider.
		// Zero values keep the breaker defaults.
		BreakerTimeout      time.Duration `json:"breakerTimeout" mapstructure:"breaker_timeout"`
		BreakerMaxRequests  uint32        `json:"breakerMaxRequests" mapstructure:"breaker_max_requests"`
		BreakerFailureRatio float64       `json:"breakerFailureRatio" mapstructure:"breaker_failure_ratio"`
	}

	RedirectPay struct {
		merchantID  string
		checkoutURL string

		integritySecret string

		returnURL string
		cancelURL string
		notifyURL string

		pnSubKey    string
		pnSubSecret string
		pnUUID      string
		pnChannels  []string

		sub *subscribe

		client  *Client
		breaker *utils.CircuitBreaker

		cancel context.CancelFunc
	}
)

// New returns a connected RedirectPay provider: authenticated against the
// provider backend, with the token refresher and the PubNub payment
// notification subscription running.
func New(ctx context.Context, cfg *Config) (*RedirectPay, error) {
	ctx, cancel := context.WithCancel(ctx)

	client := newClient(ctx, &ClientConfig{
		BaseURL:   cfg.BaseURL,
		ClientID:  cfg.ClientID,
		ClientKey: cfg.ClientKey,
	})

	// Connect to the provider backend. Get access token.
	token, err := client.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	client.setAccessToken(token)

	// Notify access token expired.
	go client.notifyAccessTokenExpired(ctx)

	r := &RedirectPay{
		merchantID:  cfg.MerchantID,
		checkoutURL: cfg.CheckoutURL,

		integritySecret: cfg.IntegritySecret,

		returnURL: cfg.ReturnURL,
		cancelURL: cfg.CancelURL,
		notifyURL: cfg.NotifyURL,

		pnSubKey:    cfg.PNSubKey,
		pnSubSecret: cfg.PNSubSecret,
		pnUUID:      cfg.PNUUID,
		pnChannels:  []string{cfg.PNChannel},

		client: client,
		breaker: utils.NewCircuitBreakerWithSettings(providerName, utils.BreakerSettings{
			MaxRequests:  cfg.BreakerMaxRequests,
			Timeout:      cfg.BreakerTimeout,
			FailureRatio: cfg.BreakerFailureRatio,
			OnStateChange: func(name string, _, to utils.State) {
				monitoring.TrackCircuitState(name, to.String())
			},
		}),

		cancel: cancel,
	}

	// Set the provider's PubNub config.
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(r.pnUUID))
	pnCfg.SubscribeKey = r.pnSubKey
	pnCfg.SecretKey = r.pnSubSecret

	// newSubscription subscribes to the provider's PubNub channel.
	newSub, err := r.newSubscription(ctx, pnCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to payment notification channel: %v", err)
	}

	newSub.pn.AddListener(newSub.lis)
	newSub.pn.Subscribe().Channels(r.pnChannels).Execute()
	r.sub = newSub

	return r, nil
}

func (r *RedirectPay) Name() string { return providerName }

// CreateHandle builds the checkout redirect for an order. The token is an
// HMAC over the order's reference, amount and currency, so a client cannot
// alter any of them without the callback verification failing.
func (r *RedirectPay) CreateHandle(_ context.Context, req *gateway.HandleRequest) (*gateway.Handle, error) {
	token := gateway.SignOrder(r.integritySecret, req.Reference, req.Amount, req.Currency)

	checkout, err := url.Parse(r.checkoutURL)
	if err != nil {
		return nil, fmt.Errorf("redirectpay: parse checkout url: %v", err)
	}

	q := checkout.Query()
	q.Set("merchant_id", r.merchantID)
	q.Set("order_id", req.Reference)
	q.Set("amount", req.Amount.StringFixed(2))
	q.Set("currency", strings.ToUpper(req.Currency))
	q.Set("items", req.Description)
	q.Set("first_name", req.BuyerName)
	q.Set("email", req.BuyerEmail)
	q.Set("phone", req.BuyerPhone)
	q.Set("return_url", r.returnURL)
	q.Set("cancel_url", r.cancelURL)
	q.Set("notify_url", r.notifyURL)
	q.Set("hash", token)
	checkout.RawQuery = q.Encode()

	return &gateway.Handle{
		Provider:    providerName,
		CheckoutURL: checkout.String(),
		Reference:   req.Reference,
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Token:       token,
		ReturnURL:   r.returnURL,
		CancelURL:   r.cancelURL,
		NotifyURL:   r.notifyURL,
	}, nil
}

// VerifyCallback authenticates an inbound callback against the order's
// integrity token before it is allowed to touch order state.
func (r *RedirectPay) VerifyCallback(p *gateway.CallbackPayload) (*gateway.CallbackEvent, error) {
	if !gateway.VerifyOrder(r.integritySecret, p.Reference, p.Amount, p.Currency, p.Token) {
		return nil, status.ErrIntegrityCheckFailed
	}

	var kind gateway.EventKind
	switch strings.ToLower(p.Status) {
	case "completed", "success", "2":
		kind = gateway.EventCompleted
	case "cancelled", "canceled", "-1":
		kind = gateway.EventCancelled
	case "failed", "chargedback", "-2", "-3":
		kind = gateway.EventFailed
	default:
		return nil, fmt.Errorf("redirectpay: unknown callback status %q", p.Status)
	}

	return &gateway.CallbackEvent{
		Kind:        kind,
		Reference:   p.Reference,
		ProviderRef: p.ProviderRef,
		Amount:      p.Amount,
		Currency:    strings.ToUpper(p.Currency),
	}, nil
}

// CheckTransaction asks the provider backend for the authoritative state of
// an order's transaction, behind a circuit breaker so a degraded provider
// cannot stall reconciliation.
func (r *RedirectPay) CheckTransaction(ctx context.Context, reference string) (*status.Transaction, error) {
	reply, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return r.client.checkTransaction(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	return reply.(*status.Transaction), nil
}

func (r *RedirectPay) SetTransactionChannel(ch chan *status.Transaction) {
	r.sub.ch = ch
}

func (r *RedirectPay) Close(_ context.Context) error {
	r.sub.pn.Unsubscribe().Channels(r.pnChannels).Execute()
	r.cancel()
	return nil
}

type subscribe struct {
	pn  *pubnub.PubNub
	lis *pubnub.Listener
	ch  chan *status.Transaction
}

func (r *RedirectPay) newSubscription(ctx context.Context, pnCfg *pubnub.Config) (*subscribe, error) {
	sub := &subscribe{
		pn:  pubnub.NewPubNub(pnCfg),
		lis: pubnub.NewListener(),
	}

	go sub.processSubscription(ctx)

	return sub, nil
}

func (s *subscribe) processSubscription(ctx context.Context) error {
	listener := s.lis
	for {
		select {
		case st := <-listener.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				log.Println("connected to pubnub")

			case pubnub.PNReconnectedCategory:
				log.Println("reconnected to pubnub")

			case pubnub.PNDisconnectedCategory:
				log.Println("disconnected from pubnub")

			case pubnub.PNAccessDeniedCategory:
				log.Println("access denied connecting to pubnub")

			case pubnub.PNTimeoutCategory:
				log.Println("timeout connecting to pubnub")

			default:
				log.Printf("pubnub status category: %v", st.Category)
			}

		case message := <-listener.Message:
			log.Println("message received pubnub: ", message.Message)

			raw, ok := message.Message.(string)
			if !ok {
				log.Println("pubnub message is not a string payload")
				continue
			}

			var p txPayload
			dec := json.NewDecoder(strings.NewReader(raw))
			if err := dec.Decode(&p); err != nil {
				log.Println(err)
				continue
			}

			tran, err := p.ToDomain()
			if err != nil {
				log.Println(err)
				continue
			}

			if s.ch == nil {
				log.Println("no transaction channel set, dropping notification")
				continue
			}
			s.ch <- tran

		case <-ctx.Done():
			log.Println("close subscribe")
			return nil
		}
	}
}
