package redirectpay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/services/gateway"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
)

type ClientConfig struct {
	BaseURL   string `json:"baseUrl"`
	ClientID  string `json:"clientId"`
	ClientKey string `json:"clientKey"`
}

type Client struct {
	// baseURL is the base url of the provider backend.
	baseURL string

	// clientID identifies this merchant integration.
	clientID string

	// clientKey signs every outbound request body.
	clientKey string

	// access token used to authenticate with the provider backend.
	accessToken string

	// mu is used to lock access token.
	mu sync.Mutex

	// toggleTokenRefresher is used to notify token refresher to refresh token.
	toggleTokenRefresher chan struct{}

	// hc is the http client.
	hc *http.Client
}

func newClient(_ context.Context, c *ClientConfig) *Client {
	return &Client{
		baseURL:   c.BaseURL,
		clientID:  c.ClientID,
		clientKey: c.ClientKey,

		// make a buffered channel to avoid blocking.
		toggleTokenRefresher: make(chan struct{}, 1),

		// set http client with timeout.
		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// notifyAccessTokenExpired runs until ctx is cancelled, renewing the access
// token on a fixed period or whenever a request hits a 401, with an
// exponential backOff strategy on reconnect failures.
func (c *Client) notifyAccessTokenExpired(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return

		case <-ticker.C:

		case <-c.toggleTokenRefresher:
			log.Println("notifyAccessTokenExpired: toggleTokenRefresher => token refreshed")
		}

		backOff := time.Second

	Retry:
		for {
			token, err := c.connect(ctx)
			switch err {
			case nil:
				c.setAccessToken(token)

				break Retry

			default:
				log.Printf("notifyAccessTokenExpired: %v", err)
				select {
				case <-ctx.Done():
					return

				case <-time.After(backOff):
					backOff *= 2
				}
			}
		}
	}
}

func (c *Client) setAccessToken(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
}

func (c *Client) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// connect makes http call to perform authentication with the provider.
func (c *Client) connect(ctx context.Context) (string, error) {
	number, err := randomNumber()
	if err != nil {
		return "", fmt.Errorf("connect: randomNumber: %v", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"clientId":%q,"clientSecret":%q}`, number, c.clientID, c.clientKey)
	bodyReader := bytes.NewReader([]byte(body))

	_baseURL, _ := url.Parse(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s%s", _baseURL.String(), "/api/v1/partner/authenticate"), bodyReader)
	if err != nil {
		return "", fmt.Errorf("connect: http.NewReq: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", gateway.Hmac256([]byte(body), []byte(c.clientKey)))

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect: http.Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", errors.New("connect: resp.StatusCode: 401 => Unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("connect: resp.StatusCode: %d", resp.StatusCode)
	}

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AccessToken string `json:"accessToken"`
			TokenType   string `json:"tokenType"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return "", fmt.Errorf("connect: json.Decode: %v", err)
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("connect: reply.Status: %v, reply.Message: %v", reply.Status, reply.Message)
	}

	accessToken := fmt.Sprintf("%s %s", reply.Data.TokenType, reply.Data.AccessToken)
	return accessToken, nil
}

type txPayload struct {
	Reference     string          `json:"orderReference"`
	TransactionID string          `json:"transactionId"`
	State         string          `json:"state"`
	Amount        decimal.Decimal `json:"txnAmount"`
	Currency      string          `json:"currency"`
	Payer         string          `json:"payerName"`
	CreatedAt     string          `json:"txnDateTime"`
}

func (p *txPayload) ToDomain() (*status.Transaction, error) {
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", p.CreatedAt, time.Local)
	if err != nil {
		ts = time.Time{}
	}

	return &status.Transaction{
		Reference:   p.Reference,
		ProviderRef: p.TransactionID,
		State:       p.State,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Payer:       p.Payer,
		CreatedAt:   ts,
	}, nil
}

// checkTransaction queries the provider for the authoritative transaction
// state of one order reference.
func (c *Client) checkTransaction(ctx context.Context, reference string) (*status.Transaction, error) {
	number, err := randomNumber()
	if err != nil {
		return nil, fmt.Errorf("checkTransaction: randomNumber: %v", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"orderReference":%q}`, number, reference)
	bodyReader := bytes.NewReader([]byte(body))

	_baseURL, _ := url.Parse(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s%s", _baseURL.String(), "/api/v1/checkout/status"), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("checkTransaction: http.NewReq: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", gateway.Hmac256([]byte(body), []byte(c.clientKey)))
	req.Header.Set("Authorization", c.getAccessToken())

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkTransaction: http.Do: %v", err)
	}
	defer resp.Body.Close()

	// toggle token refresher if unauthorized
	if resp.StatusCode == http.StatusUnauthorized {
		c.toggleTokenRefresher <- struct{}{}
		return nil, errors.New("checkTransaction: resp.StatusCode: 401 => Unauthorized")
	}

	var reply struct {
		Message string `json:"message"`
		Status  string `json:"status"`
		Data    struct {
			txPayload
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("checkTransaction: json.Decode: %v", err)
	}
	if reply.Status != "OK" {
		if reply.Status == "NOT_FOUND" {
			return &status.Transaction{Reference: reference, State: status.TxPending}, nil
		}
		return nil, fmt.Errorf("checkTransaction: reply.Status: %v, reply.Message: %v", reply.Status, reply.Message)
	}

	return reply.Data.txPayload.ToDomain()
}

func randomNumber() (string, error) {
	min := big.NewInt(100000000000000000)
	max := big.NewInt(999999999999999999)
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(max, min))
	if err != nil {
		return "", err
	}

	n.Add(n, min)
	return n.String(), nil
}
