package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Hmac256 is a function to generate HMAC256 hash.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

// SignOrder computes the integrity token for an order from its reference,
// amount and currency. The secret stays server-side; the client only ever
// sees the finished token.
func SignOrder(secret, reference string, amount decimal.Decimal, currency string) string {
	msg := fmt.Sprintf("%s|%s|%s", reference, amount.StringFixed(2), strings.ToUpper(currency))
	return Hmac256([]byte(msg), []byte(secret))
}

// VerifyOrder recomputes the token and compares in constant time.
func VerifyOrder(secret, reference string, amount decimal.Decimal, currency, token string) bool {
	expected := SignOrder(secret, reference, amount, currency)
	return hmac.Equal([]byte(token), []byte(expected))
}
