package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

func GenerateCode(n int) (string, error) {
	// Make a slice of nBytes random bytes.
	byt := make([]byte, n)

	// Read into the slice.
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	// Return the hexadecimal string.
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// NewOrderReference builds a human-readable unique order reference like
// TKT-9F2C1A-D41B.
func NewOrderReference(prefix string) (string, error) {
	head, err := GenerateCode(3)
	if err != nil {
		return "", err
	}
	tail, err := GenerateCode(2)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		prefix = "TKT"
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(prefix), head, tail), nil
}
