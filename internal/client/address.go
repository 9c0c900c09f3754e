package client

import (
	"fmt"
	"strings"
)

// NormalizeAddress keeps the digits of a phone-number-like address. A bare
// 10-digit number is assumed to be North American and gets the 1 prefix.
func NormalizeAddress(address string) string {
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return digits
}

// ChatID returns the gateway chat id for address.
func ChatID(address string) (string, error) {
	digits := NormalizeAddress(address)
	if digits == "" {
		return "", fmt.Errorf("address %q has no digits", address)
	}
	return digits + "@c.us", nil
}
