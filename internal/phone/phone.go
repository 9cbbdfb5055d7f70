// Package phone canonicalizes Kenyan subscriber numbers into the
// 254XXXXXXXXX form the Daraja API requires.
package phone

import (
	"errors"
	"strings"
)

// ErrInvalidPhoneNumber means the input cannot be shaped into a valid
// Safaricom mobile number. Callers must reject before contacting the gateway.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// Normalize strips separators and country-code variants and returns the
// canonical 12-digit 254XXXXXXXXX form.
//
//	0712345678   -> 254712345678
//	+254712345678 -> 254712345678
//	712345678    -> 254712345678
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case strings.HasPrefix(digits, "254"):
		// already canonical; a +254 prefix also lands here after stripping
	case len(digits) == 9:
		digits = "254" + digits
	}

	// 254 + 7XXXXXXXX: exactly 12 digits and a mobile prefix
	if len(digits) != 12 || !strings.HasPrefix(digits, "2547") {
		return "", ErrInvalidPhoneNumber
	}
	return digits, nil
}
