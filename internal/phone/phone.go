// Package phone normalizes raw Brazilian phone input into canonical
// digit-only identifiers suitable for WhatsApp delivery.
package phone

import "strings"

const countryPrefix = "55"

// Digit count bounds for country prefix + area code + local number.
const (
	minDigits = 12
	maxDigits = 13
)

// Normalize turns arbitrary phone input into a canonical identifier.
// It strips non-digits, drops a single leading zero, prepends the
// country prefix when missing, and rejects inputs whose digit count
// falls outside [12,13]. Pure and idempotent.
func Normalize(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	digits := b.String()
	if digits == "" {
		return "", false
	}

	if digits[0] == '0' {
		digits = digits[1:]
	}
	if !strings.HasPrefix(digits, countryPrefix) {
		digits = countryPrefix + digits
	}

	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", false
	}
	return digits, true
}
