// Package phone canonicalizes subscriber numbers into the single wire format
// used for storage, comparison and SMS delivery: country code followed by the
// national significant number, digits only (e.g. 255712345678).
//
// One rule set is applied everywhere a phone is accepted (client
// registration, waybill creation, user accounts):
//
//  1. strip every non-digit character
//  2. 9 digits: prepend the country code
//  3. national length + 1 digits starting with the trunk prefix: replace the
//     prefix with the country code
//  4. already country code + 9 digits: accept as-is
//
// Anything else is rejected with ErrInvalidPhoneFormat.
package phone

import (
	"errors"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// ErrInvalidPhoneFormat is returned for inputs that cannot be canonicalized.
var ErrInvalidPhoneFormat = errors.New("invalid phone format")

// Normalizer holds the numbering-plan parameters for one country.
type Normalizer struct {
	// CountryCode is the calling code without '+', e.g. "255".
	CountryCode string
	// TrunkPrefix is the national dialing prefix, e.g. "0".
	TrunkPrefix string
	// NationalLen is the length of the national significant number.
	NationalLen int
	// Region is the ISO 3166 region used for display formatting, e.g. "TZ".
	Region string
}

// Default is the Tanzanian numbering plan.
var Default = Normalizer{CountryCode: "255", TrunkPrefix: "0", NationalLen: 9, Region: "TZ"}

// Normalize canonicalizes raw with the Default plan.
func Normalize(raw string) (string, error) { return Default.Normalize(raw) }

// Format renders a canonical number for display with the Default plan.
func Format(canonical string) string { return Default.Format(canonical) }

// Normalize returns the canonical form of raw or ErrInvalidPhoneFormat.
// It never panics, whatever the input.
func (n Normalizer) Normalize(raw string) (string, error) {
	digits := digitsOnly(raw)
	if digits == "" || n.NationalLen <= 0 || n.CountryCode == "" {
		return "", ErrInvalidPhoneFormat
	}

	var out string
	switch {
	case len(digits) == n.NationalLen:
		out = n.CountryCode + digits
	case n.TrunkPrefix != "" &&
		len(digits) == n.NationalLen+len(n.TrunkPrefix) &&
		strings.HasPrefix(digits, n.TrunkPrefix):
		out = n.CountryCode + digits[len(n.TrunkPrefix):]
	case len(digits) == len(n.CountryCode)+n.NationalLen && strings.HasPrefix(digits, n.CountryCode):
		out = digits
	default:
		return "", ErrInvalidPhoneFormat
	}

	if !n.IsCanonical(out) {
		return "", ErrInvalidPhoneFormat
	}
	return out, nil
}

// IsCanonical reports whether s is exactly country code + national digits.
func (n Normalizer) IsCanonical(s string) bool {
	if len(s) != len(n.CountryCode)+n.NationalLen || !strings.HasPrefix(s, n.CountryCode) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Format renders canonical in international notation (+255 712 345 678).
// Numbers libphonenumber cannot parse are returned as "+" + canonical.
func (n Normalizer) Format(canonical string) string {
	if canonical == "" {
		return ""
	}
	num, err := libphonenumber.Parse("+"+canonical, n.Region)
	if err != nil {
		return "+" + canonical
	}
	return libphonenumber.Format(num, libphonenumber.INTERNATIONAL)
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
