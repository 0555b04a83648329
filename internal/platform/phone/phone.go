// Package phone validates and normalises Thai phone numbers.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const region = "TH"

var ErrInvalid = errors.New("not a valid Thai phone number")

// NormalizeTH parses raw (national "081-234-5678" or international
// "+66 81 234 5678" form) and returns the national digits, e.g. "0812345678".
func NormalizeTH(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalid
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", ErrInvalid
	}
	if !phonenumbers.IsValidNumberForRegion(num, region) {
		return "", ErrInvalid
	}
	return "0" + phonenumbers.GetNationalSignificantNumber(num), nil
}

// E164 returns the +66 form used by SMS gateways.
func E164(national string) (string, error) {
	num, err := phonenumbers.Parse(national, region)
	if err != nil {
		return "", ErrInvalid
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Digits strips everything except digits; used for partial phone search.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
