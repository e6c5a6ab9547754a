package channel

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrBadPhone = errors.New("channel: phone number is not dialable")

// E164 normalizes phone numbers. Numbers already starting with "+" are kept
// (digits only); bare national numbers get DefaultCountry prepended.
type E164 struct {
	// DefaultCountry is the calling code without "+", e.g. "91".
	DefaultCountry string
	// NationalDigits is the national number length, e.g. 10.
	NationalDigits int
}

func (p E164) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrBadPhone)
	}
	plus := strings.HasPrefix(s, "+")
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)

	if plus {
		// E.164 allows at most 15 digits.
		if len(digits) < 8 || len(digits) > 15 {
			return "", fmt.Errorf("%w: %q", ErrBadPhone, raw)
		}
		return "+" + digits, nil
	}

	cc := strings.TrimPrefix(strings.TrimSpace(p.DefaultCountry), "+")
	n := p.NationalDigits
	if n <= 0 {
		n = 10
	}
	switch {
	case len(digits) == n && cc != "":
		return "+" + cc + digits, nil
	case cc != "" && len(digits) == len(cc)+n && strings.HasPrefix(digits, cc):
		return "+" + digits, nil
	case strings.HasPrefix(digits, "00") && len(digits) > 10:
		return "+" + digits[2:], nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadPhone, raw)
}
