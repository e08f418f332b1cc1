// Package num holds the decimal conventions shared by every component that
// touches money: canonical string formatting and fixed-scale division.
// All monetary values use shopspring/decimal — never float64 for money.
package num

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DivScale is the fractional precision for every division in the system.
// Division only happens in three places (return percentage, flip fee
// pro-rating and the weighted average entry price); everything else is
// exact add/sub/mul.
const DivScale = 18

var (
	ErrParse          = errors.New("num: parse error")
	ErrDivisionByZero = errors.New("num: division by zero")
)

var two = decimal.New(2, 0)

// Parse converts a decimal string into a Decimal. Input may carry an
// exponent or surrounding whitespace; Canonical re-normalizes on the way out.
func Parse(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: empty input", ErrParse)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrParse, s)
	}
	return d, nil
}

// MustParse is Parse for literals known to be valid (tests, constants).
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Canonical renders d in the system-wide canonical form: plain notation,
// no exponent, trailing fractional zeros trimmed, and -0 normalized to 0.
// Canonical is lossless for any value the engine produces.
func Canonical(d decimal.Decimal) string {
	if d.IsZero() {
		return "0"
	}
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

// Div returns a/b truncated to `scale` fractional digits with half-even
// (banker's) rounding on the discarded remainder.
func Div(a, b decimal.Decimal, scale int32) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	q, r := a.QuoRem(b, scale)
	if r.IsZero() {
		return q, nil
	}

	// The discarded remainder satisfies a = q*b + r with |r| < |b|*10^-scale.
	// Compare 2|r| against |b|*10^-scale to classify below-half / half / above.
	ulp := decimal.New(1, -scale)
	cmp := r.Abs().Mul(two).Cmp(b.Abs().Mul(ulp))

	roundAway := cmp > 0
	if cmp == 0 {
		// Exact tie: round toward the even last digit.
		lastDigit := q.Shift(scale).Abs().Mod(two)
		roundAway = !lastDigit.IsZero()
	}
	if roundAway {
		sign := int64(a.Sign() * b.Sign())
		q = q.Add(decimal.New(sign, -scale))
	}
	return q, nil
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
