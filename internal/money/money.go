// Package money provides exact fixed-point amount handling.
//
// All monetary amounts on the platform are decimal strings with exactly
// two fractional digits (e.g. "100.00"). Arithmetic is done on big.Int
// cents; binary floating point is never used.
package money

import (
	"errors"
	"math/big"
	"regexp"
)

// Decimals is the number of fractional digits carried by every amount.
const Decimals = 2

// ErrInvalidAmount is returned for amounts that are not a positive
// decimal string with exactly two fractional digits.
var ErrInvalidAmount = errors.New("invalid amount")

var amountRe = regexp.MustCompile(`^[0-9]+\.[0-9]{2}$`)

// Valid reports whether s is a well-formed, strictly positive amount.
func Valid(s string) bool {
	if !amountRe.MatchString(s) {
		return false
	}
	c, err := Parse(s)
	if err != nil {
		return false
	}
	return c.Sign() > 0
}

// Parse converts an amount string to cents. It accepts only the strict
// `digits "." two-digits` form; anything else returns ErrInvalidAmount.
// Zero is parseable here so balances like "0.00" round-trip; callers
// that need strict positivity use Valid.
func Parse(s string) (*big.Int, error) {
	if !amountRe.MatchString(s) {
		return nil, ErrInvalidAmount
	}
	digits := s[:len(s)-3] + s[len(s)-2:]
	c, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return c, nil
}

// Format converts cents back to the canonical two-decimal string.
func Format(cents *big.Int) string {
	if cents == nil {
		return "0.00"
	}
	neg := cents.Sign() < 0
	s := new(big.Int).Abs(cents).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	out := s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
	if neg {
		out = "-" + out
	}
	return out
}

// Add returns the canonical string sum of two parseable amounts.
func Add(a, b string) (string, error) {
	ac, err := Parse(a)
	if err != nil {
		return "", err
	}
	bc, err := Parse(b)
	if err != nil {
		return "", err
	}
	return Format(new(big.Int).Add(ac, bc)), nil
}

// Cmp compares two parseable amounts: -1 if a < b, 0 if equal, 1 if a > b.
func Cmp(a, b string) (int, error) {
	ac, err := Parse(a)
	if err != nil {
		return 0, err
	}
	bc, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return ac.Cmp(bc), nil
}

// SplitsTotal reports whether release+refund exactly equals total.
func SplitsTotal(release, refund, total string) (bool, error) {
	rc, err := Parse(release)
	if err != nil {
		return false, err
	}
	fc, err := Parse(refund)
	if err != nil {
		return false, err
	}
	tc, err := Parse(total)
	if err != nil {
		return false, err
	}
	return new(big.Int).Add(rc, fc).Cmp(tc) == 0, nil
}
