package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RatePrecision is the number of Rate units that make up 1.0 (parts per million).
const RatePrecision int64 = 1_000_000

// AmountScale is the number of fractional digits carried by monetary amounts.
const AmountScale = 2

var (
	// ErrInvalidAmount indicates a decimal string that cannot be represented in minor units.
	ErrInvalidAmount = errors.New("domain: invalid amount")
	// ErrInvalidRate indicates a rate string that cannot be parsed.
	ErrInvalidRate = errors.New("domain: invalid rate")
)

// Rate is a non-monetary multiplier expressed in parts per million (0.0825 == 82_500).
type Rate int64

// RoundHalfUp divides numerator by denominator and rounds the quotient to the nearest integer,
// resolving ties away from zero. It is the only rounding rule used for monetary values.
func RoundHalfUp(numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	if denominator < 0 {
		numerator, denominator = -numerator, -denominator
	}
	quotient := numerator / denominator
	remainder := numerator % denominator
	if remainder < 0 {
		remainder = -remainder
	}
	if remainder*2 >= denominator {
		if numerator < 0 {
			quotient--
		} else {
			quotient++
		}
	}
	return quotient
}

// Apply multiplies amount (minor units) by the rate and rounds half-up to whole minor units.
func (r Rate) Apply(amount int64) int64 {
	if r == 0 || amount == 0 {
		return 0
	}
	if amount > math.MaxInt64/int64(absRate(r)) {
		// fall back to splitting the multiplication when the direct product would overflow
		whole := amount / RatePrecision
		rest := amount % RatePrecision
		return whole*int64(r) + RoundHalfUp(rest*int64(r), RatePrecision)
	}
	return RoundHalfUp(amount*int64(r), RatePrecision)
}

// Percent renders the rate as a percentage string with trailing zeros removed (82_500 -> "8.25").
func (r Rate) Percent() string {
	return trimDecimal(formatScaled(int64(r), 4))
}

// String renders the rate as a decimal fraction (82_500 -> "0.0825").
func (r Rate) String() string {
	return trimDecimal(formatScaled(int64(r), 6))
}

// ParseRate parses a decimal fraction such as "0.0825" into a Rate.
func ParseRate(value string) (Rate, error) {
	scaled, err := parseScaled(value, 6)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRate, value)
	}
	if scaled < 0 {
		return 0, fmt.Errorf("%w: %q must not be negative", ErrInvalidRate, value)
	}
	return Rate(scaled), nil
}

// RateFromPercent parses a percentage such as "10" or "12.5" into a Rate.
func RateFromPercent(value string) (Rate, error) {
	scaled, err := parseScaled(value, 4)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRate, value)
	}
	if scaled < 0 {
		return 0, fmt.Errorf("%w: %q must not be negative", ErrInvalidRate, value)
	}
	return Rate(scaled), nil
}

// ParseAmount converts a decimal amount such as "216.00" into minor units. Digits beyond the
// second decimal place are rounded half-up.
func ParseAmount(value string) (int64, error) {
	scaled, err := parseScaled(value, AmountScale)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return scaled, nil
}

// FormatAmount renders minor units as a decimal string with two fractional digits.
func FormatAmount(amount int64) string {
	return formatScaled(amount, AmountScale)
}

func parseScaled(value string, scale int) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("empty value")
	}
	negative := false
	switch trimmed[0] {
	case '-':
		negative = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" && frac == "" {
		return 0, errors.New("missing digits")
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return 0, errors.New("non-digit characters")
	}

	roundUp := false
	if len(frac) > scale {
		roundUp = frac[scale] >= '5'
		frac = frac[:scale]
	}
	frac += strings.Repeat("0", scale-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		digits = "0"
	}
	parsed, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	if roundUp {
		if parsed == math.MaxInt64 {
			return 0, errors.New("value out of range")
		}
		parsed++
	}
	if negative {
		parsed = -parsed
	}
	return parsed, nil
}

func formatScaled(value int64, scale int) string {
	sign := ""
	magnitude := value
	if value < 0 {
		sign = "-"
		magnitude = -value
	}
	digits := strconv.FormatInt(magnitude, 10)
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	cut := len(digits) - scale
	return sign + digits[:cut] + "." + digits[cut:]
}

func trimDecimal(value string) string {
	if !strings.Contains(value, ".") {
		return value
	}
	value = strings.TrimRight(value, "0")
	return strings.TrimSuffix(value, ".")
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func absRate(r Rate) Rate {
	if r < 0 {
		return -r
	}
	return r
}
