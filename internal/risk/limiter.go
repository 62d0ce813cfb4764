// Package risk enforces open-exposure caps on resting orders. Exposure
// is open notional (price times unfilled quantity); caps apply per side
// of a market and to the market as a whole, so a book cannot accumulate
// unbounded one-sided or total risk while waiting for settlement.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrLongLimitExceeded is returned when resting a buy would push the
	// market's open buy notional beyond the long cap.
	ErrLongLimitExceeded = errors.New("risk: market long exposure limit exceeded")

	// ErrShortLimitExceeded is returned when resting a sell would push the
	// market's open sell notional beyond the short cap.
	ErrShortLimitExceeded = errors.New("risk: market short exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when resting an order would push
	// the market's combined open notional beyond the total cap.
	ErrTotalLimitExceeded = errors.New("risk: market total exposure limit exceeded")
)

// ExposureLimiter checks resting orders against per-market caps. A
// zero-valued cap is unlimited.
type ExposureLimiter struct {
	// MaxLong caps the open buy notional in one market.
	MaxLong decimal.Decimal

	// MaxShort caps the open sell notional in one market.
	MaxShort decimal.Decimal

	// MaxTotal caps the combined open notional of both sides.
	MaxTotal decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxLong, maxShort, maxTotal decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{MaxLong: maxLong, MaxShort: maxShort, MaxTotal: maxTotal}
}

// Check validates whether adding `addition` notional on the given side
// respects the caps, against the market's current long and short open
// notional. Returns nil if the order may rest.
func (l *ExposureLimiter) Check(long, short, addition decimal.Decimal, isBuy bool) error {
	if isBuy {
		if l.MaxLong.IsPositive() && long.Add(addition).GreaterThan(l.MaxLong) {
			return ErrLongLimitExceeded
		}
	} else {
		if l.MaxShort.IsPositive() && short.Add(addition).GreaterThan(l.MaxShort) {
			return ErrShortLimitExceeded
		}
	}
	if l.MaxTotal.IsPositive() && long.Add(short).Add(addition).GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}
	return nil
}
