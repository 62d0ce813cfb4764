package engine

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-core/internal/market"
	"github.com/foresight/exchange-core/internal/model"
)

var (
	signaturePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
	one              = decimal.NewFromInt(1)
)

// validate checks a submission's fields before any book interaction and
// returns a human-readable detail string, or "" if the order is valid.
// Prices are probabilities, so the valid range is the open interval (0,1).
func validate(o *model.Order, cfg Config) string {
	if o == nil {
		return "order is required"
	}
	if _, err := market.ParseKey(o.MarketKey); err != nil {
		return "marketKey must be of the form chainId:eventId"
	}
	if o.OutcomeIndex < 0 {
		return "outcomeIndex must be non-negative"
	}
	if !common.IsHexAddress(o.Maker) {
		return "maker must be a valid hex address"
	}
	if !signaturePattern.MatchString(o.Signature) {
		return "signature must be a 65-byte hex string"
	}
	if !o.Price.IsPositive() || o.Price.GreaterThanOrEqual(one) {
		return "price must be strictly between 0 and 1"
	}
	if !o.Amount.IsPositive() {
		return "amount must be positive"
	}
	if cfg.MinOrderAmount.IsPositive() && o.Amount.LessThan(cfg.MinOrderAmount) {
		return "amount below the minimum order size"
	}
	if cfg.MaxOrderAmount.IsPositive() && o.Amount.GreaterThan(cfg.MaxOrderAmount) {
		return "amount above the maximum order size"
	}
	if o.Expiry < 0 {
		return "expiry must be a unix timestamp, or 0 for no expiry"
	}
	switch strings.ToUpper(o.TimeInForce) {
	case "", model.TIFGTC, model.TIFIOC, model.TIFFOK:
	default:
		return "timeInForce must be one of GTC, IOC, FOK"
	}
	if o.Salt == "" {
		return "salt is required"
	}
	return ""
}
