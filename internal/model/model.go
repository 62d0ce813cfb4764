// Package model defines the core domain types shared across the exchange
// core. All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Time-in-force values.
const (
	TIFGTC = "GTC" // rest until cancelled
	TIFIOC = "IOC" // fill what crosses, discard the rest
	TIFFOK = "FOK" // fill completely or reject with no side effects
)

// Order statuses.
const (
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
)

// Order is a signed limit order against one outcome of a prediction market.
// Immutable once accepted except Remaining and Status, which are owned
// exclusively by the matching engine on the current leader.
type Order struct {
	ID            string          `json:"id" db:"id"`
	MarketKey     string          `json:"market_key" db:"market_key"`
	Maker         string          `json:"maker" db:"maker"`
	OutcomeIndex  int             `json:"outcome_index" db:"outcome_index"`
	IsBuy         bool            `json:"is_buy" db:"is_buy"`
	Price         decimal.Decimal `json:"price" db:"price"`   // probability in (0, 1)
	Amount        decimal.Decimal `json:"amount" db:"amount"` // outcome token units
	Remaining     decimal.Decimal `json:"remaining" db:"remaining"`
	Salt          string          `json:"salt" db:"salt"`
	Expiry        int64           `json:"expiry" db:"expiry"` // unix seconds; 0 = never
	Signature     string          `json:"signature" db:"signature"`
	TimeInForce   string          `json:"time_in_force" db:"time_in_force"`
	PostOnly      bool            `json:"post_only" db:"post_only"`
	ClientOrderID string          `json:"client_order_id,omitempty" db:"client_order_id"`
	Status        string          `json:"status" db:"status"`
	Sequence      uint64          `json:"sequence" db:"sequence"` // arrival order, for time priority
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Side returns "BUY" or "SELL".
func (o *Order) Side() string {
	if o.IsBuy {
		return "BUY"
	}
	return "SELL"
}

// IsExpired reports whether the order has passed its expiry at the given time.
func (o *Order) IsExpired(now time.Time) bool {
	return o.Expiry > 0 && now.Unix() >= o.Expiry
}

// Notional returns price*remaining, the open value of the order.
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(o.Remaining)
}

// Trade is an immutable record of a single fill. Created only by a
// successful match and written once to durable storage.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	MarketKey    string          `json:"market_key" db:"market_key"`
	OutcomeIndex int             `json:"outcome_index" db:"outcome_index"`
	MakerOrderID string          `json:"maker_order_id" db:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id" db:"taker_order_id"`
	Maker        string          `json:"maker" db:"maker"`
	Taker        string          `json:"taker" db:"taker"`
	IsBuyerMaker bool            `json:"is_buyer_maker" db:"is_buyer_maker"`
	Price        decimal.Decimal `json:"price" db:"price"` // always the resting order's price
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	MakerFee     decimal.Decimal `json:"maker_fee" db:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee" db:"taker_fee"`
	TxHash       string          `json:"tx_hash,omitempty" db:"tx_hash"`
	BlockNumber  int64           `json:"block_number,omitempty" db:"block_number"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Discrepancy kinds produced by reconciliation.
const (
	DiscrepancyMissingTrade   = "missing_trade"
	DiscrepancyAmountMismatch = "amount_mismatch"
	DiscrepancyExtraTrade     = "extra_trade"
)

// Discrepancy records a mismatch between on-chain settlement truth and the
// off-chain trade ledger. Never deleted; resolution only annotates it.
type Discrepancy struct {
	ID         string     `json:"id" db:"id"`
	MarketKey  string     `json:"market_key" db:"market_key"`
	Kind       string     `json:"kind" db:"kind"`
	OnChainRef string     `json:"on_chain_ref" db:"on_chain_ref"` // txHash:logIndex
	DBRef      string     `json:"db_ref" db:"db_ref"`             // trade id, if any
	Detail     string     `json:"detail" db:"detail"`
	DetectedAt time.Time  `json:"detected_at" db:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Resolution string     `json:"resolution,omitempty" db:"resolution"`
}

// SettlementEvent is one OrderFilledSigned log decoded from the settlement
// contract. The tuple (TxHash, LogIndex) uniquely identifies it.
type SettlementEvent struct {
	TxHash       string          `json:"tx_hash"`
	LogIndex     uint            `json:"log_index"`
	BlockNumber  int64           `json:"block_number"`
	MarketKey    string          `json:"market_key"`
	OutcomeIndex int             `json:"outcome_index"`
	Maker        string          `json:"maker"`
	Taker        string          `json:"taker"`
	IsBuy        bool            `json:"is_buy"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
}

// Ref returns the canonical on-chain reference for the event.
func (e *SettlementEvent) Ref() string {
	return e.TxHash + ":" + strconv.FormatUint(uint64(e.LogIndex), 10)
}
