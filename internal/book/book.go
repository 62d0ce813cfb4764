// Package book implements the in-memory order book for one
// (marketKey, outcomeIndex) pair: an arena of orders indexed by id with a
// price-sorted level structure per side. Orders inside a level keep FIFO
// arrival order, giving price-time priority.
//
// The book itself is not goroutine-safe; the engine serializes all
// mutations per book.
package book

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-core/internal/model"
)

// Level is one price level on one side of the book.
type Level struct {
	Price    decimal.Decimal
	queue    []*model.Order // FIFO by arrival
	TotalQty decimal.Decimal
}

// Orders returns the level's orders in time priority.
func (l *Level) Orders() []*model.Order { return l.queue }

// OrderCount returns the number of resting orders at the level.
func (l *Level) OrderCount() int { return len(l.queue) }

type side struct {
	isBuy  bool
	levels []*Level // bids: price descending; asks: price ascending
	index  map[string]*Level
}

func newSide(isBuy bool) *side {
	return &side{isBuy: isBuy, index: make(map[string]*Level)}
}

// better reports whether price a has priority over b on this side.
func (s *side) better(a, b decimal.Decimal) bool {
	if s.isBuy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (s *side) add(o *model.Order) {
	key := o.Price.String()
	lvl, ok := s.index[key]
	if !ok {
		lvl = &Level{Price: o.Price, TotalQty: decimal.Zero}
		s.index[key] = lvl
		s.insertLevel(lvl)
	}
	lvl.queue = append(lvl.queue, o)
	lvl.TotalQty = lvl.TotalQty.Add(o.Remaining)
}

// insertLevel keeps levels sorted by binary search on price priority.
func (s *side) insertLevel(lvl *Level) {
	lo, hi := 0, len(s.levels)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.better(s.levels[mid].Price, lvl.Price) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	s.levels = append(s.levels, nil)
	copy(s.levels[lo+1:], s.levels[lo:])
	s.levels[lo] = lvl
}

func (s *side) remove(o *model.Order) {
	key := o.Price.String()
	lvl, ok := s.index[key]
	if !ok {
		return
	}
	for i, q := range lvl.queue {
		if q.ID == o.ID {
			lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
			lvl.TotalQty = lvl.TotalQty.Sub(o.Remaining)
			break
		}
	}
	if len(lvl.queue) == 0 {
		delete(s.index, key)
		for i, l := range s.levels {
			if l == lvl {
				s.levels = append(s.levels[:i], s.levels[i+1:]...)
				break
			}
		}
	}
}

func (s *side) reduce(o *model.Order, qty decimal.Decimal) {
	if lvl, ok := s.index[o.Price.String()]; ok {
		lvl.TotalQty = lvl.TotalQty.Sub(qty)
	}
}

func (s *side) best() *Level {
	if len(s.levels) == 0 {
		return nil
	}
	return s.levels[0]
}

// Book holds both sides of one market/outcome order book.
type Book struct {
	MarketKey    string
	OutcomeIndex int

	orders map[string]*model.Order
	bids   *side
	asks   *side

	lastTradePrice decimal.Decimal
	lastTradeAt    time.Time
	tradeCount     int64
	volume         decimal.Decimal
}

// New creates an empty book for one (marketKey, outcomeIndex).
func New(marketKey string, outcomeIndex int) *Book {
	return &Book{
		MarketKey:    marketKey,
		OutcomeIndex: outcomeIndex,
		orders:       make(map[string]*model.Order),
		bids:         newSide(true),
		asks:         newSide(false),
		volume:       decimal.Zero,
	}
}

func (b *Book) sideFor(o *model.Order) *side {
	if o.IsBuy {
		return b.bids
	}
	return b.asks
}

// Add rests an order. Returns false if the id is already present.
func (b *Book) Add(o *model.Order) bool {
	if _, exists := b.orders[o.ID]; exists {
		return false
	}
	b.orders[o.ID] = o
	b.sideFor(o).add(o)
	return true
}

// Remove takes an order out of the book. Returns nil if not present.
func (b *Book) Remove(orderID string) *model.Order {
	o, ok := b.orders[orderID]
	if !ok {
		return nil
	}
	delete(b.orders, orderID)
	b.sideFor(o).remove(o)
	return o
}

// Get looks up a resting order by id.
func (b *Book) Get(orderID string) *model.Order {
	return b.orders[orderID]
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

// Reduce decrements an order's remaining amount in place after a fill,
// keeping the level total in sync. The order stays in the book; callers
// Remove it when remaining hits zero.
func (b *Book) Reduce(o *model.Order, qty decimal.Decimal) {
	o.Remaining = o.Remaining.Sub(qty)
	b.sideFor(o).reduce(o, qty)
}

// CounterLevels returns the opposite side's levels in priority order for
// an incoming order. The slice is live book state; callers must not
// mutate it.
func (b *Book) CounterLevels(incomingIsBuy bool) []*Level {
	if incomingIsBuy {
		return b.asks.levels
	}
	return b.bids.levels
}

// RecordTrade updates last-price and volume statistics after a fill.
func (b *Book) RecordTrade(price, amount decimal.Decimal, at time.Time) {
	b.lastTradePrice = price
	b.lastTradeAt = at
	b.tradeCount++
	b.volume = b.volume.Add(amount)
}

// PriceLevel is one level of a depth snapshot.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	TotalQty   decimal.Decimal `json:"total_qty"`
	OrderCount int             `json:"order_count"`
}

// DepthSnapshot is the aggregated view of the book, bids descending and
// asks ascending. It is the authoritative state pub/sub consumers
// reconcile against.
type DepthSnapshot struct {
	MarketKey    string       `json:"market_key"`
	OutcomeIndex int          `json:"outcome_index"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Depth returns up to maxLevels aggregated levels per side.
func (b *Book) Depth(maxLevels int, now time.Time) DepthSnapshot {
	snap := DepthSnapshot{
		MarketKey:    b.MarketKey,
		OutcomeIndex: b.OutcomeIndex,
		Bids:         collectLevels(b.bids, maxLevels),
		Asks:         collectLevels(b.asks, maxLevels),
		Timestamp:    now,
	}
	return snap
}

func collectLevels(s *side, maxLevels int) []PriceLevel {
	n := len(s.levels)
	if maxLevels > 0 && maxLevels < n {
		n = maxLevels
	}
	out := make([]PriceLevel, 0, n)
	for i := 0; i < n; i++ {
		lvl := s.levels[i]
		out = append(out, PriceLevel{
			Price:      lvl.Price,
			TotalQty:   lvl.TotalQty,
			OrderCount: len(lvl.queue),
		})
	}
	return out
}

// Stats summarizes the book for the stats broadcast channel.
type Stats struct {
	MarketKey      string           `json:"market_key"`
	OutcomeIndex   int              `json:"outcome_index"`
	BestBid        *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk        *decimal.Decimal `json:"best_ask,omitempty"`
	Spread         *decimal.Decimal `json:"spread,omitempty"`
	BidDepth       decimal.Decimal  `json:"bid_depth"`
	AskDepth       decimal.Decimal  `json:"ask_depth"`
	LastTradePrice *decimal.Decimal `json:"last_trade_price,omitempty"`
	TradeCount     int64            `json:"trade_count"`
	Volume         decimal.Decimal  `json:"volume"`
}

// Stats returns the current book summary.
func (b *Book) Stats() Stats {
	st := Stats{
		MarketKey:    b.MarketKey,
		OutcomeIndex: b.OutcomeIndex,
		BidDepth:     totalDepth(b.bids),
		AskDepth:     totalDepth(b.asks),
		TradeCount:   b.tradeCount,
		Volume:       b.volume,
	}
	if lvl := b.bids.best(); lvl != nil {
		p := lvl.Price
		st.BestBid = &p
	}
	if lvl := b.asks.best(); lvl != nil {
		p := lvl.Price
		st.BestAsk = &p
	}
	if st.BestBid != nil && st.BestAsk != nil {
		spread := st.BestAsk.Sub(*st.BestBid)
		st.Spread = &spread
	}
	if b.tradeCount > 0 {
		p := b.lastTradePrice
		st.LastTradePrice = &p
	}
	return st
}

func totalDepth(s *side) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range s.levels {
		total = total.Add(lvl.TotalQty)
	}
	return total
}

// Crosses reports whether an incoming order would trade immediately
// against live counter orders, used for the postOnly check. Expired
// resting orders never match; they do not make an order crossing.
func (b *Book) Crosses(incomingIsBuy bool, price decimal.Decimal, now time.Time) bool {
	for _, lvl := range b.CounterLevels(incomingIsBuy) {
		if incomingIsBuy && price.LessThan(lvl.Price) {
			return false
		}
		if !incomingIsBuy && price.GreaterThan(lvl.Price) {
			return false
		}
		for _, o := range lvl.queue {
			if o.IsExpired(now) || !o.Remaining.IsPositive() {
				continue
			}
			return true
		}
	}
	return false
}

// OpenOrders returns all resting orders, unordered.
func (b *Book) OpenOrders() []*model.Order {
	out := make([]*model.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	return out
}
