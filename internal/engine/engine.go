// Package engine implements the order-matching engine: per-market order
// books matched under price-time priority, with time-in-force semantics,
// exposure risk caps, and leadership gating.
//
// The engine is authoritative only while its process holds cluster
// leadership. On leadership loss it suspends, drops its in-memory books,
// and rebuilds them from the durable store before resuming, so it never
// diverges from a newly elected leader that replayed state independently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-core/internal/book"
	"github.com/foresight/exchange-core/internal/metrics"
	"github.com/foresight/exchange-core/internal/model"
	"github.com/foresight/exchange-core/internal/resilience"
	"github.com/foresight/exchange-core/internal/risk"
	"github.com/foresight/exchange-core/internal/store"
)

// ErrNotAuthoritative is returned by writes when this node does not hold
// cluster leadership. Callers proxy to the leader instead.
var ErrNotAuthoritative = errors.New("engine: node is not the authoritative leader")

// Reject reasons returned in SubmitResult.Reason.
const (
	ReasonValidation     = "VALIDATION"
	ReasonRiskLimit      = "RISK_LIMIT"
	ReasonPostOnlyCross  = "POST_ONLY_CROSS"
	ReasonFOKNotFillable = "FOK_NOT_FILLABLE"
)

// Events receives book activity for broadcast. Implementations must not
// block; the cluster broadcaster satisfies this. A nil Events is allowed.
type Events interface {
	TradeExecuted(t model.Trade)
	DepthChanged(snap book.DepthSnapshot)
	StatsChanged(st book.Stats)
}

// Gate reports whether this node may mutate book state. The cluster
// manager satisfies this; a nil Gate always permits (single-node mode).
type Gate interface {
	IsLeader() bool
}

// Config tunes the engine. Zero-valued caps and limits are unlimited.
type Config struct {
	MakerFeeBps         int64
	TakerFeeBps         int64
	MinOrderAmount      decimal.Decimal
	MaxOrderAmount      decimal.Decimal
	MaxLongExposure     decimal.Decimal // per-market open buy notional cap
	MaxShortExposure    decimal.Decimal // per-market open sell notional cap
	MaxTotalExposure    decimal.Decimal // per-market combined cap
	SelfTradeProtection bool
	DepthLevels         int // levels included in depth broadcasts
}

func (c Config) withDefaults() Config {
	if c.DepthLevels <= 0 {
		c.DepthLevels = 20
	}
	return c
}

// SubmitResult is the structured accept/reject outcome of a submission.
// A submission is either fully accepted (possibly with trades) or fully
// rejected with no book mutation, never anything in between.
type SubmitResult struct {
	Accepted  bool            `json:"accepted"`
	OrderID   string          `json:"order_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Trades    []model.Trade   `json:"trades,omitempty"`
	Remaining decimal.Decimal `json:"remaining"`
	Reason    string          `json:"reason,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

type bookKey struct {
	market  string
	outcome int
}

// bookState serializes all mutations for one (market, outcome) pair.
// Different books proceed concurrently.
type bookState struct {
	mu   sync.Mutex
	book *book.Book
}

type exposure struct {
	mu    sync.Mutex
	long  decimal.Decimal // open buy notional
	short decimal.Decimal // open sell notional
}

// Engine is the matching engine for all markets on this node.
type Engine struct {
	cfg    Config
	store  store.Store
	events Events
	gate   Gate

	mu        sync.Mutex // guards books and exposures maps
	books     map[bookKey]*bookState
	exposures map[string]*exposure
	limiter   *risk.ExposureLimiter

	seq       atomic.Uint64
	accepting atomic.Bool

	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// New creates an engine. events and gate may be nil.
func New(cfg Config, st store.Store, events Events, gate Gate) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		store:     st,
		events:    events,
		gate:      gate,
		books:     make(map[bookKey]*bookState),
		exposures: make(map[string]*exposure),
		limiter:   risk.NewExposureLimiter(cfg.MaxLongExposure, cfg.MaxShortExposure, cfg.MaxTotalExposure),
		breaker:   resilience.NewCircuitBreaker("store", resilience.BreakerConfig{}),
		now:       time.Now,
	}
	e.breaker.OnStateChange(func(name string, _, to resilience.CircuitState) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	})
	e.accepting.Store(true)
	return e
}

// StoreBreaker exposes the breaker guarding durable writes, for the
// cluster status endpoint.
func (e *Engine) StoreBreaker() *resilience.CircuitBreaker { return e.breaker }

// SetGate installs the leadership gate. The cluster manager is built
// after the engine (it needs the engine as its authority), so the gate
// arrives late; call before serving traffic.
func (e *Engine) SetGate(g Gate) { e.gate = g }

func (e *Engine) authoritative() bool {
	if !e.accepting.Load() {
		return false
	}
	return e.gate == nil || e.gate.IsLeader()
}

func (e *Engine) bookState(key bookKey) *bookState {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs, ok := e.books[key]
	if !ok {
		bs = &bookState{book: book.New(key.market, key.outcome)}
		e.books[key] = bs
	}
	return bs
}

func (e *Engine) exposureFor(market string) *exposure {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.exposures[market]
	if !ok {
		ex = &exposure{long: decimal.Zero, short: decimal.Zero}
		e.exposures[market] = ex
	}
	return ex
}

// persist wraps a durable-store call in retry + the store circuit breaker.
// Infra errors are transient by construction; an open breaker and caller
// cancellation are not worth retrying.
func (e *Engine) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		Classify: func(err error) bool {
			return !errors.Is(err, resilience.ErrCircuitOpen) && !errors.Is(err, context.Canceled)
		},
	}, func(ctx context.Context) error {
		return e.breaker.Do(ctx, fn)
	})
}

// Submit validates, matches, persists, and applies one order.
func (e *Engine) Submit(ctx context.Context, o *model.Order) (res *SubmitResult, err error) {
	if !e.authoritative() {
		return nil, ErrNotAuthoritative
	}

	start := time.Now()
	defer func() {
		metrics.MatchLatency.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			metrics.OrdersTotal.WithLabelValues("error").Inc()
		case res.Accepted:
			metrics.OrdersTotal.WithLabelValues("accepted").Inc()
		default:
			metrics.OrdersTotal.WithLabelValues(res.Reason).Inc()
		}
	}()

	if detail := validate(o, e.cfg); detail != "" {
		return reject(ReasonValidation, detail), nil
	}
	now := e.now().UTC()
	if o.IsExpired(now) {
		return reject(ReasonValidation, "order expired"), nil
	}

	o.ID = uuid.New().String()
	o.Remaining = o.Amount
	o.Status = model.StatusOpen
	o.Sequence = e.seq.Add(1)
	o.CreatedAt = now
	o.TimeInForce = strings.ToUpper(o.TimeInForce)
	if o.TimeInForce == "" {
		o.TimeInForce = model.TIFGTC
	}

	key := bookKey{market: o.MarketKey, outcome: o.OutcomeIndex}
	bs := e.bookState(key)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b := bs.book

	if o.PostOnly && b.Crosses(o.IsBuy, o.Price, now) {
		return reject(ReasonPostOnlyCross, "post-only order would cross the book"), nil
	}

	exclude := ""
	if e.cfg.SelfTradeProtection {
		exclude = o.Maker
	}

	// Plan fills without touching the book. Nothing mutates until the
	// plan has been durably persisted, which is what makes rejection
	// (and FOK in particular) side-effect free.
	plan := planFills(b, o, exclude, now)

	if o.TimeInForce == model.TIFFOK && plan.remaining.IsPositive() {
		e.evictExpired(ctx, b, plan.evictions)
		return reject(ReasonFOKNotFillable, "insufficient crossable quantity for fill-or-kill"), nil
	}

	willRest := o.TimeInForce == model.TIFGTC && plan.remaining.IsPositive()
	if willRest {
		if detail := e.checkRisk(o, plan.remaining); detail != "" {
			e.evictExpired(ctx, b, plan.evictions)
			return reject(ReasonRiskLimit, detail), nil
		}
	}

	trades := e.buildTrades(o, plan, now)

	if err := e.persistSubmission(ctx, o, plan, trades, willRest); err != nil {
		return nil, fmt.Errorf("engine: persist submission: %w", err)
	}

	e.apply(b, o, plan, trades, willRest, now)
	metrics.TradesTotal.Add(float64(len(trades)))

	res = &SubmitResult{
		Accepted:  true,
		OrderID:   o.ID,
		Status:    o.Status,
		Trades:    trades,
		Remaining: o.Remaining,
	}

	slog.Info("order processed",
		"order_id", o.ID,
		"market", o.MarketKey,
		"outcome", o.OutcomeIndex,
		"side", o.Side(),
		"tif", o.TimeInForce,
		"price", o.Price.String(),
		"amount", o.Amount.String(),
		"trades", len(trades),
		"status", o.Status,
	)

	return res, nil
}

// Cancel removes a resting order. Only the order's maker may cancel;
// cancelling an unknown or already-filled order returns false, not an
// error.
func (e *Engine) Cancel(ctx context.Context, marketKey string, outcomeIndex int, orderID, maker string) (bool, error) {
	if !e.authoritative() {
		return false, ErrNotAuthoritative
	}

	bs := e.bookState(bookKey{market: marketKey, outcome: outcomeIndex})
	bs.mu.Lock()
	defer bs.mu.Unlock()

	o := bs.book.Get(orderID)
	if o == nil || o.Maker != maker {
		return false, nil
	}

	canceled := *o
	canceled.Status = model.StatusCanceled
	if err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.UpsertOrder(ctx, &canceled)
	}); err != nil {
		return false, fmt.Errorf("engine: persist cancel: %w", err)
	}

	bs.book.Remove(orderID)
	e.releaseExposure(o, o.Remaining)
	o.Status = model.StatusCanceled

	e.emitBookUpdate(bs.book)
	slog.Info("order canceled", "order_id", orderID, "market", marketKey, "maker", maker)
	return true, nil
}

// fillPlan is one planned maker fill.
type fill struct {
	maker *model.Order
	qty   decimal.Decimal
}

type matchPlan struct {
	fills     []fill
	evictions []*model.Order // expired resting orders discovered while planning
	remaining decimal.Decimal
}

// planFills walks the counter side in price-time priority and computes
// the fills an incoming order would take, without mutating the book.
// Execution price is always the resting order's price.
func planFills(b *book.Book, taker *model.Order, exclude string, now time.Time) matchPlan {
	plan := matchPlan{remaining: taker.Remaining}
	taken := make(map[string]decimal.Decimal)

	for plan.remaining.IsPositive() {
		maker := nextCounter(b, taker, exclude, taken, &plan, now)
		if maker == nil {
			break
		}
		available := maker.Remaining.Sub(taken[maker.ID])
		qty := decimal.Min(plan.remaining, available)
		plan.fills = append(plan.fills, fill{maker: maker, qty: qty})
		taken[maker.ID] = taken[maker.ID].Add(qty)
		plan.remaining = plan.remaining.Sub(qty)
	}
	return plan
}

// nextCounter finds the best crossing counter-order not yet fully consumed
// by this plan, collecting expired orders for eviction as it goes.
func nextCounter(b *book.Book, taker *model.Order, exclude string, taken map[string]decimal.Decimal, plan *matchPlan, now time.Time) *model.Order {
	evicted := make(map[string]bool, len(plan.evictions))
	for _, o := range plan.evictions {
		evicted[o.ID] = true
	}
	for _, lvl := range b.CounterLevels(taker.IsBuy) {
		if !crosses(taker, lvl.Price) {
			break
		}
		for _, o := range lvl.Orders() {
			if evicted[o.ID] {
				continue
			}
			if o.IsExpired(now) {
				plan.evictions = append(plan.evictions, o)
				continue
			}
			if exclude != "" && o.Maker == exclude {
				continue
			}
			if o.Remaining.Sub(taken[o.ID]).IsPositive() {
				return o
			}
		}
	}
	return nil
}

func crosses(taker *model.Order, restingPrice decimal.Decimal) bool {
	if taker.IsBuy {
		return taker.Price.GreaterThanOrEqual(restingPrice)
	}
	return taker.Price.LessThanOrEqual(restingPrice)
}

// buildTrades materializes Trade records from a plan. Fees are bps of
// notional, rounded half-up to the amount scale.
func (e *Engine) buildTrades(taker *model.Order, plan matchPlan, now time.Time) []model.Trade {
	trades := make([]model.Trade, 0, len(plan.fills))
	for _, f := range plan.fills {
		notional := f.maker.Price.Mul(f.qty)
		trades = append(trades, model.Trade{
			ID:           uuid.New().String(),
			MarketKey:    taker.MarketKey,
			OutcomeIndex: taker.OutcomeIndex,
			MakerOrderID: f.maker.ID,
			TakerOrderID: taker.ID,
			Maker:        f.maker.Maker,
			Taker:        taker.Maker,
			IsBuyerMaker: f.maker.IsBuy,
			Price:        f.maker.Price,
			Amount:       f.qty,
			MakerFee:     feeOf(notional, e.cfg.MakerFeeBps),
			TakerFee:     feeOf(notional, e.cfg.TakerFeeBps),
			Timestamp:    now,
		})
	}
	return trades
}

func feeOf(notional decimal.Decimal, bps int64) decimal.Decimal {
	if bps == 0 {
		return decimal.Zero
	}
	return notional.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000)).Round(6)
}

// persistSubmission writes the outcome of a matching pass as a saga:
// order-state upserts first (compensable by restoring the prior states),
// then the immutable trade inserts. A trade-insert failure rolls the
// order states back so the book and store never disagree.
func (e *Engine) persistSubmission(ctx context.Context, taker *model.Order, plan matchPlan, trades []model.Trade, willRest bool) error {
	prior := make([]model.Order, 0, len(plan.fills))
	updated := make([]model.Order, 0, len(plan.fills)+1)

	consumed := make(map[string]decimal.Decimal)
	for _, f := range plan.fills {
		consumed[f.maker.ID] = consumed[f.maker.ID].Add(f.qty)
	}
	seen := make(map[string]bool)
	for _, f := range plan.fills {
		if seen[f.maker.ID] {
			continue
		}
		seen[f.maker.ID] = true
		prior = append(prior, *f.maker)

		next := *f.maker
		next.Remaining = next.Remaining.Sub(consumed[f.maker.ID])
		if next.Remaining.IsZero() {
			next.Status = model.StatusFilled
		} else {
			next.Status = model.StatusPartiallyFilled
		}
		updated = append(updated, next)
	}

	takerRow := *taker
	takerRow.Remaining = plan.remaining
	takerRow.Status = finalStatus(taker, plan, willRest)
	updated = append(updated, takerRow)

	saga := resilience.NewSaga("submit-order").
		AddStep(resilience.SagaStep{
			Name: "upsert-orders",
			Execute: func(ctx context.Context) error {
				for i := range updated {
					if err := e.persist(ctx, func(ctx context.Context) error {
						return e.store.UpsertOrder(ctx, &updated[i])
					}); err != nil {
						return err
					}
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				var firstErr error
				for i := range prior {
					if err := e.persist(ctx, func(ctx context.Context) error {
						return e.store.UpsertOrder(ctx, &prior[i])
					}); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				return firstErr
			},
		}).
		AddStep(resilience.SagaStep{
			Name: "insert-trades",
			Execute: func(ctx context.Context) error {
				for i := range trades {
					if err := e.persist(ctx, func(ctx context.Context) error {
						return e.store.InsertTrade(ctx, &trades[i])
					}); err != nil {
						return err
					}
				}
				return nil
			},
		})

	return saga.Execute(ctx)
}

func finalStatus(taker *model.Order, plan matchPlan, willRest bool) string {
	switch {
	case plan.remaining.IsZero():
		return model.StatusFilled
	case willRest && len(plan.fills) > 0:
		return model.StatusPartiallyFilled
	case willRest:
		return model.StatusOpen
	default:
		// IOC remainder is discarded, not rested.
		return model.StatusCanceled
	}
}

// apply mutates the book and exposure state after a successful persist,
// then broadcasts. Runs under the book lock.
func (e *Engine) apply(b *book.Book, taker *model.Order, plan matchPlan, trades []model.Trade, willRest bool, now time.Time) {
	for _, o := range plan.evictions {
		b.Remove(o.ID)
		e.releaseExposure(o, o.Remaining)
		o.Status = model.StatusExpired
		evicted := *o
		go e.persistEviction(&evicted)
	}

	for _, f := range plan.fills {
		b.Reduce(f.maker, f.qty)
		e.releaseExposure(f.maker, f.qty)
		if f.maker.Remaining.IsZero() {
			b.Remove(f.maker.ID)
			f.maker.Status = model.StatusFilled
		} else {
			f.maker.Status = model.StatusPartiallyFilled
		}
	}

	for _, t := range trades {
		b.RecordTrade(t.Price, t.Amount, now)
		if e.events != nil {
			e.events.TradeExecuted(t)
		}
	}

	taker.Remaining = plan.remaining
	taker.Status = finalStatus(taker, plan, willRest)
	if willRest {
		b.Add(taker)
		e.addExposure(taker, taker.Remaining)
	}

	if len(trades) > 0 || willRest || len(plan.evictions) > 0 {
		e.emitBookUpdate(b)
	}
}

// persistEviction records an expired order's terminal status outside the
// submission saga; eviction is independent of the incoming order's fate.
func (e *Engine) persistEviction(o *model.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.UpsertOrder(ctx, o)
	}); err != nil {
		slog.Warn("persist expired order failed", "order_id", o.ID, "err", err)
	}
}

// evictExpired removes expired resting orders discovered during a
// rejected submission's planning pass. Their expiry is a fact regardless
// of the incoming order's outcome.
func (e *Engine) evictExpired(ctx context.Context, b *book.Book, evictions []*model.Order) {
	for _, o := range evictions {
		b.Remove(o.ID)
		e.releaseExposure(o, o.Remaining)
		o.Status = model.StatusExpired
		evicted := *o
		go e.persistEviction(&evicted)
	}
	if len(evictions) > 0 {
		e.emitBookUpdate(b)
	}
}

func (e *Engine) checkRisk(o *model.Order, restingQty decimal.Decimal) string {
	addition := o.Price.Mul(restingQty)
	ex := e.exposureFor(o.MarketKey)
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if err := e.limiter.Check(ex.long, ex.short, addition, o.IsBuy); err != nil {
		return err.Error()
	}
	return ""
}

func (e *Engine) addExposure(o *model.Order, qty decimal.Decimal) {
	ex := e.exposureFor(o.MarketKey)
	ex.mu.Lock()
	defer ex.mu.Unlock()
	notional := o.Price.Mul(qty)
	if o.IsBuy {
		ex.long = ex.long.Add(notional)
	} else {
		ex.short = ex.short.Add(notional)
	}
}

func (e *Engine) releaseExposure(o *model.Order, qty decimal.Decimal) {
	ex := e.exposureFor(o.MarketKey)
	ex.mu.Lock()
	defer ex.mu.Unlock()
	notional := o.Price.Mul(qty)
	if o.IsBuy {
		ex.long = ex.long.Sub(notional)
	} else {
		ex.short = ex.short.Sub(notional)
	}
}

func (e *Engine) emitBookUpdate(b *book.Book) {
	if e.events == nil {
		return
	}
	now := e.now().UTC()
	e.events.DepthChanged(b.Depth(e.cfg.DepthLevels, now))
	e.events.StatsChanged(b.Stats())
}

// Depth returns the authoritative depth snapshot for one book. Safe to
// call on followers; they serve their last rebuilt state.
func (e *Engine) Depth(marketKey string, outcomeIndex int, maxLevels int) book.DepthSnapshot {
	bs := e.bookState(bookKey{market: marketKey, outcome: outcomeIndex})
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.book.Depth(maxLevels, e.now().UTC())
}

// BookStats returns the stats summary for one book.
func (e *Engine) BookStats(marketKey string, outcomeIndex int) book.Stats {
	bs := e.bookState(bookKey{market: marketKey, outcome: outcomeIndex})
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.book.Stats()
}

// Suspend stops matching and drops all in-memory book state. Called on
// leadership loss; the books are rebuilt from the store on Resume.
func (e *Engine) Suspend() {
	e.accepting.Store(false)
	e.mu.Lock()
	e.books = make(map[bookKey]*bookState)
	e.exposures = make(map[string]*exposure)
	e.mu.Unlock()
	slog.Warn("matching suspended, book state dropped")
}

// Resume rebuilds the books from durable open orders and re-enables
// matching. Called after (re)acquiring leadership.
func (e *Engine) Resume(ctx context.Context) error {
	var orders []model.Order
	if err := e.persist(ctx, func(ctx context.Context) error {
		var err error
		orders, err = e.store.GetOpenOrders(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("engine: reload open orders: %w", err)
	}

	e.mu.Lock()
	e.books = make(map[bookKey]*bookState)
	e.exposures = make(map[string]*exposure)
	e.mu.Unlock()

	var maxSeq uint64
	for i := range orders {
		o := orders[i]
		bs := e.bookState(bookKey{market: o.MarketKey, outcome: o.OutcomeIndex})
		bs.mu.Lock()
		bs.book.Add(&o)
		bs.mu.Unlock()
		e.addExposure(&o, o.Remaining)
		if o.Sequence > maxSeq {
			maxSeq = o.Sequence
		}
	}
	e.seq.Store(maxSeq)
	e.accepting.Store(true)

	slog.Info("matching resumed from durable snapshot", "open_orders", len(orders))
	return nil
}

func reject(reason, detail string) *SubmitResult {
	return &SubmitResult{
		Accepted:  false,
		Status:    model.StatusRejected,
		Remaining: decimal.Zero,
		Reason:    reason,
		Detail:    detail,
	}
}
