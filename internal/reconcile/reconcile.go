// Package reconcile compares on-chain settlement events against the
// off-chain trade ledger and records every mismatch as a durable
// Discrepancy. Chain-confirmed data is never overwritten; auto-fix only
// ever inserts what the chain proves happened, and the audit record is
// retained even after a fix.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foresight/exchange-core/internal/chain"
	"github.com/foresight/exchange-core/internal/metrics"
	"github.com/foresight/exchange-core/internal/model"
	"github.com/foresight/exchange-core/internal/resilience"
	"github.com/foresight/exchange-core/internal/store"
)

// Leadership gates the loop so only one node issues corrective writes.
type Leadership interface {
	IsLeader() bool
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval         time.Duration // default 60s
	MaxBlocksPerPass int64         // default 1000
	StartBlock       int64         // first block to examine
	Confirmations    int64         // blocks to lag behind head, default 6
	AutoFix          bool          // insert chain-proven missing trades
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxBlocksPerPass <= 0 {
		c.MaxBlocksPerPass = 1000
	}
	if c.Confirmations <= 0 {
		c.Confirmations = 6
	}
	return c
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	FromBlock     int64
	ToBlock       int64
	Events        int
	Trades        int
	Discrepancies int
	AutoFixed     int
}

// Loop is the reconciliation loop for one settlement contract.
type Loop struct {
	cfg     Config
	chain   chain.Reader
	store   store.Store
	leader  Leadership
	breaker *resilience.CircuitBreaker

	// Written by the loop goroutine, read by the status endpoint.
	lastCheckedBlock atomic.Int64

	now func() time.Time
}

// New creates a reconciliation loop. leader may be nil on a single node.
func New(cfg Config, reader chain.Reader, st store.Store, leader Leadership) *Loop {
	cfg = cfg.withDefaults()
	l := &Loop{
		cfg:     cfg,
		chain:   reader,
		store:   st,
		leader:  leader,
		breaker: resilience.NewCircuitBreaker("chain-rpc", resilience.BreakerConfig{}),
		now:     time.Now,
	}
	l.lastCheckedBlock.Store(cfg.StartBlock - 1)
	return l
}

// LastCheckedBlock returns the highest block covered by a clean pass.
func (l *Loop) LastCheckedBlock() int64 { return l.lastCheckedBlock.Load() }

// Breaker exposes the RPC circuit breaker for the status endpoint.
func (l *Loop) Breaker() *resilience.CircuitBreaker { return l.breaker }

// Run executes passes on the configured interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.leader != nil && !l.leader.IsLeader() {
				continue
			}
			res, err := l.RunPass(ctx)
			if err != nil {
				slog.Warn("reconciliation pass failed", "err", err)
				continue
			}
			if res.Discrepancies > 0 {
				slog.Warn("reconciliation found discrepancies",
					"from_block", res.FromBlock, "to_block", res.ToBlock,
					"count", res.Discrepancies, "auto_fixed", res.AutoFixed)
			}
		}
	}
}

// guarded wraps every external call in retry plus the RPC breaker.
func (l *Loop) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Classify: func(err error) bool {
			return !errors.Is(err, resilience.ErrCircuitOpen) && !errors.Is(err, context.Canceled)
		},
	}, func(ctx context.Context) error {
		return l.breaker.Do(ctx, fn)
	})
}

// RunPass reconciles one bounded block range. lastCheckedBlock advances
// only when the pass completes without transport error, so a transient
// failure never silently skips a range. Discrepancies are findings, not
// failures; they do not block advancement.
func (l *Loop) RunPass(ctx context.Context) (PassResult, error) {
	var head int64
	if err := l.guarded(ctx, func(ctx context.Context) error {
		var err error
		head, err = l.chain.BlockNumber(ctx)
		return err
	}); err != nil {
		return PassResult{}, fmt.Errorf("reconcile: head block: %w", err)
	}

	safeHead := head - l.cfg.Confirmations
	from := l.lastCheckedBlock.Load() + 1
	to := from + l.cfg.MaxBlocksPerPass - 1
	if to > safeHead {
		to = safeHead
	}
	if from > to {
		return PassResult{FromBlock: from, ToBlock: to}, nil
	}

	var events []model.SettlementEvent
	if err := l.guarded(ctx, func(ctx context.Context) error {
		var err error
		events, err = l.chain.FilterEvents(ctx, from, to)
		return err
	}); err != nil {
		return PassResult{}, fmt.Errorf("reconcile: filter events [%d,%d]: %w", from, to, err)
	}

	var trades []model.Trade
	if err := l.guarded(ctx, func(ctx context.Context) error {
		var err error
		trades, err = l.store.ListTradesInRange(ctx, from, to)
		return err
	}); err != nil {
		return PassResult{}, fmt.Errorf("reconcile: list trades [%d,%d]: %w", from, to, err)
	}

	res := PassResult{FromBlock: from, ToBlock: to, Events: len(events), Trades: len(trades)}
	if err := l.compare(ctx, events, trades, &res); err != nil {
		return PassResult{}, err
	}

	l.lastCheckedBlock.Store(to)
	metrics.LastCheckedBlock.Set(float64(to))
	return res, nil
}

// eventKey is the derived comparison key. Decimals are normalized so
// 0.60 and 0.600 compare equal.
func eventKey(market string, outcome int, maker, taker, price, amount string) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s", market, outcome, maker, taker, price, amount)
}

// compare matches settlement events against ledger trades by derived key
// and records a Discrepancy for every unmatched or mismatched pair.
func (l *Loop) compare(ctx context.Context, events []model.SettlementEvent, trades []model.Trade, res *PassResult) error {
	full := make(map[string][]*model.Trade)    // exact key incl. amount
	partial := make(map[string][]*model.Trade) // key without amount
	matched := make(map[string]bool)           // trade id -> consumed

	for i := range trades {
		t := &trades[i]
		if t.TxHash == "" {
			// Not yet settled on chain; nothing to compare against.
			continue
		}
		fk := eventKey(t.MarketKey, t.OutcomeIndex, t.Maker, t.Taker, t.Price.String(), t.Amount.String())
		pk := eventKey(t.MarketKey, t.OutcomeIndex, t.Maker, t.Taker, t.Price.String(), "")
		full[fk] = append(full[fk], t)
		partial[pk] = append(partial[pk], t)
	}

	take := func(m map[string][]*model.Trade, key string) *model.Trade {
		for _, t := range m[key] {
			if !matched[t.ID] {
				return t
			}
		}
		return nil
	}

	for i := range events {
		ev := &events[i]
		fk := eventKey(ev.MarketKey, ev.OutcomeIndex, ev.Maker, ev.Taker, ev.Price.String(), ev.Amount.String())
		if t := take(full, fk); t != nil {
			matched[t.ID] = true
			continue
		}

		pk := eventKey(ev.MarketKey, ev.OutcomeIndex, ev.Maker, ev.Taker, ev.Price.String(), "")
		if t := take(partial, pk); t != nil {
			matched[t.ID] = true
			if err := l.record(ctx, res, model.Discrepancy{
				MarketKey:  ev.MarketKey,
				Kind:       model.DiscrepancyAmountMismatch,
				OnChainRef: ev.Ref(),
				DBRef:      t.ID,
				Detail:     fmt.Sprintf("chain amount %s, ledger amount %s", ev.Amount, t.Amount),
			}, nil); err != nil {
				return err
			}
			continue
		}

		if err := l.record(ctx, res, model.Discrepancy{
			MarketKey:  ev.MarketKey,
			Kind:       model.DiscrepancyMissingTrade,
			OnChainRef: ev.Ref(),
			Detail:     fmt.Sprintf("settlement %s absent from ledger", ev.Ref()),
		}, ev); err != nil {
			return err
		}
	}

	for i := range trades {
		t := &trades[i]
		if t.TxHash == "" || matched[t.ID] {
			continue
		}
		if err := l.record(ctx, res, model.Discrepancy{
			MarketKey:  t.MarketKey,
			Kind:       model.DiscrepancyExtraTrade,
			OnChainRef: "ledger:" + t.ID,
			DBRef:      t.ID,
			Detail:     fmt.Sprintf("ledger trade %s claims settlement %s not found on chain", t.ID, t.TxHash),
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

// record persists one discrepancy, deduplicated by (kind, reference), and
// applies auto-fix for chain-proven missing trades. The discrepancy row
// survives the fix; resolution only annotates it.
func (l *Loop) record(ctx context.Context, res *PassResult, d model.Discrepancy, missing *model.SettlementEvent) error {
	d.ID = uuid.New().String()
	d.DetectedAt = l.now().UTC()

	var inserted bool
	if err := l.guarded(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = l.store.InsertDiscrepancy(ctx, &d)
		return err
	}); err != nil {
		return fmt.Errorf("reconcile: record discrepancy: %w", err)
	}
	if !inserted {
		// Seen on an earlier pass; the original record stands.
		return nil
	}
	res.Discrepancies++
	metrics.DiscrepanciesTotal.WithLabelValues(d.Kind).Inc()
	slog.Warn("discrepancy recorded",
		"kind", d.Kind, "market", d.MarketKey, "ref", d.OnChainRef, "detail", d.Detail)

	if !l.cfg.AutoFix || missing == nil {
		return nil
	}
	if err := l.autoFix(ctx, d.ID, missing); err != nil {
		// Best effort: the discrepancy stays unresolved for manual review.
		slog.Error("auto-fix failed", "discrepancy_id", d.ID, "ref", missing.Ref(), "err", err)
		return nil
	}
	res.AutoFixed++
	return nil
}

// autoFix inserts the trade the chain proves happened and annotates the
// discrepancy as auto-fixed.
func (l *Loop) autoFix(ctx context.Context, discrepancyID string, ev *model.SettlementEvent) error {
	t := model.Trade{
		ID:           uuid.New().String(),
		MarketKey:    ev.MarketKey,
		OutcomeIndex: ev.OutcomeIndex,
		Maker:        ev.Maker,
		Taker:        ev.Taker,
		IsBuyerMaker: ev.IsBuy,
		Price:        ev.Price,
		Amount:       ev.Amount,
		TxHash:       ev.TxHash,
		BlockNumber:  ev.BlockNumber,
		Timestamp:    l.now().UTC(),
	}
	if err := l.guarded(ctx, func(ctx context.Context) error {
		return l.store.InsertTrade(ctx, &t)
	}); err != nil {
		return err
	}
	if err := l.guarded(ctx, func(ctx context.Context) error {
		return l.store.ResolveDiscrepancy(ctx, discrepancyID, "auto_fix_insert", l.now().UTC())
	}); err != nil {
		return err
	}
	slog.Info("auto-fix inserted missing trade",
		"trade_id", t.ID, "tx_hash", ev.TxHash, "discrepancy_id", discrepancyID)
	return nil
}
