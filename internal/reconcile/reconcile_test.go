package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-core/internal/model"
	"github.com/foresight/exchange-core/internal/reconcile"
	"github.com/foresight/exchange-core/internal/store"
)

const (
	market = "8453:42"
	alice  = "0x1111111111111111111111111111111111111111"
	bob    = "0x2222222222222222222222222222222222222222"
)

type fakeChain struct {
	head   int64
	events []model.SettlementEvent
	err    error
}

func (f *fakeChain) BlockNumber(ctx context.Context) (int64, error) {
	return f.head, f.err
}

func (f *fakeChain) FilterEvents(ctx context.Context, fromBlock, toBlock int64) ([]model.SettlementEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.SettlementEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeChain) Close() {}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func settlement(t *testing.T, tx string, logIdx uint, block int64, price, amount string) model.SettlementEvent {
	t.Helper()
	return model.SettlementEvent{
		TxHash:       tx,
		LogIndex:     logIdx,
		BlockNumber:  block,
		MarketKey:    market,
		OutcomeIndex: 0,
		Maker:        alice,
		Taker:        bob,
		IsBuy:        true,
		Price:        dec(t, price),
		Amount:       dec(t, amount),
	}
}

func ledgerTrade(t *testing.T, id, tx string, block int64, price, amount string) *model.Trade {
	t.Helper()
	return &model.Trade{
		ID:           id,
		MarketKey:    market,
		OutcomeIndex: 0,
		Maker:        alice,
		Taker:        bob,
		IsBuyerMaker: true,
		Price:        dec(t, price),
		Amount:       dec(t, amount),
		TxHash:       tx,
		BlockNumber:  block,
		Timestamp:    time.Now(),
	}
}

func newLoop(ch *fakeChain, st store.Store, autoFix bool) *reconcile.Loop {
	return reconcile.New(reconcile.Config{
		StartBlock:    100,
		Confirmations: 1,
		AutoFix:       autoFix,
	}, ch, st, nil)
}

func TestRunPass_CleanRangeAdvances(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &fakeChain{head: 151, events: []model.SettlementEvent{
		settlement(t, "0xaa", 0, 120, "0.60", "10"),
	}}
	if err := st.InsertTrade(context.Background(), ledgerTrade(t, "t1", "0xaa", 120, "0.60", "10")); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	l := newLoop(ch, st, false)
	res, err := l.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if res.Discrepancies != 0 {
		t.Fatalf("matched trade flagged: %+v", res)
	}
	if l.LastCheckedBlock() != 150 {
		t.Errorf("lastCheckedBlock = %d, want 150 (head minus confirmations)", l.LastCheckedBlock())
	}
}

func TestRunPass_MissingTradeRecordedOnce(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &fakeChain{head: 151, events: []model.SettlementEvent{
		settlement(t, "0xbb", 3, 130, "0.55", "4"),
	}}

	l := newLoop(ch, st, false)
	res, err := l.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if res.Discrepancies != 1 {
		t.Fatalf("discrepancies = %d, want 1", res.Discrepancies)
	}

	ds, err := st.ListDiscrepancies(context.Background(), true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("stored discrepancies = %d, want 1", len(ds))
	}
	d := ds[0]
	if d.Kind != model.DiscrepancyMissingTrade || d.OnChainRef != "0xbb:3" {
		t.Errorf("discrepancy = %+v", d)
	}

	// A fresh loop re-scanning the same range must not duplicate the record.
	again := newLoop(ch, st, false)
	res2, err := again.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res2.Discrepancies != 0 {
		t.Errorf("second pass recorded %d new discrepancies", res2.Discrepancies)
	}
	ds, _ = st.ListDiscrepancies(context.Background(), false)
	if len(ds) != 1 {
		t.Errorf("stored discrepancies after re-scan = %d, want 1", len(ds))
	}
}

func TestRunPass_AmountMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &fakeChain{head: 151, events: []model.SettlementEvent{
		settlement(t, "0xcc", 0, 125, "0.60", "10"),
	}}
	if err := st.InsertTrade(context.Background(), ledgerTrade(t, "t1", "0xcc", 125, "0.60", "9")); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	l := newLoop(ch, st, false)
	if _, err := l.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	ds, _ := st.ListDiscrepancies(context.Background(), true)
	if len(ds) != 1 || ds[0].Kind != model.DiscrepancyAmountMismatch {
		t.Fatalf("discrepancies = %+v", ds)
	}
	if ds[0].DBRef != "t1" {
		t.Errorf("db ref = %q, want t1", ds[0].DBRef)
	}
}

func TestRunPass_ExtraTrade(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &fakeChain{head: 151}
	if err := st.InsertTrade(context.Background(), ledgerTrade(t, "t9", "0xdd", 140, "0.70", "2")); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	l := newLoop(ch, st, false)
	if _, err := l.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	ds, _ := st.ListDiscrepancies(context.Background(), true)
	if len(ds) != 1 || ds[0].Kind != model.DiscrepancyExtraTrade {
		t.Fatalf("discrepancies = %+v", ds)
	}
}

func TestRunPass_AutoFixInsertsAndRetainsRecord(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &fakeChain{head: 151, events: []model.SettlementEvent{
		settlement(t, "0xee", 1, 135, "0.45", "6"),
	}}

	l := newLoop(ch, st, true)
	res, err := l.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if res.AutoFixed != 1 {
		t.Fatalf("auto-fixed = %d, want 1", res.AutoFixed)
	}

	trades, err := st.ListTradesInRange(context.Background(), 100, 150)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 || trades[0].TxHash != "0xee" {
		t.Fatalf("inserted trade = %+v", trades)
	}
	if !trades[0].Amount.Equal(dec(t, "6")) {
		t.Errorf("amount = %s, want 6", trades[0].Amount)
	}

	// The audit record survives the fix, annotated as resolved.
	ds, _ := st.ListDiscrepancies(context.Background(), false)
	if len(ds) != 1 {
		t.Fatalf("discrepancy deleted by auto-fix")
	}
	if ds[0].ResolvedAt == nil || ds[0].Resolution != "auto_fix_insert" {
		t.Errorf("resolution = %+v", ds[0])
	}

	// Second scan: chain and ledger now agree, nothing new.
	again := newLoop(ch, st, true)
	res2, err := again.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res2.Discrepancies != 0 || res2.AutoFixed != 0 {
		t.Errorf("second pass result = %+v", res2)
	}
}

func TestRunPass_TransportErrorDoesNotAdvance(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &fakeChain{head: 151, err: errors.New("rpc: connection refused")}

	l := newLoop(ch, st, false)
	if _, err := l.RunPass(context.Background()); err == nil {
		t.Fatal("expected transport error")
	}
	if l.LastCheckedBlock() != 99 {
		t.Errorf("lastCheckedBlock advanced past a failed pass: %d", l.LastCheckedBlock())
	}

	// Recovery resumes from the same block.
	ch.err = nil
	res, err := l.RunPass(context.Background())
	if err != nil {
		t.Fatalf("recovered pass: %v", err)
	}
	if res.FromBlock != 100 {
		t.Errorf("resumed from %d, want 100", res.FromBlock)
	}
}

func TestLastCheckedBlock_ConcurrentStatusReads(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &fakeChain{head: 151}

	l := newLoop(ch, st, false)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Status-endpoint reads racing the loop's writes.
		for {
			select {
			case <-done:
				return
			default:
				_ = l.LastCheckedBlock()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		ch.head += 100
		if _, err := l.RunPass(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()

	if got := l.LastCheckedBlock(); got != ch.head-1 {
		t.Errorf("lastCheckedBlock = %d, want %d", got, ch.head-1)
	}
}

func TestRunPass_BoundedBlockRange(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &fakeChain{head: 10_000}

	l := reconcile.New(reconcile.Config{
		StartBlock:       100,
		MaxBlocksPerPass: 500,
		Confirmations:    1,
	}, ch, st, nil)

	res, err := l.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if res.FromBlock != 100 || res.ToBlock != 599 {
		t.Errorf("range = [%d,%d], want [100,599]", res.FromBlock, res.ToBlock)
	}
}
