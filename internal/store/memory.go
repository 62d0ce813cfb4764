package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/foresight/exchange-core/internal/model"
)

// MemoryStore is an in-memory Store for testing and local development.
type MemoryStore struct {
	mu            sync.RWMutex
	trades        map[string]model.Trade
	tradeOrder    []string // insertion order
	orders        map[string]model.Order
	discrepancies map[string]model.Discrepancy
	discSeen      map[string]string // kind|onChainRef -> discrepancy id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:        make(map[string]model.Trade),
		orders:        make(map[string]model.Order),
		discrepancies: make(map[string]model.Discrepancy),
		discSeen:      make(map[string]string),
	}
}

func (s *MemoryStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trades[t.ID]; exists {
		return fmt.Errorf("insert trade %s: duplicate id", t.ID)
	}
	s.trades[t.ID] = *t
	s.tradeOrder = append(s.tradeOrder, t.ID)
	return nil
}

func (s *MemoryStore) ListTradesInRange(ctx context.Context, fromBlock, toBlock int64) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, id := range s.tradeOrder {
		t := s.trades[id]
		inRange := t.BlockNumber >= fromBlock && t.BlockNumber <= toBlock
		unconfirmed := t.BlockNumber == 0 && t.TxHash != ""
		if inRange || unconfirmed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) ListTradesByMarket(ctx context.Context, marketKey string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for i := len(s.tradeOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := s.trades[s.tradeOrder[i]]
		if t.MarketKey == marketKey {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertOrder(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = *o
	return nil
}

func (s *MemoryStore) GetOpenOrders(ctx context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusOpen || o.Status == model.StatusPartiallyFilled {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dedupKey := d.Kind + "|" + d.OnChainRef
	if _, seen := s.discSeen[dedupKey]; seen {
		return false, nil
	}
	s.discSeen[dedupKey] = d.ID
	s.discrepancies[d.ID] = *d
	return true, nil
}

func (s *MemoryStore) ResolveDiscrepancy(ctx context.Context, id, resolution string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discrepancies[id]
	if !ok {
		return ErrNotFound
	}
	d.ResolvedAt = &at
	d.Resolution = resolution
	s.discrepancies[id] = d
	return nil
}

func (s *MemoryStore) ListDiscrepancies(ctx context.Context, unresolvedOnly bool) ([]model.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Discrepancy
	for _, d := range s.discrepancies {
		if unresolvedOnly && d.ResolvedAt != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

// TradeCount returns the number of stored trades. Test helper.
func (s *MemoryStore) TradeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}
