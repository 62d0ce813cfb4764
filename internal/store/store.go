// Package store defines the persistence interface for the exchange core.
// Implementations include PostgreSQL (source of truth, read/write-split
// pools) and in-memory (for testing). The relational schema itself is
// owned by the datastore and out of scope here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/foresight/exchange-core/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the repository interface consumed by the matching engine and
// the reconciliation loop.
type Store interface {
	// --- Trades (immutable ledger) ---

	// InsertTrade appends an immutable trade record. Inserting the same
	// trade id twice is an error.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// ListTradesInRange returns trades settled in [fromBlock, toBlock],
	// plus trades not yet referenced on-chain that executed in the same
	// window.
	ListTradesInRange(ctx context.Context, fromBlock, toBlock int64) ([]model.Trade, error)

	// GetTrade retrieves one trade by id.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByMarket returns the most recent trades for a market,
	// newest first.
	ListTradesByMarket(ctx context.Context, marketKey string, limit int) ([]model.Trade, error)

	// --- Orders ---

	// UpsertOrder persists an order's current state (status, remaining).
	UpsertOrder(ctx context.Context, order *model.Order) error

	// GetOpenOrders returns every order with open or partially_filled
	// status, for book reconstruction after a leadership change.
	GetOpenOrders(ctx context.Context) ([]model.Order, error)

	// --- Discrepancies (audit trail, never deleted) ---

	// InsertDiscrepancy records a reconciliation mismatch. Inserting a
	// second discrepancy with the same OnChainRef and Kind is a no-op
	// returning false.
	InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) (inserted bool, err error)

	// ResolveDiscrepancy annotates a discrepancy as resolved. The row is
	// retained.
	ResolveDiscrepancy(ctx context.Context, id, resolution string, at time.Time) error

	// ListDiscrepancies returns discrepancies, optionally only unresolved.
	ListDiscrepancies(ctx context.Context, unresolvedOnly bool) ([]model.Discrepancy, error)
}
