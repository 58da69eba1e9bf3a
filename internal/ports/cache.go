package ports

import (
	"context"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
)

// TradeCache defines the interface for persisting normalized
// completed-trade sets per scope key.
type TradeCache interface {
	// Get retrieves the cache entry for a scope key.
	// Returns nil, nil on a miss. An unavailable backing store is not
	// an error for reads; it degrades to "always miss".
	Get(ctx context.Context, key domain.ScopeKey) (*domain.CacheEntry, error)

	// Put merges trades into the entry for a scope key, appending
	// previously unseen trade ids and leaving existing ids untouched,
	// then updates the entry's freshness timestamp. The merge is atomic
	// per scope key: a concurrent reader never observes a torn entry.
	Put(ctx context.Context, key domain.ScopeKey, trades []domain.Trade) error

	// Erase removes all entries unconditionally and returns the number
	// of trades removed, so callers can distinguish success from
	// "nothing to erase".
	Erase(ctx context.Context) (int64, error)

	// IsAvailable reports whether the backing store is currently
	// reachable. Callers use it to gate destructive operations.
	IsAvailable(ctx context.Context) bool
}
