package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
)

// RawRecord is a decoded exchange API object before normalization.
// Field shapes vary per exchange; the per-exchange Normalizer is the
// only component that interprets them.
type RawRecord map[string]interface{}

// TradesPage is one page of completed-trade records. NextCursor is
// empty when the exchange signals there are no further pages.
type TradesPage struct {
	Records    []RawRecord
	NextCursor string
}

// ExchangeClient defines the interface for fetching trade data from a
// cryptocurrency exchange. This abstraction decouples the trade data
// service from specific exchange implementations.
type ExchangeClient interface {
	// Exchange returns the venue this client talks to.
	Exchange() domain.Exchange

	// AccountID identifies the account the credentials belong to,
	// used as part of the cache scope key.
	AccountID() string

	// FetchTradesPage retrieves one page of completed trades closed
	// within [fromMs, toMs] (epoch milliseconds). Pass an empty cursor
	// for the first page and the previous page's NextCursor thereafter.
	FetchTradesPage(ctx context.Context, fromMs, toMs int64, cursor string) (*TradesPage, error)

	// FetchOpenPositions retrieves the currently open positions.
	// Open positions are mutable present-tense state and are never cached.
	FetchOpenPositions(ctx context.Context) ([]RawRecord, error)

	// FetchWalletBalance retrieves the total settlement-currency balance.
	FetchWalletBalance(ctx context.Context) (decimal.Decimal, error)

	// ClosePosition places a reduce-only market order on the opposite
	// side of the given position. Pure pass-through; no retry logic.
	ClosePosition(ctx context.Context, pos domain.Position) error
}

// Normalizer maps raw exchange records into the canonical domain
// representation. Implementations are side-effect free. A record
// missing a required identity field (symbol, id, side) fails with
// ErrMalformedRecord and must be dropped by the caller, never included
// as a zero-valued trade.
type Normalizer interface {
	Trade(raw RawRecord) (domain.Trade, error)
	Position(raw RawRecord) (domain.Position, error)
}
