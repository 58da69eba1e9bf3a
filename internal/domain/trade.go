package domain

import "github.com/shopspring/decimal"

// Trade represents a completed (closed) trade normalized from a raw
// exchange record. Instances are immutable value objects: they are
// created once at normalization time and never mutated in place.
type Trade struct {
	// ID is the exchange-assigned identifier, unique per exchange+account.
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      TradeSide       `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	ClosedPnl decimal.Decimal `json:"closed_pnl"`
	// ROI is the signed return percentage. Exchange-reported when present;
	// otherwise derived once at normalization as pnl / (entry * |qty|) * 100.
	ROI           decimal.Decimal `json:"roi"`
	AvgEntryPrice decimal.Decimal `json:"entry_price"`
	AvgExitPrice  decimal.Decimal `json:"exit_price"`
	// CreatedAt is the close time in epoch seconds.
	CreatedAt int64 `json:"created_at"`
	// UpdatedAt is the exchange's last-update time in epoch milliseconds.
	UpdatedAt int64 `json:"updated_time"`
}

// Position represents an open position fetched live from an exchange.
// At most one open position per symbol per account is assumed, so
// symbol+account acts as the practical key; positions carry no unique ID.
type Position struct {
	Symbol         string          `json:"symbol"`
	Side           PositionSide    `json:"side"`
	Size           decimal.Decimal `json:"size"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	PositionValue  decimal.Decimal `json:"position_value"`
	UnrealisedPnl  decimal.Decimal `json:"unrealised_pnl"`
	CurRealisedPnl decimal.Decimal `json:"cur_realised_pnl"`
	ROI            decimal.Decimal `json:"roi"`
	Leverage       decimal.Decimal `json:"leverage"`
	UpdatedAt      int64           `json:"updated_time"`
}
