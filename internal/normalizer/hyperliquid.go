package normalizer

import (
	"strings"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

// Hyperliquid normalizes records from the Hyperliquid info API:
// closing user fills for completed trades and clearinghouse asset
// positions for open positions. The client only forwards fills whose
// direction closes a position, so each record carries its own closedPnl.
type Hyperliquid struct{}

// Trade maps a userFills record. Side follows the Bybit convention:
// closing a long is a Sell, closing a short is a Buy. Fees are
// subtracted from the exchange-reported closed PnL so the stored PnL
// is net, matching how the dashboard has always displayed it.
func (Hyperliquid) Trade(raw ports.RawRecord) (domain.Trade, error) {
	id := str(raw, "tid")
	if id == "" {
		id = str(raw, "hash")
	}
	symbol := str(raw, "coin")
	dir := str(raw, "dir")
	if err := requireIdentity("tid", id); err != nil {
		return domain.Trade{}, err
	}
	if err := requireIdentity("coin", symbol); err != nil {
		return domain.Trade{}, err
	}
	if err := requireIdentity("dir", dir); err != nil {
		return domain.Trade{}, err
	}

	side := domain.Sell // Close Long
	if strings.Contains(dir, "Short") {
		side = domain.Buy
	}

	pnl := dec(raw, "closedPnl").Sub(dec(raw, "fee"))
	px := dec(raw, "px")
	sz := dec(raw, "sz")
	updated := msInt(raw, "time")

	t := domain.Trade{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		Qty:          sz,
		ClosedPnl:    pnl,
		AvgExitPrice: px,
		CreatedAt:    updated / 1000,
		UpdatedAt:    updated,
	}
	// Fills carry no entry price; the exit notional is the closest
	// available investment base for the derived ROI.
	t.ROI = deriveTradeRoi(pnl, px, sz)
	return t, nil
}

// Position maps a flattened clearinghouseState asset position. The sign
// of szi carries the direction; returnOnEquity is reported as a ratio.
func (Hyperliquid) Position(raw ports.RawRecord) (domain.Position, error) {
	symbol := str(raw, "coin")
	if err := requireIdentity("coin", symbol); err != nil {
		return domain.Position{}, err
	}

	szi := dec(raw, "szi")
	direction := domain.Long
	if szi.IsNegative() {
		direction = domain.Short
	}

	value := dec(raw, "positionValue")
	unrealised := dec(raw, "unrealizedPnl")

	roi := dec(raw, "returnOnEquity").Mul(decHundred)
	if roi.IsZero() {
		roi = derivePositionRoi(unrealised, value)
	}

	return domain.Position{
		Symbol:        symbol,
		Side:          direction,
		Size:          szi.Abs(),
		AvgPrice:      dec(raw, "entryPx"),
		PositionValue: value,
		UnrealisedPnl: unrealised,
		ROI:           roi,
		Leverage:      dec(raw, "leverage"),
		UpdatedAt:     msInt(raw, "time"),
	}, nil
}
