package normalizer

import (
	"strings"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

// Binance normalizes USD-M futures records: account-trade fills for
// completed trades and position-risk entries for open positions.
type Binance struct{}

// Trade maps a futures account-trade record. Binance reports side as
// upper-case BUY/SELL; the canonical form follows Bybit's casing.
func (Binance) Trade(raw ports.RawRecord) (domain.Trade, error) {
	id := str(raw, "id")
	symbol := str(raw, "symbol")
	side := str(raw, "side")
	if err := requireIdentity("id", id); err != nil {
		return domain.Trade{}, err
	}
	if err := requireIdentity("symbol", symbol); err != nil {
		return domain.Trade{}, err
	}
	if err := requireIdentity("side", side); err != nil {
		return domain.Trade{}, err
	}

	canonicalSide := domain.Buy
	if strings.EqualFold(side, "SELL") {
		canonicalSide = domain.Sell
	}

	pnl := dec(raw, "realizedPnl")
	price := dec(raw, "price")
	qty := dec(raw, "qty")
	updated := msInt(raw, "time")

	t := domain.Trade{
		ID:            id,
		Symbol:        symbol,
		Side:          canonicalSide,
		Qty:           qty,
		ClosedPnl:     pnl,
		AvgEntryPrice: price,
		AvgExitPrice:  price,
		CreatedAt:     updated / 1000,
		UpdatedAt:     updated,
	}
	t.ROI = deriveTradeRoi(pnl, price, qty)
	return t, nil
}

// Position maps a futures position-risk record. The sign of positionAmt
// carries the direction; Binance has no separate side field here.
func (Binance) Position(raw ports.RawRecord) (domain.Position, error) {
	symbol := str(raw, "symbol")
	if err := requireIdentity("symbol", symbol); err != nil {
		return domain.Position{}, err
	}

	amt := dec(raw, "positionAmt")
	direction := domain.Long
	if amt.IsNegative() {
		direction = domain.Short
	}

	mark := dec(raw, "markPrice")
	value := amt.Abs().Mul(mark)
	unrealised := dec(raw, "unRealizedProfit")

	return domain.Position{
		Symbol:        symbol,
		Side:          direction,
		Size:          amt.Abs(),
		AvgPrice:      dec(raw, "entryPrice"),
		MarkPrice:     mark,
		PositionValue: value,
		UnrealisedPnl: unrealised,
		ROI:           derivePositionRoi(unrealised, value),
		Leverage:      dec(raw, "leverage"),
		UpdatedAt:     msInt(raw, "updateTime"),
	}, nil
}
