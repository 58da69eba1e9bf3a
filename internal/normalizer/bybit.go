package normalizer

import (
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

// Bybit normalizes records from the Bybit V5 API: closed-PnL entries
// for completed trades and position-list entries for open positions.
// All numeric fields arrive as strings.
type Bybit struct{}

// Trade maps a /v5/position/closed-pnl record.
func (Bybit) Trade(raw ports.RawRecord) (domain.Trade, error) {
	id := str(raw, "orderId")
	symbol := str(raw, "symbol")
	side := str(raw, "side")
	if err := requireIdentity("orderId", id); err != nil {
		return domain.Trade{}, err
	}
	if err := requireIdentity("symbol", symbol); err != nil {
		return domain.Trade{}, err
	}
	if err := requireIdentity("side", side); err != nil {
		return domain.Trade{}, err
	}

	pnl := dec(raw, "closedPnl")
	entry := dec(raw, "avgEntryPrice")
	qty := dec(raw, "qty")
	updated := msInt(raw, "updatedTime")

	t := domain.Trade{
		ID:            id,
		Symbol:        symbol,
		Side:          domain.TradeSide(side),
		Qty:           qty,
		ClosedPnl:     pnl,
		AvgEntryPrice: entry,
		AvgExitPrice:  dec(raw, "avgExitPrice"),
		CreatedAt:     updated / 1000,
		UpdatedAt:     updated,
	}

	// Bybit closed-pnl records do not report ROI; derive it once here.
	t.ROI = deriveTradeRoi(pnl, entry, qty)
	return t, nil
}

// Position maps a /v5/position/list record. Bybit reports position
// direction as the order side: Buy is long, Sell is short.
func (Bybit) Position(raw ports.RawRecord) (domain.Position, error) {
	symbol := str(raw, "symbol")
	side := str(raw, "side")
	if err := requireIdentity("symbol", symbol); err != nil {
		return domain.Position{}, err
	}
	if err := requireIdentity("side", side); err != nil {
		return domain.Position{}, err
	}

	direction := domain.Long
	if side == "Sell" {
		direction = domain.Short
	}

	size := dec(raw, "size")
	mark := dec(raw, "markPrice")
	value := dec(raw, "positionValue")
	if value.IsZero() {
		value = size.Abs().Mul(mark)
	}
	unrealised := dec(raw, "unrealisedPnl")

	return domain.Position{
		Symbol:         symbol,
		Side:           direction,
		Size:           size,
		AvgPrice:       dec(raw, "avgPrice"),
		MarkPrice:      mark,
		PositionValue:  value,
		UnrealisedPnl:  unrealised,
		CurRealisedPnl: dec(raw, "curRealisedPnl"),
		ROI:            derivePositionRoi(unrealised, value),
		Leverage:       dec(raw, "leverage"),
		UpdatedAt:      msInt(raw, "updatedTime"),
	}, nil
}
