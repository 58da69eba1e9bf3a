package domain

// Exchange identifies which venue a trade or position originated from.
type Exchange string

const (
	ExchangeBybit       Exchange = "bybit"
	ExchangeBinance     Exchange = "binance"
	ExchangeHyperliquid Exchange = "hyperliquid"
)

// IsValid reports whether the exchange is one of the supported venues.
func (e Exchange) IsValid() bool {
	switch e {
	case ExchangeBybit, ExchangeBinance, ExchangeHyperliquid:
		return true
	}
	return false
}

// TradeSide represents the closing side of a completed trade.
// Bybit convention: closing a long shows as Sell, closing a short as Buy.
type TradeSide string

const (
	Buy  TradeSide = "Buy"
	Sell TradeSide = "Sell"
)

// PositionSide represents the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)
