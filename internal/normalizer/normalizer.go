// Package normalizer maps raw exchange records, whose field shapes
// vary per venue, into the canonical domain representation. One
// implementation exists per exchange, selected by the exchange name.
package normalizer

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

var decHundred = decimal.NewFromInt(100)

// ForExchange returns the normalizer for the given exchange.
func ForExchange(ex domain.Exchange) (ports.Normalizer, error) {
	switch ex {
	case domain.ExchangeBybit:
		return &Bybit{}, nil
	case domain.ExchangeBinance:
		return &Binance{}, nil
	case domain.ExchangeHyperliquid:
		return &Hyperliquid{}, nil
	default:
		return nil, fmt.Errorf("no normalizer for exchange %q: %w", ex, ports.ErrUnsupportedExchange)
	}
}

// --- Coercion helpers ---
//
// Exchange APIs deliver numerics inconsistently: Bybit encodes them as
// strings, Binance SDK records arrive as strings or numbers, decoded
// JSON produces float64. Absent or null numeric fields coerce to zero;
// absent identity fields are the caller's problem (ErrMalformedRecord).

// str returns the string value of a field, "" when absent or null.
func str(raw ports.RawRecord, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// dec returns the decimal value of a field, zero when absent, null or
// unparseable.
func dec(raw ports.RawRecord, key string) decimal.Decimal {
	s := str(raw, key)
	if s == "" || s == "-" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// msInt returns an epoch-millisecond field as int64, zero when absent.
func msInt(raw ports.RawRecord, key string) int64 {
	s := str(raw, key)
	if s == "" {
		return 0
	}
	// Some venues report fractional milliseconds.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// requireIdentity fails with ErrMalformedRecord when a required
// identity field is empty.
func requireIdentity(field, value string) error {
	if value == "" {
		return fmt.Errorf("missing %s: %w", field, ports.ErrMalformedRecord)
	}
	return nil
}

// deriveTradeRoi computes ROI when the source record omits it:
// pnl over the entry notional, as a percentage. Zero notional yields
// zero ROI rather than a division error.
func deriveTradeRoi(pnl, entryPrice, qty decimal.Decimal) decimal.Decimal {
	investment := entryPrice.Mul(qty.Abs())
	if investment.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(investment).Mul(decHundred)
}

// derivePositionRoi computes open-position ROI as unrealised PnL over
// the position's notional value, as a percentage.
func derivePositionRoi(unrealised, positionValue decimal.Decimal) decimal.Decimal {
	if positionValue.IsZero() {
		return decimal.Zero
	}
	return unrealised.Div(positionValue).Mul(decHundred)
}
