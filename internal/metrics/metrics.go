// Package metrics computes derived financial statistics over a list of
// normalized completed trades. All functions are pure: they never
// mutate their input and have no dependency on fetch or cache state,
// so callers re-invoke them whenever the trade list or filters change.
package metrics

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
)

// Business-rule constants tuned empirically in production. Confirm with
// stakeholders before altering; downstream charts depend on the exact
// values.
const (
	// ROIDeadbandPct is the ±1% ROI band inside which a trade counts as
	// a draw (breakeven noise) rather than a win or loss. Classification
	// is by ROI, never re-derived from PnL sign.
	ROIDeadbandPct = 1.0

	// SmallTradePnlThreshold is the |closedPnl| floor below which a
	// trade is hidden by the optional small-trade display filter.
	SmallTradePnlThreshold = 0.1

	// DefaultTopPerformerLimit bounds the top-performers ranking.
	DefaultTopPerformerLimit = 5
)

// Distribution holds win/draw/loss counts and their percentages of the
// total trade count, each percentage rounded to 2 decimals.
type Distribution struct {
	Wins   int `json:"wins"`
	Draws  int `json:"draws"`
	Losses int `json:"losses"`

	WinPct  decimal.Decimal `json:"win_pct"`
	DrawPct decimal.Decimal `json:"draw_pct"`
	LossPct decimal.Decimal `json:"loss_pct"`
}

// SeriesPoint is one point of the cumulative PnL series.
type SeriesPoint struct {
	// Timestamp is the trade's close time in epoch seconds.
	Timestamp int64 `json:"timestamp"`
	// CumulativePnl is the running PnL sum up to and including this trade.
	CumulativePnl decimal.Decimal `json:"cumulative_pnl"`
}

// SymbolPnl is one entry of the top-performers ranking.
type SymbolPnl struct {
	Symbol   string          `json:"symbol"`
	TotalPnl decimal.Decimal `json:"total_pnl"`
}

// TotalPnl returns the decimal-safe sum of closed PnL across trades.
// Trades normalized from records without a PnL carry zero and sum as zero.
func TotalPnl(trades []domain.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.ClosedPnl)
	}
	return total
}

// AverageRoi returns the mean ROI percentage, zero for an empty list.
func AverageRoi(trades []domain.Trade) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.ROI)
	}
	return sum.Div(decimal.NewFromInt(int64(len(trades))))
}

// Classify classifies trades by ROI against the deadband:
// |roi| < ROIDeadbandPct is a draw, roi >= ROIDeadbandPct a win,
// everything else a loss. Percentages are computed against the total
// count and rounded to 2 decimals; an empty list yields all zeros.
func Classify(trades []domain.Trade) Distribution {
	var d Distribution
	deadband := decimal.NewFromFloat(ROIDeadbandPct)
	for _, t := range trades {
		switch {
		case t.ROI.Abs().LessThan(deadband):
			d.Draws++
		case t.ROI.GreaterThanOrEqual(deadband):
			d.Wins++
		default:
			d.Losses++
		}
	}

	total := len(trades)
	if total == 0 {
		d.WinPct, d.DrawPct, d.LossPct = decimal.Zero, decimal.Zero, decimal.Zero
		return d
	}
	d.WinPct = pct(d.Wins, total)
	d.DrawPct = pct(d.Draws, total)
	d.LossPct = pct(d.Losses, total)
	return d
}

func pct(count, total int) decimal.Decimal {
	return decimal.NewFromInt(int64(count)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
}

// CumulativeSeries produces the running PnL sum ordered by ascending
// close time, one point per trade. There is no time-bucketing: axis
// granularity is a chart concern, not an aggregation concern.
func CumulativeSeries(trades []domain.Trade) []SeriesPoint {
	sorted := make([]domain.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt < sorted[j].CreatedAt
	})

	points := make([]SeriesPoint, 0, len(sorted))
	running := decimal.Zero
	for _, t := range sorted {
		running = running.Add(t.ClosedPnl)
		points = append(points, SeriesPoint{Timestamp: t.CreatedAt, CumulativePnl: running})
	}
	return points
}

// TopPerformers groups trades by symbol, sums closed PnL per symbol,
// keeps only symbols with a strictly positive total, and returns at
// most limit entries sorted by total descending. An empty result means
// "no data": either no trades, or no symbol netted positive.
func TopPerformers(trades []domain.Trade, limit int) []SymbolPnl {
	if limit <= 0 {
		limit = DefaultTopPerformerLimit
	}

	totals := make(map[string]decimal.Decimal)
	order := make([]string, 0)
	for _, t := range trades {
		if _, seen := totals[t.Symbol]; !seen {
			order = append(order, t.Symbol)
		}
		totals[t.Symbol] = totals[t.Symbol].Add(t.ClosedPnl)
	}

	ranked := make([]SymbolPnl, 0, len(totals))
	for _, sym := range order {
		if totals[sym].IsPositive() {
			ranked = append(ranked, SymbolPnl{Symbol: sym, TotalPnl: totals[sym]})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].TotalPnl.GreaterThan(ranked[j].TotalPnl)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// FilterSmallTrades keeps trades with |closedPnl| >= threshold. It is a
// display-time filter only and must never be applied before caching:
// the cache stores the unfiltered truth.
func FilterSmallTrades(trades []domain.Trade, threshold decimal.Decimal) []domain.Trade {
	kept := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.ClosedPnl.Abs().GreaterThanOrEqual(threshold) {
			kept = append(kept, t)
		}
	}
	return kept
}
