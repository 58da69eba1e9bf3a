package utils

import (
	"encoding/csv"
	"io"
	"os"
	"time"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
)

// WriteTradesCSV renders completed trades as CSV in the order given,
// one row per trade, decimals in plain string form.
func WriteTradesCSV(w io.Writer, trades []domain.Trade) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"id", "symbol", "side", "qty", "closed_pnl", "roi", "entry_price", "exit_price", "closed_at"})

	for _, t := range trades {
		writer.Write([]string{
			t.ID,
			t.Symbol,
			string(t.Side),
			t.Qty.String(),
			t.ClosedPnl.String(),
			t.ROI.String(),
			t.AvgEntryPrice.String(),
			t.AvgExitPrice.String(),
			time.Unix(t.CreatedAt, 0).UTC().Format(time.RFC3339),
		})
	}
	return writer.Error()
}

// WriteTradesCSVFile writes the trades to a file, creating it if needed.
func WriteTradesCSVFile(trades []domain.Trade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return WriteTradesCSV(file, trades)
}
