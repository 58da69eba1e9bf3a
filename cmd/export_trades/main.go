package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/alexeyismirnov/bybit-trade-analyzer/config"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/binanceclient"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/bybitclient"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/hyperliquidclient"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/logger"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/sqlite"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/app"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/normalizer"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/utils"
)

// export_trades fetches completed trades for one exchange scope and
// writes them to a CSV file, sharing the cache with the dashboard.
func main() {
	exchangeFlag := flag.String("exchange", "bybit", "exchange to export (bybit, binance, hyperliquid)")
	daysFlag := flag.Int("days", 30, "trailing day window")
	symbolFlag := flag.String("symbol", "", "optional symbol filter")
	outFlag := flag.String("out", "", "output file (default <exchange>_trades_<days>d.csv)")
	refreshFlag := flag.Bool("refresh", false, "bypass the cache and refetch")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()

	store, err := sqlite.NewStore(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trade cache store: %v", err)
	}
	defer store.Close()

	ex := domain.Exchange(*exchangeFlag)
	var client ports.ExchangeClient
	switch ex {
	case domain.ExchangeBybit:
		client, err = bybitclient.New(bybitclient.Config{
			APIKey: cfg.BybitAPIKey, SecretKey: cfg.BybitAPISecret,
			UseTestnet: cfg.BybitTestnet, Logger: appLogger,
		})
	case domain.ExchangeBinance:
		client, err = binanceclient.New(binanceclient.Config{
			APIKey: cfg.BinanceAPIKey, SecretKey: cfg.BinanceAPISecret,
			UseTestnet: cfg.BinanceTestnet, Symbols: cfg.BinanceSymbols, Logger: appLogger,
		})
	case domain.ExchangeHyperliquid:
		client, err = hyperliquidclient.New(hyperliquidclient.Config{
			WalletAddress: cfg.HyperliquidWalletAddress, Logger: appLogger,
		})
	default:
		log.Fatalf("FATAL: Unsupported exchange %q", *exchangeFlag)
	}
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize %s client: %v", ex, err)
	}

	norm, err := normalizer.ForExchange(ex)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	service, err := app.NewTradeDataService(app.Config{
		Logger:         appLogger,
		Cache:          store,
		Exchanges:      []ports.ExchangeClient{client},
		Normalizers:    map[domain.Exchange]ports.Normalizer{ex: norm},
		Freshness:      cfg.CacheFreshness,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trade data service: %v", err)
	}

	result, err := service.GetCompletedTrades(ctx, app.TradesRequest{
		Exchange:     ex,
		Symbol:       *symbolFlag,
		Days:         *daysFlag,
		ForceRefresh: *refreshFlag,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to fetch completed trades: %v", err)
	}
	appLogger.Info(ctx, "Fetched completed trades", map[string]interface{}{
		"exchange": ex, "days": *daysFlag, "trades": len(result.Trades),
		"fromCache": result.FromCache, "dropped": result.Dropped,
	})

	filename := *outFlag
	if filename == "" {
		filename = fmt.Sprintf("%s_trades_%dd_%s.csv", ex, *daysFlag, time.Now().Format("20060102"))
	}
	if err := utils.WriteTradesCSVFile(result.Trades, filename); err != nil {
		log.Fatalf("FATAL: Failed to write CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved export", map[string]interface{}{"filename": filename})
}
