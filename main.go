package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexeyismirnov/bybit-trade-analyzer/config"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/binanceclient"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/bybitclient"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/hyperliquidclient"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/logger"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/adapters/sqlite"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/app"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/httpapi"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/normalizer"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Trade Cache (SQLite Adapter)
	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade cache store")
		log.Fatalf("FATAL: Failed to initialize trade cache store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing trade cache store")
		}
	}()
	appLogger.Info(ctx, "Trade cache store initialized")

	// 4. Initialize Exchange Clients (configured ones only)
	var clients []ports.ExchangeClient

	if cfg.BybitEnabled() {
		bybitClient, err := bybitclient.New(bybitclient.Config{
			APIKey:     cfg.BybitAPIKey,
			SecretKey:  cfg.BybitAPISecret,
			UseTestnet: cfg.BybitTestnet,
			Logger:     appLogger,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize Bybit client")
			log.Fatalf("FATAL: Failed to initialize Bybit client: %v", err)
		}
		clients = append(clients, bybitClient)
		appLogger.Info(ctx, "Bybit client initialized")
	}

	if cfg.BinanceEnabled() {
		binanceClient, err := binanceclient.New(binanceclient.Config{
			APIKey:     cfg.BinanceAPIKey,
			SecretKey:  cfg.BinanceAPISecret,
			UseTestnet: cfg.BinanceTestnet,
			Symbols:    cfg.BinanceSymbols,
			Logger:     appLogger,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
			log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
		}
		clients = append(clients, binanceClient)
		appLogger.Info(ctx, "Binance client initialized")
	}

	if cfg.HyperliquidEnabled() {
		hlClient, err := hyperliquidclient.New(hyperliquidclient.Config{
			WalletAddress: cfg.HyperliquidWalletAddress,
			Logger:        appLogger,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize Hyperliquid client")
			log.Fatalf("FATAL: Failed to initialize Hyperliquid client: %v", err)
		}
		clients = append(clients, hlClient)
		appLogger.Info(ctx, "Hyperliquid client initialized")
	}

	// 5. Initialize Normalizers for the configured exchanges
	normalizers := make(map[domain.Exchange]ports.Normalizer, len(clients))
	for _, client := range clients {
		norm, err := normalizer.ForExchange(client.Exchange())
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize normalizer")
			log.Fatalf("FATAL: Failed to initialize normalizer: %v", err)
		}
		normalizers[client.Exchange()] = norm
	}

	// 6. Initialize Application Service
	service, err := app.NewTradeDataService(app.Config{
		Logger:         appLogger,
		Cache:          store,
		Exchanges:      clients,
		Normalizers:    normalizers,
		Freshness:      cfg.CacheFreshness,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade data service")
		log.Fatalf("FATAL: Failed to initialize trade data service: %v", err)
	}
	appLogger.Info(ctx, "Trade data service initialized")

	// 7. Start the HTTP API
	api, err := httpapi.NewServer(service, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize HTTP API")
		log.Fatalf("FATAL: Failed to initialize HTTP API: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info(ctx, "HTTP API listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		appLogger.Info(ctx, "Shutdown signal received", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		appLogger.Error(ctx, err, "HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(ctx, err, "HTTP server shutdown failed")
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
