package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/app"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/normalizer"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type stubExchange struct {
	records   []ports.RawRecord
	fetchErr  error
	positions []ports.RawRecord
	balance   decimal.Decimal
	closeErr  error
}

func (s *stubExchange) Exchange() domain.Exchange { return domain.ExchangeBybit }
func (s *stubExchange) AccountID() string         { return "acct" }

func (s *stubExchange) FetchTradesPage(ctx context.Context, fromMs, toMs int64, cursor string) (*ports.TradesPage, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return &ports.TradesPage{Records: s.records}, nil
}

func (s *stubExchange) FetchOpenPositions(ctx context.Context) ([]ports.RawRecord, error) {
	return s.positions, nil
}

func (s *stubExchange) FetchWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	return s.balance, nil
}

func (s *stubExchange) ClosePosition(ctx context.Context, pos domain.Position) error {
	return s.closeErr
}

type stubCache struct {
	available bool
	removed   int64
}

func (s *stubCache) Get(ctx context.Context, key domain.ScopeKey) (*domain.CacheEntry, error) {
	return nil, nil
}
func (s *stubCache) Put(ctx context.Context, key domain.ScopeKey, trades []domain.Trade) error {
	return nil
}
func (s *stubCache) Erase(ctx context.Context) (int64, error) { return s.removed, nil }
func (s *stubCache) IsAvailable(ctx context.Context) bool     { return s.available }

func newTestHandler(t *testing.T, exchange *stubExchange, cache *stubCache) http.Handler {
	t.Helper()
	norm, err := normalizer.ForExchange(domain.ExchangeBybit)
	require.NoError(t, err)
	service, err := app.NewTradeDataService(app.Config{
		Logger:         noopLogger{},
		Cache:          cache,
		Exchanges:      []ports.ExchangeClient{exchange},
		Normalizers:    map[domain.Exchange]ports.Normalizer{domain.ExchangeBybit: norm},
		Freshness:      5 * time.Minute,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	server, err := NewServer(service, noopLogger{})
	require.NoError(t, err)
	return server.Routes()
}

func doRequest(t *testing.T, handler http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), "body: %s", rec.Body.String())
	return rec, payload
}

func TestTradesEndpoint(t *testing.T) {
	exchange := &stubExchange{records: []ports.RawRecord{{
		"orderId":       "t1",
		"symbol":        "BTCUSDT",
		"side":          "Buy",
		"qty":           "1",
		"closedPnl":     "10",
		"avgEntryPrice": "50000",
		"updatedTime":   fmt.Sprintf("%d", time.Now().UnixMilli()),
	}}}
	handler := newTestHandler(t, exchange, &stubCache{available: true})

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/trades?exchange=bybit&days=30", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "bybit", payload["exchange"])
	assert.Equal(t, false, payload["from_cache"])
	assert.NotEmpty(t, payload["cached_at"])

	trades, ok := payload["trades"].([]interface{})
	require.True(t, ok)
	require.Len(t, trades, 1)
	first := trades[0].(map[string]interface{})
	assert.Equal(t, "BTCUSDT", first["symbol"])
	assert.Equal(t, "t1", first["id"])
}

func TestTradesExportEndpoint(t *testing.T) {
	exchange := &stubExchange{records: []ports.RawRecord{{
		"orderId":       "t1",
		"symbol":        "BTCUSDT",
		"side":          "Buy",
		"qty":           "1",
		"closedPnl":     "10",
		"avgEntryPrice": "50000",
		"updatedTime":   fmt.Sprintf("%d", time.Now().UnixMilli()),
	}}}
	handler := newTestHandler(t, exchange, &stubCache{available: true})

	req := httptest.NewRequest(http.MethodGet, "/api/trades/export?exchange=bybit&days=7", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "bybit_trades_7d.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "closed_pnl")
	assert.Contains(t, lines[1], "BTCUSDT")
}

func TestMetricsEndpoint(t *testing.T) {
	nowMs := fmt.Sprintf("%d", time.Now().UnixMilli())
	exchange := &stubExchange{records: []ports.RawRecord{
		{"orderId": "t1", "symbol": "BTCUSDT", "side": "Buy", "qty": "1", "closedPnl": "1000", "avgEntryPrice": "50000", "updatedTime": nowMs},
		{"orderId": "t2", "symbol": "ETHUSDT", "side": "Sell", "qty": "1", "closedPnl": "-30", "avgEntryPrice": "3000", "updatedTime": nowMs},
	}}
	handler := newTestHandler(t, exchange, &stubCache{available: true})

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/metrics?exchange=bybit&days=30", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, float64(2), payload["trade_count"])
	assert.Equal(t, "970", fmt.Sprintf("%v", payload["total_pnl"]))

	dist, ok := payload["distribution"].(map[string]interface{})
	require.True(t, ok)
	// t1 roi = 2%, t2 roi = -1%
	assert.Equal(t, float64(1), dist["wins"])
	assert.Equal(t, float64(1), dist["losses"])

	performers, ok := payload["top_performers"].([]interface{})
	require.True(t, ok)
	require.Len(t, performers, 1)
	assert.Equal(t, "BTCUSDT", performers[0].(map[string]interface{})["symbol"])
}

func TestTradesEndpointRejectsBadDays(t *testing.T) {
	handler := newTestHandler(t, &stubExchange{}, &stubCache{available: true})

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/trades?days=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, payload["success"])
	assert.NotEmpty(t, payload["error"])
}

func TestTradesEndpointUnknownExchange(t *testing.T) {
	handler := newTestHandler(t, &stubExchange{}, &stubCache{available: true})

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/trades?exchange=kraken", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, payload["success"])
}

func TestTradesEndpointMapsTransientToBadGateway(t *testing.T) {
	exchange := &stubExchange{fetchErr: fmt.Errorf("down: %w", ports.ErrExchangeUnavailable)}
	handler := newTestHandler(t, exchange, &stubCache{available: true})

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/trades", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, false, payload["success"])
}

func TestTradesEndpointMapsAuthToUnauthorized(t *testing.T) {
	exchange := &stubExchange{fetchErr: fmt.Errorf("bad key: %w", ports.ErrInvalidAPIKeys)}
	handler := newTestHandler(t, exchange, &stubCache{available: true})

	rec, _ := doRequest(t, handler, http.MethodGet, "/api/trades", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpenTradesEndpoint(t *testing.T) {
	exchange := &stubExchange{positions: []ports.RawRecord{{
		"symbol": "BTCUSDT", "side": "Buy", "size": "1", "markPrice": "60000", "unrealisedPnl": "50",
	}}}
	handler := newTestHandler(t, exchange, &stubCache{available: true})

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/open-trades?exchange=bybit", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["success"])

	positions, ok := payload["open_trades"].([]interface{})
	require.True(t, ok)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].(map[string]interface{})["symbol"])
}

func TestCloseTradeEndpoint(t *testing.T) {
	handler := newTestHandler(t, &stubExchange{}, &stubCache{available: true})

	t.Run("closes a position", func(t *testing.T) {
		body := `{"exchange":"bybit","trade_data":{"symbol":"BTCUSDT","side":"long","size":"1"}}`
		rec, payload := doRequest(t, handler, http.MethodPost, "/api/close-trade", body)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, payload["success"])
		assert.Equal(t, "Trade closed successfully", payload["message"])
	})

	t.Run("rejects missing trade data", func(t *testing.T) {
		rec, payload := doRequest(t, handler, http.MethodPost, "/api/close-trade", `{"exchange":"bybit"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, false, payload["success"])
	})

	t.Run("rejects unknown exchange", func(t *testing.T) {
		body := `{"exchange":"kraken","trade_data":{"symbol":"BTCUSDT"}}`
		rec, _ := doRequest(t, handler, http.MethodPost, "/api/close-trade", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWalletBalanceEndpoint(t *testing.T) {
	exchange := &stubExchange{balance: decimal.NewFromFloat(1234.56)}
	handler := newTestHandler(t, exchange, &stubCache{available: true})

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/wallet-balance?exchange=bybit", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "1234.56", fmt.Sprintf("%v", payload["wallet_balance"]))
}

func TestEraseCacheEndpoint(t *testing.T) {
	handler := newTestHandler(t, &stubExchange{}, &stubCache{available: true, removed: 3})

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/erase-cache", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, float64(3), payload["removed"])
}

func TestEraseCacheEndpointUnavailableStore(t *testing.T) {
	handler := newTestHandler(t, &stubExchange{}, &stubCache{available: false})

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/erase-cache", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, false, payload["success"])
}

func TestCacheStatusEndpoint(t *testing.T) {
	t.Run("available", func(t *testing.T) {
		handler := newTestHandler(t, &stubExchange{}, &stubCache{available: true})
		rec, payload := doRequest(t, handler, http.MethodGet, "/api/cache-status", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, payload["available"])
	})

	t.Run("unavailable", func(t *testing.T) {
		handler := newTestHandler(t, &stubExchange{}, &stubCache{available: false})
		rec, payload := doRequest(t, handler, http.MethodGet, "/api/cache-status", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, payload["available"])
	})
}
