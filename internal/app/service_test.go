package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/normalizer"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

// Mock implementations

type mockLogger struct{}

func (mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockExchange struct {
	exchange  domain.Exchange
	accountID string

	// pages maps a request cursor to the returned page.
	pages      map[string]*ports.TradesPage
	fetchErr   error
	fetchCalls int

	positions    []ports.RawRecord
	positionsErr error

	balance  decimal.Decimal
	closeErr error
}

func (m *mockExchange) Exchange() domain.Exchange { return m.exchange }
func (m *mockExchange) AccountID() string         { return m.accountID }

func (m *mockExchange) FetchTradesPage(ctx context.Context, fromMs, toMs int64, cursor string) (*ports.TradesPage, error) {
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	page, ok := m.pages[cursor]
	if !ok {
		return &ports.TradesPage{}, nil
	}
	return page, nil
}

func (m *mockExchange) FetchOpenPositions(ctx context.Context) ([]ports.RawRecord, error) {
	return m.positions, m.positionsErr
}

func (m *mockExchange) FetchWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	return m.balance, nil
}

func (m *mockExchange) ClosePosition(ctx context.Context, pos domain.Position) error {
	return m.closeErr
}

// mockCache is a working in-memory TradeCache with failure injection.
type mockCache struct {
	entries   map[domain.ScopeKey]*domain.CacheEntry
	available bool
	getErr    error
	putErr    error
	putCalls  int
	eraseN    int64
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[domain.ScopeKey]*domain.CacheEntry), available: true}
}

func (m *mockCache) Get(ctx context.Context, key domain.ScopeKey) (*domain.CacheEntry, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	// Return a copy so callers cannot mutate the stored entry.
	trades := make([]domain.Trade, len(entry.Trades))
	copy(trades, entry.Trades)
	return &domain.CacheEntry{Key: entry.Key, Trades: trades, CachedAt: entry.CachedAt}, nil
}

func (m *mockCache) Put(ctx context.Context, key domain.ScopeKey, trades []domain.Trade) error {
	m.putCalls++
	if m.putErr != nil {
		return m.putErr
	}
	entry, ok := m.entries[key]
	if !ok {
		entry = &domain.CacheEntry{Key: key}
		m.entries[key] = entry
	}
	seen := make(map[string]struct{}, len(entry.Trades))
	for _, t := range entry.Trades {
		seen[t.ID] = struct{}{}
	}
	for _, t := range trades {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		entry.Trades = append(entry.Trades, t)
	}
	entry.CachedAt = time.Now().UTC()
	return nil
}

func (m *mockCache) Erase(ctx context.Context) (int64, error) {
	m.entries = make(map[domain.ScopeKey]*domain.CacheEntry)
	return m.eraseN, nil
}

func (m *mockCache) IsAvailable(ctx context.Context) bool { return m.available }

// Helpers

func bybitRaw(id string, pnl string) ports.RawRecord {
	return ports.RawRecord{
		"orderId":       id,
		"symbol":        "BTCUSDT",
		"side":          "Buy",
		"qty":           "1",
		"closedPnl":     pnl,
		"avgEntryPrice": "50000",
		"updatedTime":   fmt.Sprintf("%d", time.Now().UnixMilli()),
	}
}

func newTestService(t *testing.T, exchange *mockExchange, cache *mockCache) *TradeDataService {
	t.Helper()
	norm, err := normalizer.ForExchange(exchange.exchange)
	require.NoError(t, err)
	svc, err := NewTradeDataService(Config{
		Logger:         mockLogger{},
		Cache:          cache,
		Exchanges:      []ports.ExchangeClient{exchange},
		Normalizers:    map[domain.Exchange]ports.Normalizer{exchange.exchange: norm},
		Freshness:      5 * time.Minute,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return svc
}

func newBybitMock(pages map[string]*ports.TradesPage) *mockExchange {
	return &mockExchange{
		exchange:  domain.ExchangeBybit,
		accountID: "acct",
		pages:     pages,
	}
}

// Tests

func TestGetCompletedTradesValidation(t *testing.T) {
	svc := newTestService(t, newBybitMock(nil), newMockCache())

	t.Run("days must be positive", func(t *testing.T) {
		_, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
			Exchange: domain.ExchangeBybit, Days: 0,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	})

	t.Run("unknown exchange is rejected", func(t *testing.T) {
		_, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
			Exchange: domain.Exchange("kraken"), Days: 30,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ports.ErrUnsupportedExchange)
	})
}

func TestGetCompletedTradesFetchAndCache(t *testing.T) {
	exchange := newBybitMock(map[string]*ports.TradesPage{
		"": {Records: []ports.RawRecord{bybitRaw("t1", "10"), bybitRaw("t2", "-5")}},
	})
	cache := newMockCache()
	svc := newTestService(t, exchange, cache)

	result, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30,
	})
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Len(t, result.Trades, 2)
	assert.Equal(t, 1, exchange.fetchCalls)
	assert.Equal(t, 1, cache.putCalls)
}

// Two identical calls in succession: the second must be served from cache
// with the same trade set.
func TestGetCompletedTradesIdempotence(t *testing.T) {
	exchange := newBybitMock(map[string]*ports.TradesPage{
		"": {Records: []ports.RawRecord{bybitRaw("t1", "10")}},
	})
	cache := newMockCache()
	svc := newTestService(t, exchange, cache)
	req := TradesRequest{Exchange: domain.ExchangeBybit, Days: 30}

	first, err := svc.GetCompletedTrades(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := svc.GetCompletedTrades(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, exchange.fetchCalls, "second call must not hit the exchange")

	require.Len(t, second.Trades, len(first.Trades))
	assert.Equal(t, first.Trades[0].ID, second.Trades[0].ID)
}

func TestGetCompletedTradesForceRefresh(t *testing.T) {
	exchange := newBybitMock(map[string]*ports.TradesPage{
		"": {Records: []ports.RawRecord{bybitRaw("t1", "10")}},
	})
	cache := newMockCache()
	svc := newTestService(t, exchange, cache)
	req := TradesRequest{Exchange: domain.ExchangeBybit, Days: 30}

	_, err := svc.GetCompletedTrades(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, exchange.fetchCalls)

	req.ForceRefresh = true
	result, err := svc.GetCompletedTrades(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, 2, exchange.fetchCalls, "forceRefresh must bypass a fresh cache entry")
}

// Symbol filtering happens after caching and never narrows the stored scope.
func TestSymbolFilterDoesNotMutateCache(t *testing.T) {
	exchange := newBybitMock(map[string]*ports.TradesPage{
		"": {Records: []ports.RawRecord{
			bybitRaw("t1", "10"),
			func() ports.RawRecord {
				raw := bybitRaw("t2", "3")
				raw["symbol"] = "ETHUSDT"
				return raw
			}(),
		}},
	})
	cache := newMockCache()
	svc := newTestService(t, exchange, cache)

	filtered, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30, Symbol: "BTCUSDT",
	})
	require.NoError(t, err)
	require.Len(t, filtered.Trades, 1)
	assert.Equal(t, "BTCUSDT", filtered.Trades[0].Symbol)

	unfiltered, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30,
	})
	require.NoError(t, err)
	assert.Len(t, unfiltered.Trades, 2, "cached scope must still hold all symbols")
}

func TestPaginationAccumulatesAllPages(t *testing.T) {
	exchange := newBybitMock(map[string]*ports.TradesPage{
		"":   {Records: []ports.RawRecord{bybitRaw("t1", "1")}, NextCursor: "p2"},
		"p2": {Records: []ports.RawRecord{bybitRaw("t2", "2")}, NextCursor: "p3"},
		"p3": {Records: []ports.RawRecord{bybitRaw("t3", "3")}},
	})
	cache := newMockCache()
	svc := newTestService(t, exchange, cache)

	result, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30,
	})
	require.NoError(t, err)
	assert.Len(t, result.Trades, 3)
	assert.Equal(t, 3, exchange.fetchCalls)
}

func TestMalformedRecordsAreDroppedAndCounted(t *testing.T) {
	malformed := bybitRaw("", "999")
	delete(malformed, "orderId")
	exchange := newBybitMock(map[string]*ports.TradesPage{
		"": {Records: []ports.RawRecord{bybitRaw("good", "5"), malformed}},
	})
	svc := newTestService(t, exchange, newMockCache())

	result, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30,
	})
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, "good", result.Trades[0].ID)
	assert.Equal(t, 1, result.Dropped)
}

func TestTransientErrorFallsBackToStaleCache(t *testing.T) {
	exchange := newBybitMock(nil)
	exchange.fetchErr = fmt.Errorf("bybit down: %w", ports.ErrExchangeUnavailable)

	cache := newMockCache()
	key := domain.ScopeKey{Exchange: domain.ExchangeBybit, AccountID: "acct", Days: 30}
	cache.entries[key] = &domain.CacheEntry{
		Key:      key,
		Trades:   []domain.Trade{{ID: "old", Symbol: "BTCUSDT", ClosedPnl: decimal.NewFromInt(7)}},
		CachedAt: time.Now().Add(-time.Hour), // stale, forces a refetch attempt
	}

	svc := newTestService(t, exchange, cache)
	result, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30,
	})
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.True(t, result.Degraded)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, "old", result.Trades[0].ID)
}

func TestTransientErrorWithoutCacheFails(t *testing.T) {
	exchange := newBybitMock(nil)
	exchange.fetchErr = fmt.Errorf("bybit down: %w", ports.ErrExchangeUnavailable)
	svc := newTestService(t, exchange, newMockCache())

	_, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrExchangeUnavailable)
}

// Credential failures are fatal: no stale fallback even when cached data exists.
func TestAuthErrorPropagatesWithoutFallback(t *testing.T) {
	exchange := newBybitMock(nil)
	exchange.fetchErr = fmt.Errorf("bad key: %w", ports.ErrAuthenticationFailed)

	cache := newMockCache()
	key := domain.ScopeKey{Exchange: domain.ExchangeBybit, AccountID: "acct", Days: 30}
	cache.entries[key] = &domain.CacheEntry{
		Key:      key,
		Trades:   []domain.Trade{{ID: "old"}},
		CachedAt: time.Now().Add(-time.Hour),
	}

	svc := newTestService(t, exchange, cache)
	_, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrAuthenticationFailed)
}

func TestCacheWriteFailureStillReturnsFetchedTrades(t *testing.T) {
	exchange := newBybitMock(map[string]*ports.TradesPage{
		"": {Records: []ports.RawRecord{bybitRaw("t1", "10")}},
	})
	cache := newMockCache()
	cache.putErr = fmt.Errorf("disk full: %w", ports.ErrUpdateFailed)
	svc := newTestService(t, exchange, cache)

	result, err := svc.GetCompletedTrades(context.Background(), TradesRequest{
		Exchange: domain.ExchangeBybit, Days: 30,
	})
	require.NoError(t, err)
	assert.Len(t, result.Trades, 1)
	assert.False(t, result.FromCache)
}

func TestGetOpenPositions(t *testing.T) {
	exchange := newBybitMock(nil)
	exchange.positions = []ports.RawRecord{
		{"symbol": "BTCUSDT", "side": "Buy", "size": "1", "markPrice": "60000", "unrealisedPnl": "50"},
		{"symbol": "ETHUSDT", "side": "Sell", "size": "2", "markPrice": "3000", "unrealisedPnl": "-10"},
		{"side": "Buy"}, // malformed, dropped
	}
	svc := newTestService(t, exchange, newMockCache())

	t.Run("returns all normalized positions", func(t *testing.T) {
		positions, err := svc.GetOpenPositions(context.Background(), PositionsRequest{
			Exchange: domain.ExchangeBybit,
		})
		require.NoError(t, err)
		assert.Len(t, positions, 2)
	})

	t.Run("symbol filter narrows the result", func(t *testing.T) {
		positions, err := svc.GetOpenPositions(context.Background(), PositionsRequest{
			Exchange: domain.ExchangeBybit, Symbol: "ETHUSDT",
		})
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, domain.Short, positions[0].Side)
	})
}

func TestEraseCacheGatedOnAvailability(t *testing.T) {
	exchange := newBybitMock(nil)
	cache := newMockCache()
	cache.eraseN = 4
	svc := newTestService(t, exchange, cache)

	removed, err := svc.EraseCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	cache.available = false
	_, err = svc.EraseCache(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrCacheUnavailable)
}

func TestGetWalletBalance(t *testing.T) {
	exchange := newBybitMock(nil)
	exchange.balance = decimal.NewFromFloat(1234.56)
	svc := newTestService(t, exchange, newMockCache())

	balance, err := svc.GetWalletBalance(context.Background(), domain.ExchangeBybit)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromFloat(1234.56)))

	_, err = svc.GetWalletBalance(context.Background(), domain.Exchange("kraken"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrUnsupportedExchange)
}

func TestNewTradeDataServiceValidation(t *testing.T) {
	norm, err := normalizer.ForExchange(domain.ExchangeBybit)
	require.NoError(t, err)
	valid := Config{
		Logger:         mockLogger{},
		Cache:          newMockCache(),
		Exchanges:      []ports.ExchangeClient{newBybitMock(nil)},
		Normalizers:    map[domain.Exchange]ports.Normalizer{domain.ExchangeBybit: norm},
		Freshness:      time.Minute,
		RequestTimeout: time.Second,
	}

	t.Run("valid config succeeds", func(t *testing.T) {
		svc, err := NewTradeDataService(valid)
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("missing normalizer fails", func(t *testing.T) {
		cfg := valid
		cfg.Normalizers = nil
		_, err := NewTradeDataService(cfg)
		require.Error(t, err)
	})

	t.Run("no exchanges fails", func(t *testing.T) {
		cfg := valid
		cfg.Exchanges = nil
		_, err := NewTradeDataService(cfg)
		require.Error(t, err)
	})
}

func TestScopeLockEntriesReleasedAfterFetch(t *testing.T) {
	pages := map[string]*ports.TradesPage{
		"": {Records: []ports.RawRecord{bybitRaw("t1", "10")}},
	}
	svc := newTestService(t, newBybitMock(pages), newMockCache())

	// Each distinct window is its own scope key; none should linger.
	for days := 1; days <= 5; days++ {
		_, err := svc.GetCompletedTrades(context.Background(), TradesRequest{Exchange: domain.ExchangeBybit, Days: days})
		require.NoError(t, err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Empty(t, svc.flight)
}

func TestLockScopeRefcount(t *testing.T) {
	svc := newTestService(t, newBybitMock(nil), newMockCache())
	key := domain.ScopeKey{Exchange: domain.ExchangeBybit, AccountID: "acct", Days: 30}

	release := svc.lockScope(key)
	svc.mu.Lock()
	assert.Len(t, svc.flight, 1)
	svc.mu.Unlock()

	release()
	svc.mu.Lock()
	assert.Empty(t, svc.flight)
	svc.mu.Unlock()

	// Reacquiring after release works on a fresh entry.
	release = svc.lockScope(key)
	release()
	svc.mu.Lock()
	assert.Empty(t, svc.flight)
	svc.mu.Unlock()
}
