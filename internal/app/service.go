// Package app orchestrates the trade data flow: cache-or-fetch
// decisions, sequential pagination against the exchange, normalization
// with malformed-record accounting, and cache merging.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

const (
	// maxFetchPages bounds one logical fetch. A year of Bybit history
	// walks ~53 chunk windows, so this leaves ample headroom while
	// still terminating on a misbehaving cursor.
	maxFetchPages = 200
)

// TradesRequest describes one completed-trades query.
type TradesRequest struct {
	Exchange domain.Exchange
	// Symbol optionally narrows the result to one market (exact match).
	// Filtering happens after caching and never affects what is stored.
	Symbol string
	// Days is the trailing window size; any positive integer is honored.
	Days         int
	ForceRefresh bool
}

// TradesResult is the completed-trades payload plus cache provenance.
type TradesResult struct {
	Trades    []domain.Trade
	FromCache bool
	CachedAt  time.Time
	// Degraded marks a stale cache fallback served because the
	// exchange was unreachable.
	Degraded bool
	// Dropped counts malformed raw records discarded during normalization.
	Dropped int
}

// PositionsRequest describes one open-positions query.
type PositionsRequest struct {
	Exchange domain.Exchange
	Symbol   string
}

// TradeDataService mediates between the rate-limited exchange APIs and
// the query surface. One instance is explicitly owned per dashboard
// session; there is no process-wide singleton.
type TradeDataService struct {
	logger      ports.Logger
	cache       ports.TradeCache
	exchanges   map[domain.Exchange]ports.ExchangeClient
	normalizers map[domain.Exchange]ports.Normalizer

	freshness      time.Duration
	requestTimeout time.Duration
	now            func() time.Time

	// flight serializes fetches per scope key so two concurrent cache
	// misses for the same scope trigger at most one exchange walk.
	// Entries are refcounted and dropped once the last holder releases,
	// so the map stays bounded by in-flight requests.
	mu     sync.Mutex
	flight map[domain.ScopeKey]*flightLock
}

type flightLock struct {
	mu      sync.Mutex
	holders int
}

// Config holds the service dependencies and tuning knobs.
type Config struct {
	Logger    ports.Logger
	Cache     ports.TradeCache
	Exchanges []ports.ExchangeClient
	// Normalizers must cover every configured exchange.
	Normalizers map[domain.Exchange]ports.Normalizer
	// Freshness is how long a cache entry serves without revalidation.
	Freshness time.Duration
	// RequestTimeout bounds each individual exchange call.
	RequestTimeout time.Duration
}

// NewTradeDataService creates a new service instance.
func NewTradeDataService(cfg Config) (*TradeDataService, error) {
	if cfg.Logger == nil || cfg.Cache == nil || len(cfg.Exchanges) == 0 {
		return nil, fmt.Errorf("missing required dependencies for TradeDataService")
	}
	if cfg.Freshness <= 0 {
		return nil, fmt.Errorf("freshness threshold must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}

	exchanges := make(map[domain.Exchange]ports.ExchangeClient, len(cfg.Exchanges))
	for _, client := range cfg.Exchanges {
		exchanges[client.Exchange()] = client
	}
	for ex := range exchanges {
		if _, ok := cfg.Normalizers[ex]; !ok {
			return nil, fmt.Errorf("no normalizer configured for exchange %q", ex)
		}
	}

	return &TradeDataService{
		logger:         cfg.Logger,
		cache:          cfg.Cache,
		exchanges:      exchanges,
		normalizers:    cfg.Normalizers,
		freshness:      cfg.Freshness,
		requestTimeout: cfg.RequestTimeout,
		now:            time.Now,
		flight:         make(map[domain.ScopeKey]*flightLock),
	}, nil
}

// lockScope acquires the fetch lock for one scope key and returns its
// release func. The map entry is removed when the last holder releases.
func (s *TradeDataService) lockScope(key domain.ScopeKey) func() {
	s.mu.Lock()
	lock, ok := s.flight[key]
	if !ok {
		lock = &flightLock{}
		s.flight[key] = lock
	}
	lock.holders++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.holders--
		if lock.holders == 0 {
			delete(s.flight, key)
		}
		s.mu.Unlock()
	}
}

func (s *TradeDataService) client(ex domain.Exchange) (ports.ExchangeClient, error) {
	client, ok := s.exchanges[ex]
	if !ok {
		return nil, fmt.Errorf("exchange %q: %w", ex, ports.ErrUnsupportedExchange)
	}
	return client, nil
}

// GetCompletedTrades returns the completed trades for the requested
// scope, serving a fresh cache entry when possible and otherwise
// walking the exchange's pages, normalizing, and merging into the
// cache. The optional symbol filter is applied last, after caching.
func (s *TradeDataService) GetCompletedTrades(ctx context.Context, req TradesRequest) (*TradesResult, error) {
	if req.Days <= 0 {
		return nil, fmt.Errorf("days must be a positive integer: %w", ports.ErrInvalidRequest)
	}
	client, err := s.client(req.Exchange)
	if err != nil {
		return nil, err
	}
	key := domain.ScopeKey{Exchange: req.Exchange, AccountID: client.AccountID(), Days: req.Days}

	if !req.ForceRefresh {
		if entry := s.cachedEntry(ctx, key); entry.IsFresh(s.now(), s.freshness) {
			s.logger.Debug(ctx, "Serving completed trades from cache", map[string]interface{}{
				"exchange": key.Exchange, "days": key.Days, "trades": len(entry.Trades),
			})
			return &TradesResult{
				Trades:    filterBySymbol(entry.Trades, req.Symbol),
				FromCache: true,
				CachedAt:  entry.CachedAt,
			}, nil
		}
	}

	release := s.lockScope(key)
	defer release()

	// Another request may have refreshed this scope while we waited.
	if !req.ForceRefresh {
		if entry := s.cachedEntry(ctx, key); entry.IsFresh(s.now(), s.freshness) {
			return &TradesResult{
				Trades:    filterBySymbol(entry.Trades, req.Symbol),
				FromCache: true,
				CachedAt:  entry.CachedAt,
			}, nil
		}
	}

	records, err := s.fetchAllPages(ctx, client, key)
	if err != nil {
		if ports.IsAuth(err) {
			// Credential failures are fatal and never served from cache.
			return nil, err
		}
		if stale := s.cachedEntry(ctx, key); stale != nil {
			s.logger.Warn(ctx, "Exchange fetch failed, serving stale cache", map[string]interface{}{
				"exchange": key.Exchange, "days": key.Days, "cachedAt": stale.CachedAt, "error": err.Error(),
			})
			return &TradesResult{
				Trades:    filterBySymbol(stale.Trades, req.Symbol),
				FromCache: true,
				CachedAt:  stale.CachedAt,
				Degraded:  true,
			}, nil
		}
		return nil, err
	}

	normalized, dropped := s.normalizeTrades(ctx, req.Exchange, records)

	if err := s.cache.Put(ctx, key, normalized); err != nil {
		// Cache write failures degrade silently; the fetched data is
		// still good for this response.
		s.logger.Warn(ctx, "Failed to merge trades into cache", map[string]interface{}{
			"exchange": key.Exchange, "days": key.Days, "error": err.Error(),
		})
	}

	// Read back the merged entry so the response reflects the full
	// deduplicated scope, not just this fetch.
	trades := dedupeNewestFirst(normalized)
	if merged := s.cachedEntry(ctx, key); merged != nil {
		trades = merged.Trades
	}

	return &TradesResult{
		Trades:    filterBySymbol(trades, req.Symbol),
		FromCache: false,
		CachedAt:  s.now().UTC(),
		Dropped:   dropped,
	}, nil
}

// cachedEntry reads the cache, treating store errors as misses.
func (s *TradeDataService) cachedEntry(ctx context.Context, key domain.ScopeKey) *domain.CacheEntry {
	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn(ctx, "Cache read failed, treating as miss", map[string]interface{}{
			"exchange": key.Exchange, "days": key.Days, "error": err.Error(),
		})
		return nil
	}
	return entry
}

// fetchAllPages walks the exchange's pages strictly sequentially; each
// page request depends on its predecessor's cursor.
func (s *TradeDataService) fetchAllPages(ctx context.Context, client ports.ExchangeClient, key domain.ScopeKey) ([]ports.RawRecord, error) {
	fromMs, toMs := key.Window(s.now())

	var records []ports.RawRecord
	cursor := ""
	for page := 0; page < maxFetchPages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		result, err := client.FetchTradesPage(callCtx, fromMs, toMs, cursor)
		cancel()
		if err != nil {
			return nil, err
		}

		records = append(records, result.Records...)
		if result.NextCursor == "" {
			return records, nil
		}
		cursor = result.NextCursor
	}

	s.logger.Warn(ctx, "Fetch page limit reached, returning partial window", map[string]interface{}{
		"exchange": key.Exchange, "days": key.Days, "pages": maxFetchPages, "records": len(records),
	})
	return records, nil
}

// normalizeTrades converts raw records, dropping and counting malformed
// ones. Dropped records are never silently included as zero-valued trades.
func (s *TradeDataService) normalizeTrades(ctx context.Context, ex domain.Exchange, records []ports.RawRecord) ([]domain.Trade, int) {
	norm := s.normalizers[ex]
	trades := make([]domain.Trade, 0, len(records))
	dropped := 0
	for _, raw := range records {
		t, err := norm.Trade(raw)
		if err != nil {
			dropped++
			s.logger.Warn(ctx, "Dropped malformed trade record", map[string]interface{}{
				"exchange": ex, "error": err.Error(),
			})
			continue
		}
		trades = append(trades, t)
	}
	if dropped > 0 {
		s.logger.Info(ctx, "Normalization dropped records", map[string]interface{}{
			"exchange": ex, "dropped": dropped, "kept": len(trades),
		})
	}
	return trades, dropped
}

// GetOpenPositions fetches and normalizes open positions. They are
// mutable present-tense state, so they always come live from the
// exchange and are never cached.
func (s *TradeDataService) GetOpenPositions(ctx context.Context, req PositionsRequest) ([]domain.Position, error) {
	client, err := s.client(req.Exchange)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	records, err := client.FetchOpenPositions(callCtx)
	if err != nil {
		return nil, err
	}

	norm := s.normalizers[req.Exchange]
	positions := make([]domain.Position, 0, len(records))
	for _, raw := range records {
		p, err := norm.Position(raw)
		if err != nil {
			s.logger.Warn(ctx, "Dropped malformed position record", map[string]interface{}{
				"exchange": req.Exchange, "error": err.Error(),
			})
			continue
		}
		if req.Symbol != "" && p.Symbol != req.Symbol {
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// GetWalletBalance relays the exchange's settlement-currency balance.
func (s *TradeDataService) GetWalletBalance(ctx context.Context, ex domain.Exchange) (decimal.Decimal, error) {
	client, err := s.client(ex)
	if err != nil {
		return decimal.Zero, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return client.FetchWalletBalance(callCtx)
}

// ClosePosition relays a close request to the exchange. Execution
// logic lives entirely in the exchange adapter; this is a pass-through.
func (s *TradeDataService) ClosePosition(ctx context.Context, ex domain.Exchange, pos domain.Position) error {
	client, err := s.client(ex)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return client.ClosePosition(callCtx, pos)
}

// EraseCache removes every cached trade. The operation is gated on
// store availability so a dead store fails loudly instead of reporting
// a hollow success.
func (s *TradeDataService) EraseCache(ctx context.Context) (int64, error) {
	if !s.cache.IsAvailable(ctx) {
		return 0, fmt.Errorf("cannot erase cache: %w", ports.ErrCacheUnavailable)
	}
	return s.cache.Erase(ctx)
}

// CacheAvailable reports whether the cache backing store is reachable.
func (s *TradeDataService) CacheAvailable(ctx context.Context) bool {
	return s.cache.IsAvailable(ctx)
}

// filterBySymbol applies the exact-match display filter. It copies
// rather than filters in place: cached slices stay untouched.
func filterBySymbol(trades []domain.Trade, symbol string) []domain.Trade {
	if symbol == "" {
		out := make([]domain.Trade, len(trades))
		copy(out, trades)
		return out
	}
	out := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out
}

// dedupeNewestFirst deduplicates trades by id and orders them newest
// first, the shape the cache would have returned.
func dedupeNewestFirst(trades []domain.Trade) []domain.Trade {
	seen := make(map[string]struct{}, len(trades))
	out := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out
}
