// Package httpapi exposes the trade data service as JSON endpoints for
// the dashboard frontend. Every response carries a {"success": ...}
// envelope; expected failures come back as an explicit error object
// rather than a bare status code.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/app"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/metrics"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/utils"
)

const (
	defaultExchange = domain.ExchangeBybit
	defaultDays     = 30
)

// Server wires the HTTP routes to the trade data service.
type Server struct {
	service *app.TradeDataService
	logger  ports.Logger
}

// NewServer creates the HTTP surface. Both dependencies are required.
func NewServer(service *app.TradeDataService, logger ports.Logger) (*Server, error) {
	if service == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for httpapi server")
	}
	return &Server{service: service, logger: logger}, nil
}

// Routes returns the handler for all /api endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/trades/export", s.handleTradesExport)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/open-trades", s.handleOpenTrades)
	mux.HandleFunc("POST /api/close-trade", s.handleCloseTrade)
	mux.HandleFunc("GET /api/wallet-balance", s.handleWalletBalance)
	mux.HandleFunc("POST /api/erase-cache", s.handleEraseCache)
	mux.HandleFunc("GET /api/cache-status", s.handleCacheStatus)
	return mux
}

type tradesResponse struct {
	Success   bool           `json:"success"`
	Trades    []domain.Trade `json:"trades"`
	FromCache bool           `json:"from_cache"`
	CachedAt  time.Time      `json:"cached_at"`
	Degraded  bool           `json:"degraded,omitempty"`
	Dropped   int            `json:"dropped_records,omitempty"`
	Exchange  string         `json:"exchange"`
}

// tradesQuery parses the shared completed-trades query parameters.
func tradesQuery(r *http.Request) (app.TradesRequest, error) {
	req := app.TradesRequest{
		Exchange:     exchangeParam(r),
		Symbol:       r.URL.Query().Get("symbol"),
		Days:         defaultDays,
		ForceRefresh: boolParam(r, "force_refresh"),
	}
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return app.TradesRequest{}, fmt.Errorf("days must be a positive integer: %w", ports.ErrInvalidRequest)
		}
		req.Days = parsed
	}
	return req, nil
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	req, err := tradesQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.service.GetCompletedTrades(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, tradesResponse{
		Success:   true,
		Trades:    result.Trades,
		FromCache: result.FromCache,
		CachedAt:  result.CachedAt,
		Degraded:  result.Degraded,
		Dropped:   result.Dropped,
		Exchange:  string(req.Exchange),
	})
}

// handleTradesExport renders the same completed-trades query as a CSV
// download instead of the JSON envelope.
func (s *Server) handleTradesExport(w http.ResponseWriter, r *http.Request) {
	req, err := tradesQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.service.GetCompletedTrades(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_trades_%dd.csv"`, req.Exchange, req.Days))
	if err := utils.WriteTradesCSV(w, result.Trades); err != nil {
		s.logger.Error(r.Context(), err, "Failed to write CSV export")
	}
}

type metricsResponse struct {
	Success       bool                  `json:"success"`
	TotalPnl      decimal.Decimal       `json:"total_pnl"`
	AverageRoi    decimal.Decimal       `json:"average_roi"`
	Distribution  metrics.Distribution  `json:"distribution"`
	CumulativePnl []metrics.SeriesPoint `json:"cumulative_pnl"`
	TopPerformers []metrics.SymbolPnl   `json:"top_performers"`
	TradeCount    int                   `json:"trade_count"`
	FromCache     bool                  `json:"from_cache"`
	Exchange      string                `json:"exchange"`
}

// handleMetrics recomputes the aggregate statistics over the scope's
// trade list on every call; nothing is stored between requests.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	req, err := tradesQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.service.GetCompletedTrades(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	trades := result.Trades
	if boolParam(r, "hide_small_trades") {
		trades = metrics.FilterSmallTrades(trades, decimal.NewFromFloat(metrics.SmallTradePnlThreshold))
	}

	s.writeJSON(w, http.StatusOK, metricsResponse{
		Success:       true,
		TotalPnl:      metrics.TotalPnl(trades),
		AverageRoi:    metrics.AverageRoi(trades),
		Distribution:  metrics.Classify(trades),
		CumulativePnl: metrics.CumulativeSeries(trades),
		TopPerformers: metrics.TopPerformers(trades, metrics.DefaultTopPerformerLimit),
		TradeCount:    len(trades),
		FromCache:     result.FromCache,
		Exchange:      string(req.Exchange),
	})
}

type openTradesResponse struct {
	Success    bool              `json:"success"`
	OpenTrades []domain.Position `json:"open_trades"`
	Exchange   string            `json:"exchange"`
}

func (s *Server) handleOpenTrades(w http.ResponseWriter, r *http.Request) {
	ex := exchangeParam(r)
	positions, err := s.service.GetOpenPositions(r.Context(), app.PositionsRequest{
		Exchange: ex,
		Symbol:   r.URL.Query().Get("symbol"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, openTradesResponse{
		Success:    true,
		OpenTrades: positions,
		Exchange:   string(ex),
	})
}

type closeTradeRequest struct {
	Exchange  string          `json:"exchange"`
	TradeData domain.Position `json:"trade_data"`
}

func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request) {
	var req closeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid request body: %w: %w", ports.ErrInvalidRequest, err))
		return
	}
	ex := domain.Exchange(strings.ToLower(req.Exchange))
	if !ex.IsValid() {
		s.writeError(w, r, fmt.Errorf("exchange %q: %w", req.Exchange, ports.ErrUnsupportedExchange))
		return
	}
	if req.TradeData.Symbol == "" {
		s.writeError(w, r, fmt.Errorf("missing trade data: %w", ports.ErrInvalidRequest))
		return
	}

	if err := s.service.ClosePosition(r.Context(), ex, req.TradeData); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Trade closed successfully",
	})
}

type walletBalanceResponse struct {
	Success       bool            `json:"success"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	Exchange      string          `json:"exchange"`
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	ex := exchangeParam(r)
	balance, err := s.service.GetWalletBalance(r.Context(), ex)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, walletBalanceResponse{
		Success:       true,
		WalletBalance: balance,
		Exchange:      string(ex),
	})
}

func (s *Server) handleEraseCache(w http.ResponseWriter, r *http.Request) {
	removed, err := s.service.EraseCache(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	message := "Cache erased"
	if removed == 0 {
		message = "Cache was already empty"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"removed": removed,
		"message": message,
	})
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"available": s.service.CacheAvailable(r.Context()),
	})
}

func exchangeParam(r *http.Request) domain.Exchange {
	raw := r.URL.Query().Get("exchange")
	if raw == "" {
		return defaultExchange
	}
	return domain.Exchange(strings.ToLower(raw))
}

func boolParam(r *http.Request, name string) bool {
	return strings.EqualFold(r.URL.Query().Get(name), "true")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error(context.Background(), err, "Failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses while keeping
// the body shape the frontend expects.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ports.ErrInvalidRequest), errors.Is(err, ports.ErrUnsupportedExchange):
		status = http.StatusBadRequest
	case ports.IsAuth(err):
		status = http.StatusUnauthorized
	case errors.Is(err, ports.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, ports.ErrExchangeUnavailable), errors.Is(err, ports.ErrConnectionFailed), errors.Is(err, ports.ErrCacheUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, ports.ErrTimeout):
		status = http.StatusGatewayTimeout
	}

	s.logger.Error(r.Context(), err, "Request failed", map[string]interface{}{
		"path": r.URL.Path, "status": status,
	})
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}
