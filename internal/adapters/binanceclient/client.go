// Package binanceclient implements ports.ExchangeClient against
// Binance USD-M futures using the go-binance library.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	pageLimit = 100
)

// Client implements the ports.ExchangeClient interface using the
// go-binance library. Binance's user-trade endpoint is per-symbol, so
// the client walks the configured symbol list; the page cursor encodes
// the current symbol index and the next trade id.
type Client struct {
	futuresClient *futures.Client
	symbols       []string
	accountID     string
	logger        ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	// Symbols are the markets whose trade history is fetched.
	Symbols []string
	// AccountID labels the cache scope for this set of credentials.
	// Defaults to the API key.
	AccountID string
	Logger    ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required for Binance client: %w", ports.ErrConfigurationError)
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "Binance APIKey or SecretKey is empty. Private endpoints will fail.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL, "symbols": cfg.Symbols})

	accountID := cfg.AccountID
	if accountID == "" {
		accountID = cfg.APIKey
	}

	return &Client{
		futuresClient: client,
		symbols:       cfg.Symbols,
		accountID:     accountID,
		logger:        cfg.Logger,
	}, nil
}

// Exchange returns the venue this client talks to.
func (c *Client) Exchange() domain.Exchange { return domain.ExchangeBinance }

// AccountID identifies the credential scope used for cache keys.
func (c *Client) AccountID() string { return c.accountID }

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
			mappedErr = ports.ErrInvalidAPIKeys
		case -1100, -1101, -1102, -1103, -1104, -1121: // Parameter/request format errors
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "use of closed network connection") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// FetchTradesPage retrieves one page of account-trade fills within
// [fromMs, toMs]. The cursor encodes "symbolIndex|nextTradeID"; an
// empty returned cursor means every configured symbol is exhausted.
func (c *Client) FetchTradesPage(ctx context.Context, fromMs, toMs int64, cursor string) (*ports.TradesPage, error) {
	op := "FetchTradesPage"

	symIdx := 0
	var fromID int64
	if cursor != "" {
		idx, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrInvalidRequest, err)
		}
		symIdx, fromID = idx, id
	}
	if symIdx >= len(c.symbols) {
		return &ports.TradesPage{}, nil
	}
	symbol := c.symbols[symIdx]

	svc := c.futuresClient.NewListAccountTradeService().Symbol(symbol).Limit(pageLimit)
	if fromID > 0 {
		// FromID pages forward through the symbol; Binance rejects
		// combining it with a time window.
		svc = svc.FromID(fromID)
	} else {
		svc = svc.StartTime(fromMs).EndTime(toMs)
	}

	fills, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	records := make([]ports.RawRecord, 0, len(fills))
	var lastID int64
	for _, f := range fills {
		if f.Time > toMs {
			continue // FromID paging can run past the window edge
		}
		lastID = f.ID
		records = append(records, fillRecord(f))
	}

	next := ""
	if len(fills) == pageLimit && lastID > 0 {
		next = encodeCursor(symIdx, lastID+1)
	} else if symIdx+1 < len(c.symbols) {
		next = encodeCursor(symIdx+1, 0)
	}

	c.logger.Debug(ctx, "Fetched account trades page", map[string]interface{}{
		"symbol": symbol, "records": len(records), "more": next != "",
	})
	return &ports.TradesPage{Records: records, NextCursor: next}, nil
}

// fillRecord maps one account-trade fill onto the raw-record shape the
// normalizer expects. go-binance returns numeric fields as strings, so
// they pass through untouched.
func fillRecord(f *futures.AccountTrade) ports.RawRecord {
	return ports.RawRecord{
		"id":          strconv.FormatInt(f.ID, 10),
		"symbol":      f.Symbol,
		"side":        string(f.Side),
		"price":       f.Price,
		"qty":         f.Quantity,
		"realizedPnl": f.RealizedPnl,
		"time":        strconv.FormatInt(f.Time, 10),
	}
}

func encodeCursor(symIdx int, fromID int64) string {
	return strconv.Itoa(symIdx) + "|" + strconv.FormatInt(fromID, 10)
}

func decodeCursor(cursor string) (symIdx int, fromID int64, err error) {
	idx, id, ok := strings.Cut(cursor, "|")
	if !ok {
		return 0, 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	symIdx, err = strconv.Atoi(idx)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	fromID, err = strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return symIdx, fromID, nil
}

// FetchOpenPositions retrieves nonzero position-risk entries.
// The endpoint reports no update time, so the fetch time stands in.
func (c *Client) FetchOpenPositions(ctx context.Context) ([]ports.RawRecord, error) {
	op := "FetchOpenPositions"

	risks, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	open := make([]ports.RawRecord, 0, len(risks))
	for _, r := range risks {
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		open = append(open, ports.RawRecord{
			"symbol":           r.Symbol,
			"positionAmt":      r.PositionAmt,
			"entryPrice":       r.EntryPrice,
			"markPrice":        r.MarkPrice,
			"unRealizedProfit": r.UnRealizedProfit,
			"leverage":         r.Leverage,
			"updateTime":       nowMs,
		})
	}
	return open, nil
}

// FetchWalletBalance retrieves the USDT futures wallet balance.
func (c *Client) FetchWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	op := "FetchWalletBalance"

	balances, err := c.futuresClient.NewGetBalanceService().Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			d, err := decimal.NewFromString(b.Balance)
			if err != nil {
				return decimal.Zero, c.handleError(ctx, fmt.Errorf("could not parse USDT balance %q: %w", b.Balance, err), op)
			}
			return d, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%s: no USDT balance in response: %w", op, ports.ErrNotFound)
}

// ClosePosition places a reduce-only market order on the opposite side
// of the position. Pure pass-through; the result is relayed as-is.
func (c *Client) ClosePosition(ctx context.Context, pos domain.Position) error {
	op := "ClosePosition"

	side := futures.SideTypeSell
	if pos.Side == domain.Short {
		side = futures.SideTypeBuy
	}

	_, err := c.futuresClient.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(pos.Size.String()).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, c.handleError(ctx, err, op))
	}
	c.logger.Info(ctx, "Close order placed", map[string]interface{}{"symbol": pos.Symbol, "side": side, "qty": pos.Size.String()})
	return nil
}
