// Package hyperliquidclient implements ports.ExchangeClient against
// the Hyperliquid info API. Read endpoints are keyed by wallet address
// and need no signature.
package hyperliquidclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

const (
	defaultBaseURL = "https://api.hyperliquid.xyz"

	// The info API returns at most this many fills per request; a full
	// page means there may be more in the window.
	fillsPageLimit = 2000
)

// Client implements the ports.ExchangeClient interface for Hyperliquid.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	walletAddress string
	logger        ports.Logger
}

// Config holds configuration specific to the Hyperliquid client adapter.
type Config struct {
	// WalletAddress is the account queried; it doubles as the cache
	// scope account id.
	WalletAddress string
	BaseURL       string
	Logger        ports.Logger
	HTTPClient    *http.Client
}

// New creates a new Hyperliquid client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Hyperliquid client")
	}
	if cfg.WalletAddress == "" {
		return nil, fmt.Errorf("wallet address is required for Hyperliquid client: %w", ports.ErrConfigurationError)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	cfg.Logger.Info(context.Background(), "Hyperliquid client configured", map[string]interface{}{"baseURL": baseURL})
	return &Client{
		httpClient:    httpClient,
		baseURL:       baseURL,
		walletAddress: cfg.WalletAddress,
		logger:        cfg.Logger,
	}, nil
}

// Exchange returns the venue this client talks to.
func (c *Client) Exchange() domain.Exchange { return domain.ExchangeHyperliquid }

// AccountID identifies the wallet used for cache keys.
func (c *Client) AccountID() string { return c.walletAddress }

func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "no such host"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// info posts one request to the /info endpoint and decodes the
// response into out.
func (c *Client) info(ctx context.Context, body map[string]interface{}, out interface{}, op string) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(raw))
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("%s failed: %w: HTTP 429", op, ports.ErrRateLimited)
		c.logger.Error(ctx, err, op+" rate limited")
		return err
	case resp.StatusCode >= 500:
		err := fmt.Errorf("%s failed: %w: HTTP %d", op, ports.ErrExchangeUnavailable, resp.StatusCode)
		c.logger.Error(ctx, err, op+" failed with server error", map[string]interface{}{"status": resp.StatusCode})
		return err
	case resp.StatusCode != http.StatusOK:
		err := fmt.Errorf("%s failed: %w: HTTP %d", op, ports.ErrInvalidRequest, resp.StatusCode)
		c.logger.Error(ctx, err, op+" rejected", map[string]interface{}{"status": resp.StatusCode})
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.handleError(ctx, fmt.Errorf("could not decode response: %w", err), op)
	}
	return nil
}

// FetchTradesPage retrieves one page of user fills within [fromMs, toMs],
// keeping only fills that close a position: each of those carries its
// own closedPnl, so no open/close matching is needed downstream.
// The cursor is the next window start in epoch milliseconds.
func (c *Client) FetchTradesPage(ctx context.Context, fromMs, toMs int64, cursor string) (*ports.TradesPage, error) {
	op := "FetchTradesPage"

	start := fromMs
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: malformed cursor %q", op, ports.ErrInvalidRequest, cursor)
		}
		start = parsed
	}

	var fills []ports.RawRecord
	err := c.info(ctx, map[string]interface{}{
		"type":      "userFillsByTime",
		"user":      c.walletAddress,
		"startTime": start,
		"endTime":   toMs,
	}, &fills, op)
	if err != nil {
		return nil, err
	}

	records := make([]ports.RawRecord, 0, len(fills))
	var lastTime int64
	for _, fill := range fills {
		if t, ok := fill["time"].(float64); ok && int64(t) > lastTime {
			lastTime = int64(t)
		}
		dir, _ := fill["dir"].(string)
		if !strings.Contains(dir, "Close") {
			continue // opening fills realize no PnL
		}
		records = append(records, fill)
	}

	next := ""
	if len(fills) == fillsPageLimit && lastTime > 0 && lastTime < toMs {
		next = strconv.FormatInt(lastTime+1, 10)
	}

	c.logger.Debug(ctx, "Fetched user fills page", map[string]interface{}{
		"fills": len(fills), "closing": len(records), "more": next != "",
	})
	return &ports.TradesPage{Records: records, NextCursor: next}, nil
}

// clearinghouseState mirrors the subset of the account snapshot the
// dashboard consumes.
type clearinghouseState struct {
	AssetPositions []struct {
		Position map[string]interface{} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	Time int64 `json:"time"`
}

// FetchOpenPositions retrieves open asset positions from the account
// clearinghouse snapshot. Leverage arrives nested and is flattened to
// its numeric value for the normalizer.
func (c *Client) FetchOpenPositions(ctx context.Context) ([]ports.RawRecord, error) {
	op := "FetchOpenPositions"

	var state clearinghouseState
	err := c.info(ctx, map[string]interface{}{
		"type": "clearinghouseState",
		"user": c.walletAddress,
	}, &state, op)
	if err != nil {
		return nil, err
	}

	open := make([]ports.RawRecord, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		if ap.Position == nil {
			continue
		}
		rec := ports.RawRecord{}
		for k, v := range ap.Position {
			rec[k] = v
		}
		if lev, ok := rec["leverage"].(map[string]interface{}); ok {
			rec["leverage"] = lev["value"]
		}
		if state.Time > 0 {
			rec["time"] = strconv.FormatInt(state.Time, 10)
		}
		if szi, ok := rec["szi"].(string); ok {
			if d, err := decimal.NewFromString(szi); err == nil && d.IsZero() {
				continue
			}
		}
		open = append(open, rec)
	}
	return open, nil
}

// FetchWalletBalance retrieves the account value from the margin summary.
func (c *Client) FetchWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	op := "FetchWalletBalance"

	var state clearinghouseState
	err := c.info(ctx, map[string]interface{}{
		"type": "clearinghouseState",
		"user": c.walletAddress,
	}, &state, op)
	if err != nil {
		return decimal.Zero, err
	}
	if state.MarginSummary.AccountValue == "" {
		return decimal.Zero, fmt.Errorf("%s: no account value in response: %w", op, ports.ErrNotFound)
	}
	d, err := decimal.NewFromString(state.MarginSummary.AccountValue)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, fmt.Errorf("could not parse account value %q: %w", state.MarginSummary.AccountValue, err), op)
	}
	return d, nil
}

// ClosePosition is not supported: Hyperliquid order placement requires
// EIP-712 signing with an agent key, which this read-only client does
// not hold.
func (c *Client) ClosePosition(ctx context.Context, pos domain.Position) error {
	return fmt.Errorf("hyperliquid close requires an agent signing key: %w", ports.ErrOrderPlacementFailed)
}
