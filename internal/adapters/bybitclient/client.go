// Package bybitclient implements ports.ExchangeClient against the
// Bybit V5 REST API (linear perpetuals).
package bybitclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"
)

const (
	baseURLProduction = "https://api.bybit.com"
	baseURLTestnet    = "https://api-testnet.bybit.com"

	recvWindow = "5000"
	pageLimit  = 100

	// closed-pnl queries are limited to a 7 day span per request; the
	// cursor walks backwards through the requested window in chunks.
	closedPnlChunkMs = int64(7 * 24 * time.Hour / time.Millisecond)
)

// Client implements the ports.ExchangeClient interface for Bybit.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	secretKey  string
	accountID  string
	logger     ports.Logger
}

// Config holds configuration specific to the Bybit client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	// AccountID labels the cache scope for this set of credentials.
	// Defaults to the API key.
	AccountID  string
	Logger     ports.Logger
	HTTPClient *http.Client
}

// New creates a new Bybit client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Bybit client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "Bybit APIKey or SecretKey is empty. Private endpoints will fail.")
	}

	baseURL := baseURLProduction
	if cfg.UseTestnet {
		baseURL = baseURLTestnet
	}
	accountID := cfg.AccountID
	if accountID == "" {
		accountID = cfg.APIKey
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	cfg.Logger.Info(context.Background(), "Bybit client configured", map[string]interface{}{"baseURL": baseURL})
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		accountID:  accountID,
		logger:     cfg.Logger,
	}, nil
}

// Exchange returns the venue this client talks to.
func (c *Client) Exchange() domain.Exchange { return domain.ExchangeBybit }

// AccountID identifies the credential scope used for cache keys.
func (c *Client) AccountID() string { return c.accountID }

// apiResponse is the common V5 envelope.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type listResult struct {
	List           []ports.RawRecord `json:"list"`
	NextPageCursor string            `json:"nextPageCursor"`
}

// handleError translates transport and V5 retCode failures into
// standardized ports errors.
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

// mapRetCode maps a nonzero V5 retCode to a standard error.
func mapRetCode(code int) error {
	switch code {
	case 10003, 10004, 10005, 33004: // invalid key, signature error, permission denied, key expired
		return ports.ErrAuthenticationFailed
	case 10006, 10018: // rate limited, IP rate limited
		return ports.ErrRateLimited
	case 10001, 10002: // parameter error, request time drift
		return ports.ErrInvalidRequest
	case 10016: // server error
		return ports.ErrExchangeUnavailable
	default:
		return ports.ErrUnknown
	}
}

// sign produces the V5 HMAC signature over timestamp+key+recvWindow+payload.
func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, op string) (*apiResponse, error) {
	var payload string
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		payload = string(raw)
		reqBody = bytes.NewReader(raw)
	} else {
		payload = query.Encode()
	}

	endpoint := c.baseURL + path
	if body == nil && len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		err := fmt.Errorf("%s failed: %w: HTTP %d", op, ports.ErrExchangeUnavailable, resp.StatusCode)
		c.logger.Error(ctx, err, op+" failed with server error", map[string]interface{}{"status": resp.StatusCode})
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		err := fmt.Errorf("%s failed: %w: HTTP 429", op, ports.ErrRateLimited)
		c.logger.Error(ctx, err, op+" rate limited")
		return nil, err
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not decode response: %w", err), op)
	}
	if envelope.RetCode != 0 {
		mapped := mapRetCode(envelope.RetCode)
		err := fmt.Errorf("%s failed: %w: retCode=%d retMsg=%q", op, mapped, envelope.RetCode, envelope.RetMsg)
		c.logger.Error(ctx, err, op+" failed with API error", map[string]interface{}{
			"retCode": envelope.RetCode, "retMsg": envelope.RetMsg,
		})
		return nil, err
	}
	return &envelope, nil
}

// FetchTradesPage retrieves one page of closed-PnL records within
// [fromMs, toMs]. The opaque cursor carries both the current 7-day
// chunk end and Bybit's own page cursor, so the caller can keep paging
// sequentially until an empty cursor comes back.
func (c *Client) FetchTradesPage(ctx context.Context, fromMs, toMs int64, cursor string) (*ports.TradesPage, error) {
	op := "FetchTradesPage"

	chunkEnd := toMs
	pageCursor := ""
	if cursor != "" {
		end, pc, err := decodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrInvalidRequest, err)
		}
		chunkEnd, pageCursor = end, pc
	}
	chunkStart := chunkEnd - closedPnlChunkMs + 1
	if chunkStart < fromMs {
		chunkStart = fromMs
	}

	query := url.Values{}
	query.Set("category", "linear")
	query.Set("limit", strconv.Itoa(pageLimit))
	query.Set("startTime", strconv.FormatInt(chunkStart, 10))
	query.Set("endTime", strconv.FormatInt(chunkEnd, 10))
	if pageCursor != "" {
		query.Set("cursor", pageCursor)
	}

	envelope, err := c.do(ctx, http.MethodGet, "/v5/position/closed-pnl", query, nil, op)
	if err != nil {
		return nil, err
	}

	var result listResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not decode closed-pnl result: %w", err), op)
	}

	next := ""
	if result.NextPageCursor != "" {
		next = encodeCursor(chunkEnd, result.NextPageCursor)
	} else if chunkStart > fromMs {
		// Chunk exhausted; continue with the next older 7-day window.
		next = encodeCursor(chunkStart-1, "")
	}

	c.logger.Debug(ctx, "Fetched closed-pnl page", map[string]interface{}{
		"records": len(result.List), "chunkStart": chunkStart, "chunkEnd": chunkEnd, "more": next != "",
	})
	return &ports.TradesPage{Records: result.List, NextCursor: next}, nil
}

func encodeCursor(chunkEnd int64, pageCursor string) string {
	return strconv.FormatInt(chunkEnd, 10) + "|" + pageCursor
}

func decodeCursor(cursor string) (chunkEnd int64, pageCursor string, err error) {
	end, pc, ok := strings.Cut(cursor, "|")
	if !ok {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	chunkEnd, err = strconv.ParseInt(end, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return chunkEnd, pc, nil
}

// FetchOpenPositions retrieves open linear positions settled in USDT.
// Zero-size entries are filtered out; they are not truly open.
func (c *Client) FetchOpenPositions(ctx context.Context) ([]ports.RawRecord, error) {
	op := "FetchOpenPositions"

	query := url.Values{}
	query.Set("category", "linear")
	query.Set("settleCoin", "USDT")

	envelope, err := c.do(ctx, http.MethodGet, "/v5/position/list", query, nil, op)
	if err != nil {
		return nil, err
	}

	var result listResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not decode position list: %w", err), op)
	}

	open := make([]ports.RawRecord, 0, len(result.List))
	for _, rec := range result.List {
		if size, ok := rec["size"].(string); ok {
			if d, err := decimal.NewFromString(size); err == nil && d.IsZero() {
				continue
			}
		}
		open = append(open, rec)
	}
	return open, nil
}

// walletResult mirrors the unified wallet-balance response.
type walletResult struct {
	List []struct {
		TotalEquity string `json:"totalEquity"`
		Coin        []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
		} `json:"coin"`
	} `json:"list"`
}

// FetchWalletBalance retrieves the unified account's total equity,
// falling back to the USDT coin balance when total equity is absent.
func (c *Client) FetchWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	op := "FetchWalletBalance"

	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	envelope, err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, op)
	if err != nil {
		return decimal.Zero, err
	}

	var result walletResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return decimal.Zero, c.handleError(ctx, fmt.Errorf("could not decode wallet balance: %w", err), op)
	}
	if len(result.List) == 0 {
		return decimal.Zero, fmt.Errorf("%s: no account in wallet-balance response: %w", op, ports.ErrNotFound)
	}

	account := result.List[0]
	if account.TotalEquity != "" {
		if d, err := decimal.NewFromString(account.TotalEquity); err == nil {
			return d, nil
		}
	}
	for _, coin := range account.Coin {
		if coin.Coin == "USDT" {
			d, err := decimal.NewFromString(coin.WalletBalance)
			if err != nil {
				return decimal.Zero, c.handleError(ctx, fmt.Errorf("could not parse USDT balance %q: %w", coin.WalletBalance, err), op)
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

	side := "Sell"
	if pos.Side == domain.Short {
		side = "Buy"
	}

	body := map[string]interface{}{
		"category":   "linear",
		"symbol":     pos.Symbol,
		"side":       side,
		"orderType":  "Market",
		"qty":        pos.Size.String(),
		"reduceOnly": true,
	}
	if _, err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, body, op); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
	}
	c.logger.Info(ctx, "Close order placed", map[string]interface{}{"symbol": pos.Symbol, "side": side, "qty": pos.Size.String()})
	return nil
}
