// Package fyers is a minimal client for the Fyers API v3: order placement,
// net positions, the public symbol master and the login handshake.
package fyers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL    = "https://api-t1.fyers.in"
	DefaultLoginURL  = "https://api-t2.fyers.in"
	DefaultPublicURL = "https://public.fyers.in"
)

type Client interface {
	PlaceOrder(ctx context.Context, token models.SessionToken, order *models.OrderRequest) (*models.Order, error)
	GetPositions(ctx context.Context, token models.SessionToken) ([]models.Position, error)
	PendingOrders(ctx context.Context, token models.SessionToken) ([]models.PendingOrder, error)
	CancelOrder(ctx context.Context, token models.SessionToken, orderID string) error
	DownloadSymbolMaster(ctx context.Context, segment models.ExchangeSegment) (io.ReadCloser, error)
}

var _ Client = (*BaseClient)(nil)

type Config struct {
	ClientID    string
	APIURL      string
	PublicURL   string
	ProductType string
	Timeout     time.Duration
	// RequestsPerSecond caps calls to the trading API.
	RequestsPerSecond float64
}

type BaseClient struct {
	clientID    string
	baseURL     string
	publicURL   string
	productType string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

func NewClient(cfg Config) *BaseClient {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = DefaultPublicURL
	}
	if cfg.ProductType == "" {
		cfg.ProductType = "MARGIN"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}

	return &BaseClient{
		clientID:    cfg.ClientID,
		baseURL:     strings.TrimRight(cfg.APIURL, "/"),
		publicURL:   strings.TrimRight(cfg.PublicURL, "/"),
		productType: cfg.ProductType,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// apiResponse is the envelope every trading endpoint answers with.
type apiResponse struct {
	S       string `json:"s"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *BaseClient) doRequest(ctx context.Context, token models.SessionToken, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.clientID+":"+token.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var envelope apiResponse
	if jerr := json.Unmarshal(data, &envelope); jerr != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			return &models.RejectionError{Code: resp.StatusCode, Message: "unauthorized", SessionInvalid: true}
		}
		return fmt.Errorf("unexpected response (HTTP %d): %.200s", resp.StatusCode, data)
	}

	if envelope.S != "ok" {
		if (resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests) && !isSessionError(envelope.Code) {
			return fmt.Errorf("broker error (HTTP %d, code %d): %s", resp.StatusCode, envelope.Code, envelope.Message)
		}
		return &models.RejectionError{
			Code:           envelope.Code,
			Message:        envelope.Message,
			SessionInvalid: resp.StatusCode == http.StatusUnauthorized || isSessionError(envelope.Code),
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// isSessionError reports broker codes meaning the access token is invalid,
// expired or belongs to another app.
func isSessionError(code int) bool {
	switch code {
	case -8, -15, -16, -17:
		return true
	}
	return false
}

// IsSessionInvalid reports whether err is a broker rejection of the session.
func IsSessionInvalid(err error) bool {
	var re *models.RejectionError
	return errors.As(err, &re) && re.SessionInvalid
}

const (
	orderTypeLimit  = 1
	orderTypeMarket = 2
	sideBuy         = 1
	sideSell        = -1
)

type orderPayload struct {
	Symbol       string  `json:"symbol"`
	Qty          int     `json:"qty"`
	Type         int     `json:"type"`
	Side         int     `json:"side"`
	ProductType  string  `json:"productType"`
	LimitPrice   float64 `json:"limitPrice"`
	StopPrice    float64 `json:"stopPrice"`
	Validity     string  `json:"validity"`
	DisclosedQty int     `json:"disclosedQty"`
	OfflineOrder bool    `json:"offlineOrder"`
	OrderTag     string  `json:"orderTag,omitempty"`
}

type orderResponse struct {
	apiResponse
	ID string `json:"id"`
}

func (c *BaseClient) PlaceOrder(ctx context.Context, token models.SessionToken, order *models.OrderRequest) (*models.Order, error) {
	payload := orderPayload{
		Symbol:      order.Symbol,
		Qty:         order.Quantity,
		Type:        orderTypeMarket,
		Side:        sideBuy,
		ProductType: order.ProductType,
		Validity:    "DAY",
		OrderTag:    sanitizeTag(order.Tag),
	}
	if payload.ProductType == "" {
		payload.ProductType = c.productType
	}
	if order.Side == models.OrderSideSell {
		payload.Side = sideSell
	}
	if order.Type == models.OrderTypeLimit {
		payload.Type = orderTypeLimit
		payload.LimitPrice = order.LimitPrice.InexactFloat64()
	}

	var resp orderResponse
	if err := c.doRequest(ctx, token, http.MethodPost, "/api/v3/orders/sync", payload, &resp); err != nil {
		return nil, err
	}

	return &models.Order{
		OrderID:     resp.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Type:        order.Type,
		Quantity:    order.Quantity,
		LimitPrice:  order.LimitPrice,
		ProductType: payload.ProductType,
		Tag:         payload.OrderTag,
		Message:     resp.Message,
		CreatedAt:   time.Now(),
	}, nil
}

// sanitizeTag keeps the order tag within the broker's alphanumeric,
// 20 character limit.
func sanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 20 {
			break
		}
	}
	return b.String()
}

type positionsResponse struct {
	apiResponse
	NetPositions []struct {
		Symbol      string `json:"symbol"`
		NetQty      int    `json:"netQty"`
		ProductType string `json:"productType"`
	} `json:"netPositions"`
}

func (c *BaseClient) GetPositions(ctx context.Context, token models.SessionToken) ([]models.Position, error) {
	var resp positionsResponse
	if err := c.doRequest(ctx, token, http.MethodGet, "/api/v3/positions", nil, &resp); err != nil {
		return nil, err
	}

	now := time.Now()
	positions := make([]models.Position, 0, len(resp.NetPositions))
	for _, p := range resp.NetPositions {
		positions = append(positions, models.Position{
			Symbol:      p.Symbol,
			NetQuantity: p.NetQty,
			ProductType: p.ProductType,
			UpdatedAt:   now,
		})
	}
	return positions, nil
}

// orderStatusPending is the order book status of orders still working at
// the exchange.
const orderStatusPending = 6

type orderBookResponse struct {
	apiResponse
	OrderBook []struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
		Qty    int    `json:"qty"`
		Side   int    `json:"side"`
		Status int    `json:"status"`
	} `json:"orderBook"`
}

// PendingOrders lists today's orders that are still open at the exchange.
func (c *BaseClient) PendingOrders(ctx context.Context, token models.SessionToken) ([]models.PendingOrder, error) {
	var resp orderBookResponse
	if err := c.doRequest(ctx, token, http.MethodGet, "/api/v3/orders", nil, &resp); err != nil {
		return nil, err
	}

	var pending []models.PendingOrder
	for _, o := range resp.OrderBook {
		if o.Status != orderStatusPending {
			continue
		}
		side := models.OrderSideBuy
		if o.Side == sideSell {
			side = models.OrderSideSell
		}
		pending = append(pending, models.PendingOrder{
			OrderID:  o.ID,
			Symbol:   o.Symbol,
			Side:     side,
			Quantity: o.Qty,
		})
	}
	return pending, nil
}

func (c *BaseClient) CancelOrder(ctx context.Context, token models.SessionToken, orderID string) error {
	body := map[string]string{"id": orderID}
	return c.doRequest(ctx, token, http.MethodDelete, "/api/v3/orders/sync", body, nil)
}

// DownloadSymbolMaster streams the public symbol-master CSV of a segment.
// The caller closes the body.
func (c *BaseClient) DownloadSymbolMaster(ctx context.Context, segment models.ExchangeSegment) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicURL+"/sym_details/"+string(segment)+".csv", nil)
	if err != nil {
		return nil, err
	}
	// Symbol masters are large; only ctx bounds the download.
	client := &http.Client{Transport: c.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("symbol master %s: HTTP %d", segment, resp.StatusCode)
	}
	return resp.Body, nil
}
