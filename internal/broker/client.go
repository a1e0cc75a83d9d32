package broker

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"paper-trader-go/internal/config"
)

const (
	OrderTypeMarket = "market"
	OrderSideBuy    = "buy"
	OrderSideSell   = "sell"
	TimeInForceDay  = "day"
)

// RestClientInterface defines the interface for the broker REST API client.
type RestClientInterface interface {
	GetAccount(ctx context.Context) (*Account, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ListPositions(ctx context.Context) ([]BrokerPosition, error)
	ClosePosition(ctx context.Context, symbol string) (*Order, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOptionChain(ctx context.Context, underlying string) ([]OptionContract, error)
	GetIVHistory(ctx context.Context, symbol string) ([]float64, error)
}

// Account is the broker account snapshot.
type Account struct {
	ID          string  `json:"id"`
	Equity      float64 `json:"equity,string"`
	BuyingPower float64 `json:"buying_power,string"`
	Cash        float64 `json:"cash,string"`
}

// OrderRequest is a market order submission.
type OrderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	ClientID    string `json:"client_order_id,omitempty"`
	OrderClass  string `json:"order_class,omitempty"`
	LimitPrice  string `json:"limit_price,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
	StopLoss    *OrderStop   `json:"stop_loss,omitempty"`
	TakeProfit  *OrderTarget `json:"take_profit,omitempty"`
}

// OrderStop is the protective stop leg of a bracket order.
type OrderStop struct {
	StopPrice string `json:"stop_price"`
}

// OrderTarget is the protective take-profit leg of a bracket order.
type OrderTarget struct {
	LimitPrice string `json:"limit_price"`
}

// Order is the broker's view of an order.
type Order struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Status         string  `json:"status"`
	Qty            string  `json:"qty"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice string  `json:"filled_avg_price"`
	Legs           []Order `json:"legs,omitempty"`
}

// Filled reports whether the order reached a filled state.
func (o *Order) Filled() bool { return o.Status == "filled" }

// Terminal reports whether the order can no longer fill.
func (o *Order) Terminal() bool {
	switch o.Status {
	case "filled", "canceled", "rejected", "expired":
		return true
	}
	return false
}

// FilledQuantity parses the filled quantity, zero on absence.
func (o *Order) FilledQuantity() float64 {
	q, _ := strconv.ParseFloat(o.FilledQty, 64)
	return q
}

// FillPrice parses the average fill price, zero on absence.
func (o *Order) FillPrice() float64 {
	p, _ := strconv.ParseFloat(o.FilledAvgPrice, 64)
	return p
}

// BrokerPosition is one open position as the broker reports it.
type BrokerPosition struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty,string"`
	AvgEntryPrice float64 `json:"avg_entry_price,string"`
	CurrentPrice  float64 `json:"current_price,string"`
	Side          string  `json:"side"`
	AssetClass    string  `json:"asset_class"`
}

// Quote is a stock bid/ask snapshot.
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bp"`
	Ask    float64 `json:"ap"`
}

// Mid returns the bid/ask midpoint, falling back to whichever side exists.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	if q.Ask > 0 {
		return q.Ask
	}
	return q.Bid
}

// OptionContract is one candidate contract from the chain snapshot.
type OptionContract struct {
	Symbol     string    `json:"symbol"`
	Underlying string    `json:"underlying_symbol"`
	Type       string    `json:"type"` // "call" or "put"
	Strike     float64   `json:"strike_price,string"`
	Expiration time.Time `json:"-"`
	ExpirationRaw string `json:"expiration_date"` // "2006-01-02"
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Volume     float64   `json:"volume"`
	Delta      float64   `json:"delta"`
	IV         float64   `json:"implied_volatility"`
}

// Mid returns the premium midpoint for the contract.
func (c *OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	if c.Ask > 0 {
		return c.Ask
	}
	return c.Bid
}

// RestClient is a client for the broker REST API.
// It implements the RestClientInterface.
type RestClient struct {
	trading *resty.Client
	data    *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new broker REST API client.
func NewRestClient(cfg *config.Broker, logger *zap.Logger) *RestClient {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	headers := map[string]string{
		"APCA-API-KEY-ID":     cfg.ApiKey,
		"APCA-API-SECRET-KEY": cfg.SecretKey,
	}

	trading := resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(timeout).SetHeaders(headers)
	data := resty.New().SetBaseURL(cfg.DataBaseURL).SetTimeout(timeout).SetHeaders(headers)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		trading: trading,
		data:    data,
		logger:  logger,
		limiter: limiter,
	}
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.RawResponse != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// GetAccount fetches the account snapshot including equity and buying power.
func (c *RestClient) GetAccount(ctx context.Context) (*Account, error) {
	req := c.trading.R().SetResult(&Account{})

	resp, err := c.doRequest(ctx, "GET", "/v2/account", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return resp.Result().(*Account), nil
}

// SubmitOrder places a new order.
func (c *RestClient) SubmitOrder(ctx context.Context, orderReq OrderRequest) (*Order, error) {
	req := c.trading.R().
		SetHeader("Content-Type", "application/json").
		SetBody(orderReq).
		SetResult(&Order{})

	resp, err := c.doRequest(ctx, "POST", "/v2/orders", req)
	if err != nil {
		c.logger.Error("Failed to submit order",
			zap.Error(err),
			zap.String("symbol", orderReq.Symbol),
			zap.String("side", orderReq.Side),
		)
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}

	result := resp.Result().(*Order)
	c.logger.Info("Order submitted",
		zap.String("order_id", result.ID),
		zap.String("symbol", result.Symbol),
		zap.String("status", result.Status))
	return result, nil
}

// GetOrder fetches the current state of an order.
func (c *RestClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	req := c.trading.R().SetResult(&Order{})

	resp, err := c.doRequest(ctx, "GET", "/v2/orders/"+orderID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return resp.Result().(*Order), nil
}

// CancelOrder cancels an open order.
func (c *RestClient) CancelOrder(ctx context.Context, orderID string) error {
	req := c.trading.R()

	if _, err := c.doRequest(ctx, "DELETE", "/v2/orders/"+orderID, req); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// ListPositions fetches every open position the broker reports.
func (c *RestClient) ListPositions(ctx context.Context) ([]BrokerPosition, error) {
	var positions []BrokerPosition
	req := c.trading.R().SetResult(&positions)

	resp, err := c.doRequest(ctx, "GET", "/v2/positions", req)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return *resp.Result().(*[]BrokerPosition), nil
}

// ClosePosition requests liquidation of an open position.
func (c *RestClient) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	req := c.trading.R().SetResult(&Order{})

	resp, err := c.doRequest(ctx, "DELETE", "/v2/positions/"+symbol, req)
	if err != nil {
		return nil, fmt.Errorf("failed to close position %s: %w", symbol, err)
	}
	return resp.Result().(*Order), nil
}

// quoteEnvelope matches the data API's latest-quote response shape.
type quoteEnvelope struct {
	Symbol string `json:"symbol"`
	Quote  Quote  `json:"quote"`
}

// GetQuote fetches the latest bid/ask for a stock symbol.
func (c *RestClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	req := c.data.R().SetResult(&quoteEnvelope{})

	resp, err := c.doRequest(ctx, "GET", "/v2/stocks/"+symbol+"/quotes/latest", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}
	env := resp.Result().(*quoteEnvelope)
	q := env.Quote
	q.Symbol = symbol
	return &q, nil
}

// chainEnvelope matches the option chain snapshot response shape.
type chainEnvelope struct {
	Contracts []OptionContract `json:"snapshots"`
}

// GetOptionChain fetches candidate option contracts for an underlying,
// including bid/ask, volume and greeks.
func (c *RestClient) GetOptionChain(ctx context.Context, underlying string) ([]OptionContract, error) {
	req := c.data.R().
		SetQueryParam("underlying_symbol", underlying).
		SetResult(&chainEnvelope{})

	resp, err := c.doRequest(ctx, "GET", "/v1beta1/options/snapshots/"+underlying, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get option chain for %s: %w", underlying, err)
	}

	env := resp.Result().(*chainEnvelope)
	contracts := env.Contracts
	for i := range contracts {
		if contracts[i].ExpirationRaw != "" {
			if t, err := time.Parse("2006-01-02", contracts[i].ExpirationRaw); err == nil {
				contracts[i].Expiration = t
			}
		}
	}
	return contracts, nil
}

// ivEnvelope matches the trailing implied-volatility history response shape.
type ivEnvelope struct {
	Values []float64 `json:"values"`
}

// GetIVHistory fetches the trailing-year implied volatility series for a
// contract's underlying, used to compute IV rank.
func (c *RestClient) GetIVHistory(ctx context.Context, symbol string) ([]float64, error) {
	req := c.data.R().SetResult(&ivEnvelope{})

	resp, err := c.doRequest(ctx, "GET", "/v1beta1/options/iv-history/"+symbol, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get IV history for %s: %w", symbol, err)
	}
	return resp.Result().(*ivEnvelope).Values, nil
}
