package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// Client implements the execution, market-data and margin-account ports
// using the go-binance library against isolated margin endpoints.
type Client struct {
	api                  *binance.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Stream reconnect delay (e.g. 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	binance.UseTestnet = cfg.UseTestnet
	api := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{
		"testnet": cfg.UseTestnet,
		"baseURL": api.BaseURL,
	})

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		api:                  api,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

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
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1112, -1121, -1130: // Parameter/request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / bad key, IP or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -3006, -3007, -3008: // Borrow limits / pending transactions
			mappedErr = ports.ErrOrderPlacementFailed
		case -3041, -11001: // Balance not enough / isolated margin account absent
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.api.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SubmitProtectiveOrder places an isolated-margin market order that closes
// a position. The client order id is the caller's idempotency handle: if a
// previous submit with the same id landed, Binance rejects the duplicate
// and the caller recovers via QueryOrderStatus.
func (c *Client) SubmitProtectiveOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity decimal.Decimal, clientOrderID string) (*ports.OrderResult, error) {
	op := "SubmitProtectiveOrder"

	order, err := c.api.NewCreateMarginOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeMarket).
		Quantity(quantity.String()).
		NewClientOrderID(clientOrderID).
		IsIsolated(true).
		SideEffectType(binance.SideEffectTypeAutoRepay).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	result := translateCreateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":        symbol,
		"side":          side,
		"quantity":      quantity.String(),
		"clientOrderID": clientOrderID,
		"orderID":       result.OrderID,
		"status":        result.Status,
		"avgFillPrice":  result.AvgFillPrice.String(),
	})
	return result, nil
}

// QueryOrderStatus looks up an isolated-margin order by client order id.
func (c *Client) QueryOrderStatus(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResult, error) {
	op := "QueryOrderStatus"

	order, err := c.api.NewGetMarginOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		IsIsolated(true).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	result := translateOrder(order)
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{
		"symbol":        symbol,
		"clientOrderID": clientOrderID,
		"status":        result.Status,
	})
	return result, nil
}

// --- Translation Helpers ---

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// avgFill derives the average fill price from cumulative quote quantity.
func avgFill(cumQuote, executedQty decimal.Decimal) decimal.Decimal {
	if executedQty.IsZero() {
		return decimal.Zero
	}
	return cumQuote.Div(executedQty)
}

func translateCreateOrder(order *binance.CreateOrderResponse) *ports.OrderResult {
	if order == nil {
		return nil
	}
	executed := parseDecimal(order.ExecutedQuantity)
	cumQuote := parseDecimal(order.CummulativeQuoteQuantity)
	return &ports.OrderResult{
		OrderID:       fmt.Sprintf("%d", order.OrderID),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		Status:        string(order.Status),
		OrigQuantity:  parseDecimal(order.OrigQuantity),
		ExecutedQty:   executed,
		AvgFillPrice:  avgFill(cumQuote, executed),
		Timestamp:     time.UnixMilli(order.TransactTime),
	}
}

func translateOrder(order *binance.Order) *ports.OrderResult {
	if order == nil {
		return nil
	}
	executed := parseDecimal(order.ExecutedQuantity)
	cumQuote := parseDecimal(order.CummulativeQuoteQuantity)
	return &ports.OrderResult{
		OrderID:       fmt.Sprintf("%d", order.OrderID),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		Status:        string(order.Status),
		OrigQuantity:  parseDecimal(order.OrigQuantity),
		ExecutedQty:   executed,
		AvgFillPrice:  avgFill(cumQuote, executed),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}
