package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
)

// OrderResult represents the essential details returned after placing or
// querying an order on the exchange.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Status        string // NEW, PARTIALLY_FILLED, FILLED, REJECTED, CANCELED, EXPIRED
	OrigQuantity  decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Timestamp     time.Time
}

// Filled reports whether the order fully executed.
func (r *OrderResult) Filled() bool {
	return r.Status == "FILLED"
}

// ExecutionClient is the outbound port for placing protective close orders.
type ExecutionClient interface {
	// SubmitProtectiveOrder places a market order closing a position.
	// clientOrderID is the caller's idempotency handle on the exchange side.
	SubmitProtectiveOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity decimal.Decimal, clientOrderID string) (*OrderResult, error)

	// QueryOrderStatus looks up an order by client order id. Used after an
	// ambiguous timeout to learn whether a submit actually landed.
	// Returns ErrOrderNotFound (wrapped) when the exchange has no such order.
	QueryOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)

	// Ping checks connectivity to the exchange API.
	Ping(ctx context.Context) error
}

// MarketDataClient is the outbound port for price observation. Quotes carry
// the exchange's own timestamp so staleness and idempotency buckets never
// depend on the local clock.
type MarketDataClient interface {
	// GetQuote retrieves the current best bid/ask for a symbol.
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// StreamQuotes starts a websocket book-ticker stream for the given
	// symbols. Returns channels to observe and stop the stream.
	StreamQuotes(ctx context.Context, symbols []string, handler func(q domain.Quote), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// MarginAccountClient is the outbound port for margin-health observation.
type MarginAccountClient interface {
	// GetMarginSnapshot retrieves the isolated-margin account state for a symbol.
	GetMarginSnapshot(ctx context.Context, symbol string) (*domain.MarginAccountSnapshot, error)
}
