package binanceclient

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"

	"stopguard/internal/domain"
)

// GetQuote retrieves the current best bid/ask for a symbol. Binance book
// tickers carry no exchange timestamp, so the receive time stands in as
// the observation time.
func (c *Client) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	op := "GetQuote"
	tickers, err := c.api.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.Quote{}, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no book ticker returned for symbol %s", symbol)
		return domain.Quote{}, c.handleError(ctx, err, op)
	}

	t := tickers[0]
	return domain.Quote{
		Symbol:     t.Symbol,
		Bid:        parseDecimal(t.BidPrice),
		Ask:        parseDecimal(t.AskPrice),
		ObservedAt: time.Now().UTC(),
	}, nil
}

// StreamQuotes starts a combined book-ticker websocket stream for the
// given symbols, reconnecting with exponential backoff when the stream
// drops. The returned stopCh cancels the stream; doneCh closes once the
// stream is fully shut down.
func (c *Client) StreamQuotes(ctx context.Context, symbols []string, handler func(q domain.Quote), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamQuotes"
	wsCtx, cancelWs := context.WithCancel(ctx)

	binanceHandler := func(event *binance.WsBookTickerEvent) {
		if event == nil {
			return
		}
		handler(domain.Quote{
			Symbol:     event.Symbol,
			Bid:        parseDecimal(event.BestBidPrice),
			Ask:        parseDecimal(event.BestAskPrice),
			ObservedAt: time.Now().UTC(),
		})
	}

	binanceErrHandler := func(err error) {
		translatedErr := c.handleError(wsCtx, err, op+" WebSocket")
		errHandler(translatedErr)
	}

	// Reconnection loop
	go func() {
		defer cancelWs()

		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				c.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.", map[string]interface{}{"symbols": symbols})
				return
			default:
				c.logger.Info(wsCtx, op+": Attempting WebSocket connection...", map[string]interface{}{"symbols": symbols, "attempt": attempt + 1})
				innerDoneCh, innerStopCh, connectErr := binance.WsCombinedBookTickerServe(symbols, binanceHandler, binanceErrHandler)

				if connectErr != nil {
					c.handleError(wsCtx, connectErr, op+" connection attempt")
					attempt++
					if attempt >= c.maxReconnectAttempts {
						c.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"symbols": symbols, "maxAttempts": c.maxReconnectAttempts})
						return
					}

					delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
					c.logger.Info(wsCtx, op+": Connection failed, retrying...", map[string]interface{}{"attempt": attempt + 1, "delay": delay.String()})

					select {
					case <-time.After(delay):
						continue
					case <-wsCtx.Done():
						return
					}
				}

				c.logger.Info(wsCtx, op+": WebSocket connection established.", map[string]interface{}{"symbols": symbols})
				attempt = 0

				select {
				case <-innerDoneCh:
					c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...", map[string]interface{}{"symbols": symbols})
				case <-wsCtx.Done():
					select {
					case innerStopCh <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}
