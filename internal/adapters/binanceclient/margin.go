package binanceclient

import (
	"context"
	"fmt"
	"time"

	"stopguard/internal/domain"
)

// GetMarginSnapshot retrieves the isolated-margin account state for a
// symbol. Binance reports the margin level as a string ratio; 999 means
// no borrowings.
func (c *Client) GetMarginSnapshot(ctx context.Context, symbol string) (*domain.MarginAccountSnapshot, error) {
	op := "GetMarginSnapshot"

	account, err := c.api.NewGetIsolatedMarginAccountService().Symbols(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	for _, asset := range account.Assets {
		if asset.Symbol != symbol {
			continue
		}
		snap := &domain.MarginAccountSnapshot{
			Symbol:           asset.Symbol,
			BaseAsset:        asset.BaseAsset.Asset,
			BaseFree:         parseDecimal(asset.BaseAsset.Free),
			BaseBorrowed:     parseDecimal(asset.BaseAsset.Borrowed),
			QuoteAsset:       asset.QuoteAsset.Asset,
			QuoteFree:        parseDecimal(asset.QuoteAsset.Free),
			QuoteBorrowed:    parseDecimal(asset.QuoteAsset.Borrowed),
			MarginRatio:      parseDecimal(asset.MarginLevel),
			LiquidationPrice: parseDecimal(asset.LiquidatePrice),
			ObservedAt:       time.Now().UTC(),
		}
		c.logger.Debug(ctx, op+" successful", map[string]interface{}{
			"symbol":      symbol,
			"marginRatio": snap.MarginRatio.String(),
			"health":      string(snap.Health()),
		})
		return snap, nil
	}

	err = fmt.Errorf("no isolated margin account for symbol %s", symbol)
	return nil, c.handleError(ctx, err, op)
}
