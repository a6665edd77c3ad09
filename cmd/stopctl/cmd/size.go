package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stopguard/internal/domain"
	"stopguard/internal/sizing"
)

// sizeCmd computes position size under the fixed-risk rule. Pure
// calculation; it touches neither the database nor the exchange.
var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Size a position under the fixed-risk rule",
	Long: `Compute position size so the loss at the stop equals the risk budget:

  risk amount = capital x risk% / 100
  quantity    = risk amount / |entry - stop|

With --leverage the margin variant applies, capping margin required
(position value / leverage) instead of position value.

Examples:
  stopctl size --capital 1000 --entry 90000 --stop 88200 --side BUY
  stopctl size --capital 1000 --entry 90000 --stop 88200 --side BUY --leverage 3
  stopctl size --capital 500 --entry 3000 --stop 3150 --side SELL --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		capitalStr, _ := cmd.Flags().GetString("capital")
		entryStr, _ := cmd.Flags().GetString("entry")
		stopStr, _ := cmd.Flags().GetString("stop")
		sideStr, _ := cmd.Flags().GetString("side")
		riskStr, _ := cmd.Flags().GetString("risk-percent")
		positionStr, _ := cmd.Flags().GetString("max-position-percent")
		leverage, _ := cmd.Flags().GetInt("leverage")

		capital, err := parseFlagDecimal("capital", capitalStr)
		if err != nil {
			return err
		}
		entry, err := parseFlagDecimal("entry", entryStr)
		if err != nil {
			return err
		}
		stop, err := parseFlagDecimal("stop", stopStr)
		if err != nil {
			return err
		}
		riskPct, err := parseFlagDecimal("risk-percent", riskStr)
		if err != nil {
			return err
		}
		positionPct, err := parseFlagDecimal("max-position-percent", positionStr)
		if err != nil {
			return err
		}

		if leverage > 0 {
			side := domain.Long
			if strings.EqualFold(sideStr, "SELL") || strings.EqualFold(sideStr, "SHORT") {
				side = domain.Short
			}
			result, err := sizing.CalculateMargin(sizing.MarginInput{
				Capital:          capital,
				EntryPrice:       entry,
				StopPrice:        stop,
				Side:             side,
				Leverage:         leverage,
				MaxRiskPercent:   riskPct,
				MaxMarginPercent: positionPct,
			})
			if err != nil {
				return err
			}
			printMarginSizing(result)
			return nil
		}

		side := domain.Buy
		if strings.EqualFold(sideStr, "SELL") || strings.EqualFold(sideStr, "SHORT") {
			side = domain.Sell
		}
		result, err := sizing.Calculate(sizing.Input{
			Capital:            capital,
			EntryPrice:         entry,
			StopPrice:          stop,
			Side:               side,
			MaxRiskPercent:     riskPct,
			MaxPositionPercent: positionPct,
		})
		if err != nil {
			return err
		}
		printSizing(result)
		return nil
	},
}

func parseFlagDecimal(name, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s value %q: %w", name, value, err)
	}
	return d, nil
}

func printSizing(r sizing.Result) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]interface{}{
			"quantity":              r.Quantity.String(),
			"position_value":        r.PositionValue.String(),
			"risk_amount":           r.RiskAmount.String(),
			"risk_percent":          r.RiskPercent.String(),
			"stop_distance":         r.StopDistance.String(),
			"stop_distance_percent": r.StopDistancePercent.String(),
			"capped":                r.IsCapped,
		})
		fmt.Println(string(out))
		return
	}
	fmt.Printf("quantity=%s value=%s risk=%s (%s%%) stop_distance=%s (%s%%)",
		r.Quantity, r.PositionValue, r.RiskAmount, r.RiskPercent, r.StopDistance, r.StopDistancePercent)
	if r.IsCapped {
		fmt.Print(" [capped]")
	}
	fmt.Println()
}

func printMarginSizing(r sizing.MarginResult) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]interface{}{
			"quantity":              r.Quantity.String(),
			"position_value":        r.PositionValue.String(),
			"margin_required":       r.MarginRequired.String(),
			"risk_amount":           r.RiskAmount.String(),
			"risk_percent":          r.RiskPercent.String(),
			"stop_distance":         r.StopDistance.String(),
			"stop_distance_percent": r.StopDistancePercent.String(),
			"leverage":              r.Leverage,
			"capped":                r.IsCapped,
			"cap_reason":            r.CapReason,
		})
		fmt.Println(string(out))
		return
	}
	fmt.Printf("quantity=%s value=%s margin=%s leverage=%dx risk=%s (%s%%)",
		r.Quantity, r.PositionValue, r.MarginRequired, r.Leverage, r.RiskAmount, r.RiskPercent)
	if r.IsCapped {
		fmt.Printf(" [%s]", r.CapReason)
	}
	fmt.Println()
}

func init() {
	sizeCmd.Flags().String("capital", "", "Capital base for the risk budget (REQUIRED)")
	sizeCmd.Flags().String("entry", "", "Entry price (REQUIRED)")
	sizeCmd.Flags().String("stop", "", "Stop-loss price (REQUIRED)")
	sizeCmd.Flags().String("side", "BUY", "Order side: BUY or SELL")
	sizeCmd.Flags().String("risk-percent", "", "Risk budget percent (default 1)")
	sizeCmd.Flags().String("max-position-percent", "", "Position or margin cap percent (default 50)")
	sizeCmd.Flags().Int("leverage", 0, "Leverage for the margin variant (0 uses spot sizing)")
	_ = sizeCmd.MarkFlagRequired("capital")
	_ = sizeCmd.MarkFlagRequired("entry")
	_ = sizeCmd.MarkFlagRequired("stop")
}
