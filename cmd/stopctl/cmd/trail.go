package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stopguard/internal/domain"
)

// trailCmd ratchets trailing stops, either for one position or across
// every open position.
var trailCmd = &cobra.Command{
	Use:   "trail",
	Short: "Ratchet trailing stops by the hand-span rule",
	Long: `Apply the hand-span trailing rule to open positions.

One full span of favorable movement moves the stop to break-even net of
costs; each further span ratchets it one span higher (lower for shorts).
Stops never loosen. Each step is recorded once no matter how many sweeps
compute it.

Examples:
  stopctl trail                       # Sweep every open position
  stopctl trail --position 42         # One position
  stopctl trail --position 42 --simulate
  stopctl trail --tenant 2 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		positionID, _ := cmd.Flags().GetInt64("position")
		tenantID, _ := cmd.Flags().GetInt64("tenant")
		simulate, _ := cmd.Flags().GetBool("simulate")

		ctx := cmd.Context()
		d, err := buildDeps(ctx, false)
		if err != nil {
			return err
		}
		defer d.close()

		if positionID > 0 {
			return trailOne(ctx, d, positionID, simulate)
		}
		if simulate {
			return fmt.Errorf("--simulate requires --position")
		}

		summary, err := d.trailer.RunOnce(ctx, tenantID)
		if err != nil {
			return err
		}
		if _, err := d.drainer.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "outbox drain failed: %v\n", err)
		}

		if jsonOutput {
			out, _ := json.Marshal(map[string]int{
				"checked":   summary.Checked,
				"adjusted":  summary.Adjusted,
				"unchanged": summary.Unchanged,
				"blocked":   summary.Blocked,
				"failed":    summary.Failed,
			})
			fmt.Println(string(out))
		} else {
			fmt.Printf("checked=%d adjusted=%d unchanged=%d blocked=%d failed=%d\n",
				summary.Checked, summary.Adjusted, summary.Unchanged, summary.Blocked, summary.Failed)
		}
		return summaryExit(summary.Failed, summary.Blocked)
	},
}

// trailOne previews or applies the pending step for a single position.
func trailOne(ctx context.Context, d *deps, positionID int64, simulate bool) error {
	if simulate {
		adj, err := d.trailer.Preview(ctx, positionID)
		if err != nil {
			return err
		}
		printAdjustment(adj, true)
		return nil
	}

	pos, err := d.repo.FindByID(ctx, positionID)
	if err != nil {
		return err
	}
	quote, err := d.client.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	adj, applied, err := d.trailer.TrailPosition(ctx, pos, quote)
	if err != nil {
		return err
	}
	if adj != nil && !applied {
		fmt.Fprintln(os.Stderr, "step already applied by an earlier sweep")
	}
	printAdjustment(adj, false)
	if applied {
		if _, err := d.drainer.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "outbox drain failed: %v\n", err)
		}
	}
	return nil
}

func printAdjustment(adj *domain.TrailingStopAdjustment, simulated bool) {
	if adj == nil {
		if jsonOutput {
			fmt.Println(`{"adjusted":false}`)
		} else {
			fmt.Println("no adjustment due")
		}
		return
	}
	if jsonOutput {
		out, _ := json.Marshal(map[string]interface{}{
			"adjusted":      true,
			"simulated":     simulated,
			"position_id":   adj.PositionID,
			"old_stop":      adj.OldStop.String(),
			"new_stop":      adj.NewStop.String(),
			"reason":        string(adj.Reason),
			"step_index":    adj.StepIndex,
			"spans_crossed": adj.SpansCrossed,
			"token":         adj.Token,
		})
		fmt.Println(string(out))
		return
	}
	verb := "ratcheted"
	if simulated {
		verb = "would ratchet"
	}
	fmt.Printf("position %d %s %s -> %s (%s, step %d)\n",
		adj.PositionID, verb, adj.OldStop.String(), adj.NewStop.String(), adj.Reason, adj.StepIndex)
}

func init() {
	trailCmd.Flags().Int64("position", 0, "Apply to a single position ID")
	trailCmd.Flags().Int64("tenant", 0, "Tenant ID for the sweep (0 sweeps every tenant)")
	trailCmd.Flags().Bool("simulate", false, "Compute the adjustment without persisting it")
}
