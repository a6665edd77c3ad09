package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// checkCmd evaluates every open position against the market once (or
// continuously) and executes protective closes for crossed levels.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check open positions and execute crossed stops",
	Long: `Check every open position against current market prices.

Positions whose stop-loss or take-profit level is crossed are closed
through the idempotent execution pipeline; re-running after a partial
failure resumes instead of double-firing.

Examples:
  stopctl check                         # One sweep, execute crossed stops
  stopctl check --dry-run               # Detect only, change nothing
  stopctl check --continuous --interval 10s
  stopctl check --tenant 2 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetInt64("tenant")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		continuous, _ := cmd.Flags().GetBool("continuous")
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		d, err := buildDeps(ctx, false)
		if err != nil {
			return err
		}
		defer d.close()

		if !continuous {
			summary, err := runCheckOnce(ctx, d, tenantID, dryRun)
			if err != nil {
				return err
			}
			printCheckSummary(summary)
			return summaryExit(summary.Failed, summary.Blocked)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			summary, err := runCheckOnce(ctx, d, tenantID, dryRun)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(os.Stderr, "check pass failed: %v\n", err)
			} else {
				printCheckSummary(summary)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

// checkSummary is the per-pass outcome.
type checkSummary struct {
	Checked   int      `json:"checked"`
	Triggered int      `json:"triggered"`
	Executed  int      `json:"executed"`
	Failed    int      `json:"failed"`
	Blocked   int      `json:"blocked"`
	Skipped   int      `json:"skipped"`
	DryRun    bool     `json:"dry_run,omitempty"`
	Triggers  []string `json:"triggers,omitempty"`
}

func runCheckOnce(ctx context.Context, d *deps, tenantID int64, dryRun bool) (*checkSummary, error) {
	positions, err := d.repo.FindOpen(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	triggers, issues := d.detector.CheckAll(ctx, positions, now)
	summary := &checkSummary{
		Checked:   len(positions),
		Triggered: len(triggers),
		Skipped:   len(issues),
		DryRun:    dryRun,
	}
	for _, pos := range positions {
		_ = d.repo.MarkChecked(ctx, pos.ID, now)
	}

	for _, trigger := range triggers {
		summary.Triggers = append(summary.Triggers, fmt.Sprintf("position %d %s at %s",
			trigger.PositionID, trigger.Kind, trigger.ObservedPrice.String()))
		if dryRun {
			continue
		}
		result, execErr := d.executor.HandleTrigger(ctx, trigger)
		switch {
		case execErr != nil && errors.Is(execErr, ports.ErrPositionNotOpen):
			summary.Skipped++
		case execErr != nil:
			summary.Failed++
		case result.Execution != nil && result.Execution.Status == domain.ExecBlocked:
			summary.Blocked++
		case result.Execution != nil && result.Execution.IsTerminal():
			summary.Executed++
		}
	}

	if !dryRun {
		if _, err := d.drainer.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "outbox drain failed: %v\n", err)
		}
	}
	return summary, nil
}

func printCheckSummary(s *checkSummary) {
	if jsonOutput {
		out, _ := json.Marshal(s)
		fmt.Println(string(out))
		return
	}
	mode := ""
	if s.DryRun {
		mode = " (dry-run)"
	}
	fmt.Printf("checked=%d triggered=%d executed=%d failed=%d blocked=%d skipped=%d%s\n",
		s.Checked, s.Triggered, s.Executed, s.Failed, s.Blocked, s.Skipped, mode)
	for _, t := range s.Triggers {
		fmt.Printf("  %s\n", t)
	}
}

// summaryExit returns a non-nil error when a pass left work failed or
// blocked, so scripts see a non-zero exit code.
func summaryExit(failed, blocked int) error {
	if failed > 0 || blocked > 0 {
		return fmt.Errorf("%d failed, %d blocked", failed, blocked)
	}
	return nil
}

func init() {
	checkCmd.Flags().Int64("tenant", 0, "Tenant ID (0 checks every tenant)")
	checkCmd.Flags().Bool("dry-run", false, "Detect crossings without executing")
	checkCmd.Flags().Bool("continuous", false, "Keep checking on an interval until interrupted")
	checkCmd.Flags().Duration("interval", 10*time.Second, "Interval between continuous checks")
}
