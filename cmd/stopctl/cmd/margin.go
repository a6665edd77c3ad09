package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stopguard/internal/app"
	"stopguard/internal/domain"
)

// marginCmd inspects isolated-margin health for every symbol with open
// positions, optionally force-closing on DANGER.
var marginCmd = &cobra.Command{
	Use:   "margin",
	Short: "Check isolated-margin account health",
	Long: `Check margin level health for every symbol carrying open positions.

Levels: SAFE (>= 2.0), CAUTION (>= 1.5), WARNING (>= 1.3), CRITICAL
(>= 1.1) and DANGER below that. With --auto-close, DANGER force-closes
the symbol's positions through the normal execution pipeline.

Examples:
  stopctl margin
  stopctl margin --auto-close
  stopctl margin --continuous --interval 60s --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetInt64("tenant")
		autoClose, _ := cmd.Flags().GetBool("auto-close")
		continuous, _ := cmd.Flags().GetBool("continuous")
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		d, err := buildDeps(ctx, autoClose)
		if err != nil {
			return err
		}
		defer d.close()

		if !continuous {
			return runMarginOnce(ctx, d, tenantID)
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
			if err := runMarginOnce(ctx, d, tenantID); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(os.Stderr, "margin pass failed: %v\n", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func runMarginOnce(ctx context.Context, d *deps, tenantID int64) error {
	reports, err := d.margin.CheckOnce(ctx, tenantID)
	if err != nil {
		return err
	}
	if _, err := d.drainer.DrainOnce(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "outbox drain failed: %v\n", err)
	}
	printMarginReports(reports)

	danger := 0
	for _, r := range reports {
		if r.Level == domain.MarginDanger {
			danger++
		}
	}
	if danger > 0 {
		return fmt.Errorf("%d symbol(s) at DANGER margin level", danger)
	}
	return nil
}

func printMarginReports(reports []app.MarginReport) {
	if jsonOutput {
		out, _ := json.Marshal(reports)
		fmt.Println(string(out))
		return
	}
	if len(reports) == 0 {
		fmt.Println("no open positions to check")
		return
	}
	for _, r := range reports {
		line := fmt.Sprintf("%s level=%s ratio=%s", r.Symbol, r.Level, r.MarginRatio)
		if len(r.Closed) > 0 {
			line += fmt.Sprintf(" closed=%v", r.Closed)
		}
		fmt.Println(line)
	}
}

func init() {
	marginCmd.Flags().Int64("tenant", 0, "Tenant ID (0 checks every tenant)")
	marginCmd.Flags().Bool("auto-close", false, "Force-close positions on DANGER margin level")
	marginCmd.Flags().Bool("continuous", false, "Keep checking on an interval until interrupted")
	marginCmd.Flags().Duration("interval", time.Minute, "Interval between continuous checks")
}
