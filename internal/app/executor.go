package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
	"stopguard/internal/risk"
)

// Executor turns a recorded trigger into a protective close on the
// exchange with at-most-once semantics: the trigger insert is idempotent,
// a compare-and-set claim on the projection serializes concurrent
// submissions, and the client order id lets an ambiguous timeout or a
// crashed in-flight run be resolved by querying the exchange instead of
// blindly retrying.
type Executor struct {
	positions ports.PositionRepository
	events    ports.EventRepository
	exchange  ports.ExecutionClient
	gate      *risk.Gate
	logger    ports.Logger

	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	now         func() time.Time
}

// ExecutorConfig holds the executor dependencies.
type ExecutorConfig struct {
	Positions   ports.PositionRepository
	Events      ports.EventRepository
	Exchange    ports.ExecutionClient
	Gate        *risk.Gate
	Logger      ports.Logger
	MaxAttempts int           // Submission attempts for transient errors (default 3)
	BackoffMin  time.Duration // Default 200ms
	BackoffMax  time.Duration // Default 5s
	Now         func() time.Time
}

// ExecutionResult reports what one trigger handling pass did.
type ExecutionResult struct {
	// Recorded is true when this call inserted the trigger; false means a
	// redundant detection collapsed onto an earlier one.
	Recorded  bool
	Execution *domain.StopExecution
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Positions == nil || cfg.Events == nil || cfg.Exchange == nil || cfg.Gate == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for Executor", ports.ErrConfigurationError)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		positions:   cfg.Positions,
		events:      cfg.Events,
		exchange:    cfg.Exchange,
		gate:        cfg.Gate,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		backoffMin:  cfg.BackoffMin,
		backoffMax:  cfg.BackoffMax,
		now:         cfg.Now,
	}, nil
}

// HandleTrigger records the trigger idempotently and drives the execution
// to a terminal state. Safe to call concurrently and repeatedly with the
// same trigger: exactly one close order reaches the exchange.
func (e *Executor) HandleTrigger(ctx context.Context, trigger *domain.TriggerEvent) (*ExecutionResult, error) {
	op := "HandleTrigger"
	corrID := trigger.CorrelationID()

	pos, err := e.positions.FindByID(ctx, trigger.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("%s: position %d status %s: %w", op, pos.ID, pos.Status, ports.ErrPositionNotOpen)
	}

	// One armed execution per open position: a trigger is only recorded
	// when no projection exists yet. Redundant detections at a later
	// second collapse onto the stored run instead of re-arming it.
	exec, err := e.events.GetExecution(ctx, trigger.PositionID)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return nil, fmt.Errorf("%s: load execution: %w", op, err)
	}

	recorded := false
	if exec == nil {
		triggerEvent := &domain.StopEvent{
			EventID:       uuid.NewString(),
			PositionID:    trigger.PositionID,
			TenantID:      trigger.TenantID,
			Symbol:        trigger.Symbol,
			Type:          domain.EventStopTriggered,
			Kind:          trigger.Kind,
			Side:          trigger.ClosingSide(),
			Quantity:      trigger.Quantity,
			EntryPrice:    trigger.EntryPrice,
			StopPrice:     trigger.StopPrice,
			TriggerPrice:  trigger.ObservedPrice,
			CorrelationID: corrID,
			Source:        trigger.Source,
			OccurredAt:    trigger.ObservedAt,
		}

		recorded, err = e.events.InsertTriggerIfAbsent(ctx, triggerEvent, newOutboxEntry(triggerEvent))
		if err != nil {
			return nil, fmt.Errorf("%s: record trigger: %w", op, err)
		}
		exec, err = e.events.GetExecution(ctx, trigger.PositionID)
		if err != nil {
			return nil, fmt.Errorf("%s: load execution: %w", op, err)
		}
	}

	if !recorded {
		// A concurrent or earlier detection got here first. A finished run
		// returns its outcome untouched.
		if exec.IsTerminal() {
			e.logger.Debug(ctx, "trigger already handled", map[string]interface{}{
				"positionID":    trigger.PositionID,
				"correlationID": exec.CorrelationID,
				"status":        string(exec.Status),
			})
			return &ExecutionResult{Recorded: false, Execution: exec}, nil
		}
		// An in-flight submission is reconciled against the exchange: the
		// order either landed (record it) or never arrived (resume it).
		if exec.InFlight() {
			known, qErr := e.exchange.QueryOrderStatus(ctx, exec.Symbol, exec.CorrelationID)
			if qErr == nil {
				e.logger.Warn(ctx, "in-flight order found on the exchange", map[string]interface{}{
					"positionID":    exec.PositionID,
					"clientOrderID": exec.CorrelationID,
					"status":        known.Status,
				})
				out, fErr := e.finalizeExecuted(ctx, pos, exec, known)
				if fErr != nil {
					return &ExecutionResult{Recorded: false, Execution: out}, fmt.Errorf("%s: %w", op, fErr)
				}
				return &ExecutionResult{Recorded: false, Execution: out}, nil
			}
			if !errors.Is(qErr, ports.ErrOrderNotFound) {
				return nil, fmt.Errorf("%s: reconcile in-flight order: %w", op, qErr)
			}
			e.logger.Warn(ctx, "in-flight order never reached the exchange, resuming", map[string]interface{}{
				"positionID":    exec.PositionID,
				"clientOrderID": exec.CorrelationID,
			})
		}
		// PENDING, FAILED, BLOCKED or a lost in-flight order is driven
		// onward under the stored correlation id.
		corrID = exec.CorrelationID
	}

	decision, err := e.gate.AllowProtectiveAction(ctx, trigger.TenantID, e.now())
	if err != nil {
		return nil, fmt.Errorf("%s: policy check: %w", op, err)
	}
	if !decision.Allowed {
		exec, err := e.markBlocked(ctx, exec, decision.Reason)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &ExecutionResult{Recorded: recorded, Execution: exec}, nil
	}

	exec, err = e.execute(ctx, pos, exec, corrID)
	if err != nil {
		return &ExecutionResult{Recorded: recorded, Execution: exec}, err
	}
	return &ExecutionResult{Recorded: recorded, Execution: exec}, nil
}

// execute claims the submission, submits the protective order and records
// the outcome. The claim is a compare-and-set on the projection, so of any
// number of concurrent runs exactly one reaches the exchange.
func (e *Executor) execute(ctx context.Context, pos *domain.Position, exec *domain.StopExecution, corrID string) (*domain.StopExecution, error) {
	op := "execute"

	submittedEvent := e.lifecycleEvent(exec, domain.EventExecutionSubmitted, "")
	claimed, err := e.events.ClaimSubmission(ctx, submittedEvent, exec.Status, exec.SubmittedAt)
	if err != nil {
		return exec, fmt.Errorf("%s: claim submission: %w", op, err)
	}
	if !claimed {
		// Another run won the claim; report its state instead of racing it.
		current, loadErr := e.events.GetExecution(ctx, exec.PositionID)
		if loadErr != nil {
			return exec, fmt.Errorf("%s: reload execution after lost claim: %w", op, loadErr)
		}
		e.logger.Debug(ctx, "submission already claimed", map[string]interface{}{
			"positionID": exec.PositionID,
			"status":     string(current.Status),
		})
		return current, nil
	}
	exec.Status = domain.ExecSubmitted
	exec.SubmittedAt = submittedEvent.OccurredAt

	result, err := e.submitWithRetry(ctx, exec, corrID)
	if err != nil {
		failedEvent := e.lifecycleEvent(exec, domain.EventExecutionFailed, err.Error())
		exec.Status = domain.ExecFailed
		exec.FailedAt = failedEvent.OccurredAt
		exec.ErrorMessage = err.Error()
		exec.RetryCount++
		if appendErr := e.events.AppendEvent(ctx, failedEvent, exec, newOutboxEntry(failedEvent)); appendErr != nil {
			e.logger.Error(ctx, appendErr, "failed to record execution failure", map[string]interface{}{
				"positionID": exec.PositionID,
			})
		}
		return exec, fmt.Errorf("%s: %w", op, err)
	}

	return e.finalizeExecuted(ctx, pos, exec, result)
}

// finalizeExecuted records a filled order: EXECUTED event, projection,
// outbox, position close and the realized P&L booked into the policy.
func (e *Executor) finalizeExecuted(ctx context.Context, pos *domain.Position, exec *domain.StopExecution, result *ports.OrderResult) (*domain.StopExecution, error) {
	op := "finalizeExecuted"

	fill := result.AvgFillPrice
	if fill.IsZero() {
		fill = exec.TriggerPrice
	}
	slippage := slippagePercent(exec.StopPrice, fill)
	pnl := pos.PnLAt(fill)

	executedEvent := e.lifecycleEvent(exec, domain.EventExecuted, "")
	executedEvent.ExchangeOrderID = result.OrderID
	executedEvent.FillPrice = fill
	executedEvent.SlippagePct = slippage
	executedEvent.PnL = pnl

	exec.Status = domain.ExecExecuted
	exec.ExecutedAt = executedEvent.OccurredAt
	exec.ExchangeOrderID = result.OrderID
	exec.FillPrice = fill
	exec.SlippagePct = slippage
	exec.PnL = pnl
	exec.ErrorMessage = ""

	if err := e.events.AppendEvent(ctx, executedEvent, exec, newOutboxEntry(executedEvent)); err != nil {
		return exec, fmt.Errorf("%s: record execution: %w", op, err)
	}

	status := domain.StatusStopped
	if exec.Kind == domain.TriggerTakeProfit {
		status = domain.StatusTargetHit
	}
	if err := e.positions.UpdateStatus(ctx, pos.ID, status, exec.ExecutedAt); err != nil {
		return exec, fmt.Errorf("%s: close position: %w", op, err)
	}

	if _, err := e.gate.ApplyFill(ctx, exec.TenantID, pnl, exec.ExecutedAt); err != nil {
		e.logger.Error(ctx, err, "failed to book fill into risk policy", map[string]interface{}{
			"positionID": exec.PositionID,
			"pnl":        pnl.String(),
		})
	}

	e.logger.Info(ctx, "protective order executed", map[string]interface{}{
		"positionID":  exec.PositionID,
		"orderID":     result.OrderID,
		"fillPrice":   fill.String(),
		"slippagePct": slippage.String(),
		"pnl":         pnl.String(),
	})
	return exec, nil
}

// submitWithRetry places the order, retrying only transient failures with
// bounded exponential backoff. After an ambiguous timeout it queries the
// order by client id first: if the submit landed, that result is used and
// no second order is sent.
func (e *Executor) submitWithRetry(ctx context.Context, exec *domain.StopExecution, clientOrderID string) (*ports.OrderResult, error) {
	b := &backoff.Backoff{
		Min:    e.backoffMin,
		Max:    e.backoffMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		result, err := e.exchange.SubmitProtectiveOrder(ctx, exec.Symbol, exec.Side, exec.Quantity, clientOrderID)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isAmbiguous(err) {
			// The order may have landed. Ask before retrying.
			known, queryErr := e.exchange.QueryOrderStatus(ctx, exec.Symbol, clientOrderID)
			if queryErr == nil {
				e.logger.Warn(ctx, "submit timed out but order landed", map[string]interface{}{
					"positionID":    exec.PositionID,
					"clientOrderID": clientOrderID,
					"status":        known.Status,
				})
				return known, nil
			}
			if !errors.Is(queryErr, ports.ErrOrderNotFound) {
				return nil, fmt.Errorf("ambiguous submit, status query failed: %w", queryErr)
			}
			// Not on the exchange; safe to retry.
		} else if !isTransient(err) {
			return nil, err
		}

		if attempt == e.maxAttempts {
			break
		}
		delay := b.Duration()
		e.logger.Warn(ctx, "transient submit failure, backing off", map[string]interface{}{
			"positionID": exec.PositionID,
			"attempt":    attempt,
			"delay":      delay.String(),
			"error":      err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ports.ErrContextCanceled, ctx.Err())
		}
	}
	return nil, fmt.Errorf("submit failed after %d attempts: %w", e.maxAttempts, lastErr)
}

// markBlocked records a BLOCKED event when the kill switch stops execution.
func (e *Executor) markBlocked(ctx context.Context, exec *domain.StopExecution, reason string) (*domain.StopExecution, error) {
	blockedEvent := e.lifecycleEvent(exec, domain.EventExecutionBlocked, reason)
	exec.Status = domain.ExecBlocked
	exec.FailedAt = blockedEvent.OccurredAt
	exec.ErrorMessage = reason
	if err := e.events.AppendEvent(ctx, blockedEvent, exec, newOutboxEntry(blockedEvent)); err != nil {
		return exec, fmt.Errorf("record blocked execution: %w", err)
	}
	e.logger.Warn(ctx, "execution blocked by risk policy", map[string]interface{}{
		"positionID": exec.PositionID,
		"reason":     reason,
	})
	return exec, nil
}

// lifecycleEvent derives a follow-up event from the execution projection.
func (e *Executor) lifecycleEvent(exec *domain.StopExecution, evType domain.StopEventType, errMsg string) *domain.StopEvent {
	return &domain.StopEvent{
		EventID:       uuid.NewString(),
		PositionID:    exec.PositionID,
		TenantID:      exec.TenantID,
		Symbol:        exec.Symbol,
		Type:          evType,
		Kind:          exec.Kind,
		Side:          exec.Side,
		Quantity:      exec.Quantity,
		StopPrice:     exec.StopPrice,
		TriggerPrice:  exec.TriggerPrice,
		CorrelationID: exec.CorrelationID,
		Source:        exec.Source,
		ErrorMessage:  errMsg,
		OccurredAt:    e.now(),
	}
}

// slippagePercent is the signed fill deviation from the configured stop
// level, as a percentage of that level.
func slippagePercent(stopPrice, fillPrice decimal.Decimal) decimal.Decimal {
	if stopPrice.IsZero() {
		return decimal.Zero
	}
	return fillPrice.Sub(stopPrice).Div(stopPrice).Mul(decimal.NewFromInt(100)).Round(4)
}

// isTransient reports whether a submit failure is worth retrying.
func isTransient(err error) bool {
	return errors.Is(err, ports.ErrRateLimited) ||
		errors.Is(err, ports.ErrExchangeUnavailable) ||
		errors.Is(err, ports.ErrConnectionFailed)
}

// isAmbiguous reports whether the submit outcome is unknown: the request
// may or may not have reached the matching engine.
func isAmbiguous(err error) bool {
	return errors.Is(err, ports.ErrTimeout)
}
