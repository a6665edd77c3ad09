package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "stopguard-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}

	return repo, cleanup
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testPosition(tenantID int64) *domain.Position {
	return &domain.Position{
		TenantID:    tenantID,
		Symbol:      "BTCUSDT",
		Side:        domain.Long,
		Quantity:    d("0.5"),
		EntryPrice:  d("90000"),
		InitialStop: d("88200"),
		StopPrice:   d("88200"),
		TargetPrice: d("95000"),
		Leverage:    3,
		Status:      domain.StatusOpen,
	}
}

func seedPosition(t *testing.T, repo *Repository, tenantID int64) *domain.Position {
	t.Helper()
	pos := testPosition(tenantID)
	id, err := repo.Create(context.Background(), pos)
	require.NoError(t, err)
	pos.ID = id
	return pos
}

func testTrigger(pos *domain.Position, at time.Time) *domain.StopEvent {
	return &domain.StopEvent{
		EventID:       "ev-" + at.Format(time.RFC3339Nano),
		PositionID:    pos.ID,
		TenantID:      pos.TenantID,
		Symbol:        pos.Symbol,
		Type:          domain.EventStopTriggered,
		Kind:          domain.TriggerStopLoss,
		Side:          domain.Sell,
		Quantity:      pos.Quantity,
		EntryPrice:    pos.EntryPrice,
		StopPrice:     pos.StopPrice,
		TriggerPrice:  d("88100"),
		CorrelationID: "corr-1",
		Source:        domain.SourceFeed,
		OccurredAt:    at,
	}
}

func testOutboxEntry(id, corrID string, pos *domain.Position, kind domain.OutboxKind) *domain.OutboxEntry {
	channel := domain.ChannelStopEvents
	if kind == domain.OutboxCommand {
		channel = domain.ChannelStopCommands
	}
	return &domain.OutboxEntry{
		ID:            id,
		Kind:          kind,
		Channel:       channel,
		PositionID:    pos.ID,
		EventType:     domain.EventStopTriggered,
		CorrelationID: corrID,
		Payload:       []byte(`{"test":true}`),
		CreatedAt:     time.Now().UTC(),
	}
}

func TestRepositoryPositions(t *testing.T) {
	ctx := context.Background()

	t.Run("create and find roundtrip", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := seedPosition(t, repo, 1)
		got, err := repo.FindByID(ctx, pos.ID)
		require.NoError(t, err)

		assert.Equal(t, pos.ID, got.ID)
		assert.Equal(t, "BTCUSDT", got.Symbol)
		assert.Equal(t, domain.Long, got.Side)
		assert.True(t, got.Quantity.Equal(d("0.5")))
		assert.True(t, got.StopPrice.Equal(d("88200")))
		assert.True(t, got.IsOpen())
	})

	t.Run("invalid position is rejected", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := testPosition(1)
		pos.InitialStop = d("91000") // Above entry for a long
		_, err := repo.Create(ctx, pos)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ports.ErrInvalidRequest))
	})

	t.Run("find by id not found", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		_, err := repo.FindByID(ctx, 999)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ports.ErrNotFound))
	})

	t.Run("find open filters by tenant and status", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		seedPosition(t, repo, 1)
		seedPosition(t, repo, 2)
		closed := seedPosition(t, repo, 1)
		require.NoError(t, repo.UpdateStatus(ctx, closed.ID, domain.StatusStopped, time.Now().UTC()))

		all, err := repo.FindOpen(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		tenant1, err := repo.FindOpen(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, tenant1, 1)
	})

	t.Run("mark checked bumps the counter", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := seedPosition(t, repo, 1)
		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, repo.MarkChecked(ctx, pos.ID, now))
		require.NoError(t, repo.MarkChecked(ctx, pos.ID, now.Add(time.Second)))

		got, err := repo.FindByID(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.CheckCount)
		assert.False(t, got.LastCheckAt.IsZero())
	})

	t.Run("update status records close time", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := seedPosition(t, repo, 1)
		at := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, repo.UpdateStatus(ctx, pos.ID, domain.StatusTargetHit, at))

		got, err := repo.FindByID(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusTargetHit, got.Status)
		assert.False(t, got.ClosedAt.IsZero())
		assert.False(t, got.IsOpen())
	})
}

func TestRepositoryInsertTriggerIfAbsent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("first insert records event, projection and outbox", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := seedPosition(t, repo, 1)
		ev := testTrigger(pos, now)
		recorded, err := repo.InsertTriggerIfAbsent(ctx, ev, testOutboxEntry("ob-1", ev.CorrelationID, pos, domain.OutboxCommand))
		require.NoError(t, err)
		assert.True(t, recorded)
		assert.Equal(t, int64(1), ev.Seq)

		exec, err := repo.GetExecution(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecPending, exec.Status)
		assert.Equal(t, "corr-1", exec.CorrelationID)

		pending, err := repo.ListUnpublished(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("duplicate correlation id writes nothing", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := seedPosition(t, repo, 1)
		first := testTrigger(pos, now)
		recorded, err := repo.InsertTriggerIfAbsent(ctx, first, testOutboxEntry("ob-1", first.CorrelationID, pos, domain.OutboxCommand))
		require.NoError(t, err)
		require.True(t, recorded)

		second := testTrigger(pos, now)
		second.EventID = "ev-second"
		recorded, err = repo.InsertTriggerIfAbsent(ctx, second, testOutboxEntry("ob-2", second.CorrelationID, pos, domain.OutboxCommand))
		require.NoError(t, err)
		assert.False(t, recorded)

		events, err := repo.ListEvents(ctx, pos.ID)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		pending, err := repo.ListUnpublished(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("a new level crossing is a new trigger", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := seedPosition(t, repo, 1)
		first := testTrigger(pos, now)
		_, err := repo.InsertTriggerIfAbsent(ctx, first, nil)
		require.NoError(t, err)

		other := seedPosition(t, repo, 1)
		second := testTrigger(other, now)
		second.EventID = "ev-other"
		second.CorrelationID = "corr-2"
		recorded, err := repo.InsertTriggerIfAbsent(ctx, second, nil)
		require.NoError(t, err)
		assert.True(t, recorded)
	})
}

func TestRepositoryClaimSubmission(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	repo, cleanup := setupTestDB(t)
	defer cleanup()

	pos := seedPosition(t, repo, 1)
	trigger := testTrigger(pos, now)
	_, err := repo.InsertTriggerIfAbsent(ctx, trigger, nil)
	require.NoError(t, err)

	submission := func(id string, at time.Time) *domain.StopEvent {
		return &domain.StopEvent{
			EventID:       id,
			PositionID:    pos.ID,
			TenantID:      pos.TenantID,
			Symbol:        pos.Symbol,
			Type:          domain.EventExecutionSubmitted,
			Kind:          trigger.Kind,
			Side:          trigger.Side,
			Quantity:      trigger.Quantity,
			StopPrice:     trigger.StopPrice,
			CorrelationID: trigger.CorrelationID,
			Source:        trigger.Source,
			OccurredAt:    at,
		}
	}

	// The first claim moves the pending projection into SUBMITTED.
	claimed, err := repo.ClaimSubmission(ctx, submission("ev-claim-1", now.Add(time.Second)), domain.ExecPending, time.Time{})
	require.NoError(t, err)
	assert.True(t, claimed)

	exec, err := repo.GetExecution(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecSubmitted, exec.Status)
	assert.False(t, exec.SubmittedAt.IsZero())

	// A second claimer that still observed PENDING loses and writes nothing.
	claimed, err = repo.ClaimSubmission(ctx, submission("ev-claim-2", now.Add(2*time.Second)), domain.ExecPending, time.Time{})
	require.NoError(t, err)
	assert.False(t, claimed)

	events, err := repo.ListEvents(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// A resume that observed the current in-flight state reclaims it.
	claimed, err = repo.ClaimSubmission(ctx, submission("ev-claim-3", now.Add(3*time.Second)), domain.ExecSubmitted, exec.SubmittedAt)
	require.NoError(t, err)
	assert.True(t, claimed)

	events, err = repo.ListEvents(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRepositoryAppendEvent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	repo, cleanup := setupTestDB(t)
	defer cleanup()

	pos := seedPosition(t, repo, 1)
	trigger := testTrigger(pos, now)
	_, err := repo.InsertTriggerIfAbsent(ctx, trigger, nil)
	require.NoError(t, err)

	exec, err := repo.GetExecution(ctx, pos.ID)
	require.NoError(t, err)

	submitted := &domain.StopEvent{
		EventID:       "ev-submitted",
		PositionID:    pos.ID,
		TenantID:      pos.TenantID,
		Symbol:        pos.Symbol,
		Type:          domain.EventExecutionSubmitted,
		Kind:          exec.Kind,
		Side:          exec.Side,
		Quantity:      exec.Quantity,
		StopPrice:     exec.StopPrice,
		CorrelationID: exec.CorrelationID,
		Source:        exec.Source,
		OccurredAt:    now.Add(time.Second),
	}
	exec.Status = domain.ExecSubmitted
	exec.SubmittedAt = submitted.OccurredAt
	require.NoError(t, repo.AppendEvent(ctx, submitted, exec, nil))
	assert.Equal(t, int64(2), submitted.Seq)

	executed := &domain.StopEvent{
		EventID:         "ev-executed",
		PositionID:      pos.ID,
		TenantID:        pos.TenantID,
		Symbol:          pos.Symbol,
		Type:            domain.EventExecuted,
		Kind:            exec.Kind,
		Side:            exec.Side,
		Quantity:        exec.Quantity,
		StopPrice:       exec.StopPrice,
		CorrelationID:   exec.CorrelationID,
		Source:          exec.Source,
		ExchangeOrderID: "555",
		FillPrice:       d("88150"),
		SlippagePct:     d("-0.0567"),
		PnL:             d("-925"),
		OccurredAt:      now.Add(2 * time.Second),
	}
	exec.Status = domain.ExecExecuted
	exec.ExecutedAt = executed.OccurredAt
	exec.ExchangeOrderID = "555"
	exec.FillPrice = executed.FillPrice
	exec.SlippagePct = executed.SlippagePct
	exec.PnL = executed.PnL
	require.NoError(t, repo.AppendEvent(ctx, executed, exec, testOutboxEntry("ob-exec", exec.CorrelationID, pos, domain.OutboxEvent)))

	// The stored projection and a replay of the log agree.
	stored, err := repo.GetExecution(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecExecuted, stored.Status)
	assert.Equal(t, "555", stored.ExchangeOrderID)
	assert.True(t, stored.FillPrice.Equal(d("88150")))

	events, err := repo.ListEvents(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	replayed := domain.ReplayExecution(events)
	assert.Equal(t, stored.Status, replayed.Status)
	assert.Equal(t, stored.CorrelationID, replayed.CorrelationID)
	assert.True(t, stored.PnL.Equal(replayed.PnL))
}

func TestRepositoryAdjustments(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	adjustment := func(pos *domain.Position) *domain.TrailingStopAdjustment {
		return &domain.TrailingStopAdjustment{
			PositionID:   pos.ID,
			TenantID:     pos.TenantID,
			Symbol:       pos.Symbol,
			OldStop:      d("88200"),
			NewStop:      d("90135"),
			Reason:       domain.ReasonFeeBuffer,
			StepIndex:    1,
			SpansCrossed: 1,
			CurrentPrice: d("91800"),
			Token:        domain.AdjustmentToken(pos.ID, 1),
			CreatedAt:    now,
		}
	}

	t.Run("apply moves the stop and writes the outbox", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := seedPosition(t, repo, 1)
		adj := adjustment(pos)
		applied, err := repo.InsertAdjustmentIfAbsent(ctx, adj, testOutboxEntry("ob-adj", adj.Token, pos, domain.OutboxEvent))
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := repo.FindByID(ctx, pos.ID)
		require.NoError(t, err)
		assert.True(t, got.StopPrice.Equal(d("90135")))

		pending, err := repo.ListUnpublished(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("token collision leaves everything untouched", func(t *testing.T) {
		repo, cleanup := setupTestDB(t)
		defer cleanup()

		pos := seedPosition(t, repo, 1)
		applied, err := repo.InsertAdjustmentIfAbsent(ctx, adjustment(pos), nil)
		require.NoError(t, err)
		require.True(t, applied)

		retry := adjustment(pos)
		retry.NewStop = d("90200") // Different proposal, same step token
		applied, err = repo.InsertAdjustmentIfAbsent(ctx, retry, nil)
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := repo.FindByID(ctx, pos.ID)
		require.NoError(t, err)
		assert.True(t, got.StopPrice.Equal(d("90135")))

		list, err := repo.ListAdjustments(ctx, pos.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestRepositoryOutbox(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	repo, cleanup := setupTestDB(t)
	defer cleanup()

	pos := seedPosition(t, repo, 1)
	first := testTrigger(pos, now)
	_, err := repo.InsertTriggerIfAbsent(ctx, first, testOutboxEntry("ob-1", "corr-1", pos, domain.OutboxCommand))
	require.NoError(t, err)

	other := seedPosition(t, repo, 1)
	second := testTrigger(other, now.Add(time.Second))
	second.CorrelationID = "corr-2"
	_, err = repo.InsertTriggerIfAbsent(ctx, second, testOutboxEntry("ob-2", "corr-2", other, domain.OutboxCommand))
	require.NoError(t, err)

	pending, err := repo.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "ob-1", pending[0].ID)
	assert.Equal(t, domain.ChannelStopCommands, pending[0].Channel)

	require.NoError(t, repo.MarkPublished(ctx, "ob-1", now.Add(2*time.Second)))
	pending, err = repo.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ob-2", pending[0].ID)

	require.NoError(t, repo.RecordPublishFailure(ctx, "ob-2", "redis down"))
	pending, err = repo.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "redis down", pending[0].LastError)

	assert.True(t, errors.Is(repo.MarkPublished(ctx, "missing", now), ports.ErrNotFound))
}

func TestRepositoryPolicy(t *testing.T) {
	ctx := context.Background()

	repo, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := repo.GetPolicy(ctx, 1, "2026-03")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrNotFound))

	state := domain.NewRiskPolicyState(1, "2026-03", d("1000"), d("4"))
	require.NoError(t, repo.SavePolicy(ctx, state))

	state.ApplyFill(d("-50"), time.Now().UTC())
	require.NoError(t, repo.SavePolicy(ctx, state))

	got, err := repo.GetPolicy(ctx, 1, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyPaused, got.Status)
	assert.True(t, got.CurrentCapital.Equal(d("950")))
	assert.Equal(t, "monthly drawdown limit reached", got.PauseReason)
	assert.Equal(t, 1, got.TotalTrades)
}
