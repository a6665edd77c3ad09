package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

type mockMarginClient struct {
	snapshots map[string]*domain.MarginAccountSnapshot
	errs      map[string]error
	calls     int
}

func (m *mockMarginClient) GetMarginSnapshot(ctx context.Context, symbol string) (*domain.MarginAccountSnapshot, error) {
	m.calls++
	if err, ok := m.errs[symbol]; ok {
		return nil, err
	}
	snap := m.snapshots[symbol]
	cp := *snap
	return &cp, nil
}

func snapshotAt(symbol, ratio string, at time.Time) *domain.MarginAccountSnapshot {
	return &domain.MarginAccountSnapshot{
		Symbol:      symbol,
		MarginRatio: d(ratio),
		ObservedAt:  at,
	}
}

func TestMarginCheckOnceReportsHealth(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	pos := openLong()
	margin := &mockMarginClient{snapshots: map[string]*domain.MarginAccountSnapshot{
		"BTCUSDT": snapshotAt("BTCUSDT", "1.4", now),
	}}

	watcher, err := NewMarginWatcher(MarginWatcherConfig{
		Positions:  newMockPositionRepo(pos),
		Margin:     margin,
		MarketData: &mockMarketData{},
		Logger:     &mockLogger{},
	})
	require.NoError(t, err)

	reports, err := watcher.CheckOnce(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.MarginWarning, reports[0].Level)
	assert.Equal(t, "1.4", reports[0].MarginRatio)
	assert.Empty(t, reports[0].Closed)
}

func TestMarginCheckOnceOneSnapshotPerSymbol(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	first := openLong()
	second := openLong()
	second.ID = 2
	margin := &mockMarginClient{snapshots: map[string]*domain.MarginAccountSnapshot{
		"BTCUSDT": snapshotAt("BTCUSDT", "2.5", now),
	}}

	watcher, err := NewMarginWatcher(MarginWatcherConfig{
		Positions:  newMockPositionRepo(first, second),
		Margin:     margin,
		MarketData: &mockMarketData{},
		Logger:     &mockLogger{},
	})
	require.NoError(t, err)

	reports, err := watcher.CheckOnce(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.MarginSafe, reports[0].Level)
	assert.Equal(t, 1, margin.calls)
}

func TestMarginDangerWithoutAutoCloseOnlyReports(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	pos := openLong()
	margin := &mockMarginClient{snapshots: map[string]*domain.MarginAccountSnapshot{
		"BTCUSDT": snapshotAt("BTCUSDT", "1.05", now),
	}}
	positions := newMockPositionRepo(pos)

	watcher, err := NewMarginWatcher(MarginWatcherConfig{
		Positions:  positions,
		Margin:     margin,
		MarketData: &mockMarketData{},
		Logger:     &mockLogger{},
	})
	require.NoError(t, err)

	reports, err := watcher.CheckOnce(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.MarginDanger, reports[0].Level)
	assert.Empty(t, reports[0].Closed)
	assert.Equal(t, domain.StatusOpen, positions.positions[pos.ID].Status)
}

func TestMarginDangerAutoClosesThroughExecutor(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	pos := openLong()
	f := newExecutorFixture(t, pos, &mockExchange{orderID: "777", fillPrice: d("89000")})
	market := &mockMarketData{quotes: map[string]domain.Quote{
		"BTCUSDT": btcQuote("89000", "89010", now),
	}}
	margin := &mockMarginClient{snapshots: map[string]*domain.MarginAccountSnapshot{
		"BTCUSDT": snapshotAt("BTCUSDT", "1.05", now),
	}}

	watcher, err := NewMarginWatcher(MarginWatcherConfig{
		Positions:  f.positions,
		Margin:     margin,
		MarketData: market,
		Executor:   f.executor,
		Logger:     &mockLogger{},
		AutoClose:  true,
	})
	require.NoError(t, err)

	reports, err := watcher.CheckOnce(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, []int64{pos.ID}, reports[0].Closed)
	assert.Equal(t, domain.StatusStopped, f.positions.statuses[pos.ID])

	// The close went through the normal pipeline with its event trail.
	events, _ := f.events.ListEvents(ctx, pos.ID)
	require.Len(t, events, 3)
	assert.Equal(t, domain.SourceMargin, events[0].Source)

	// A second check against the same snapshot is a no-op: the position is
	// closed and the trigger's correlation id is already recorded.
	reports, err = watcher.CheckOnce(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Len(t, f.exchange.submits, 1)
}

func TestMarginAutoCloseRequiresExecutor(t *testing.T) {
	_, err := NewMarginWatcher(MarginWatcherConfig{
		Positions:  newMockPositionRepo(),
		Margin:     &mockMarginClient{},
		MarketData: &mockMarketData{},
		Logger:     &mockLogger{},
		AutoClose:  true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestMarginSnapshotFailureSkipsSymbol(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	btc := openLong()
	eth := openLong()
	eth.ID = 2
	eth.Symbol = "ETHUSDT"
	margin := &mockMarginClient{
		snapshots: map[string]*domain.MarginAccountSnapshot{
			"BTCUSDT": snapshotAt("BTCUSDT", "2.5", now),
		},
		errs: map[string]error{"ETHUSDT": ports.ErrExchangeUnavailable},
	}

	watcher, err := NewMarginWatcher(MarginWatcherConfig{
		Positions:  newMockPositionRepo(btc, eth),
		Margin:     margin,
		MarketData: &mockMarketData{},
		Logger:     &mockLogger{},
	})
	require.NoError(t, err)

	reports, err := watcher.CheckOnce(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "BTCUSDT", reports[0].Symbol)
}
