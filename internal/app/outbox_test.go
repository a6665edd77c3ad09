package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

type mockOutboxRepo struct {
	entries []*domain.OutboxEntry
}

func (m *mockOutboxRepo) ListUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	var out []*domain.OutboxEntry
	for _, e := range m.entries {
		if !e.PublishedAt.IsZero() {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockOutboxRepo) MarkPublished(ctx context.Context, id string, at time.Time) error {
	for _, e := range m.entries {
		if e.ID == id {
			e.Published = true
			e.PublishedAt = at
			return nil
		}
	}
	return fmt.Errorf("outbox entry %s: %w", id, ports.ErrNotFound)
}

func (m *mockOutboxRepo) RecordPublishFailure(ctx context.Context, id string, cause string) error {
	for _, e := range m.entries {
		if e.ID == id {
			e.RetryCount++
			e.LastError = cause
			return nil
		}
	}
	return fmt.Errorf("outbox entry %s: %w", id, ports.ErrNotFound)
}

// mockBus records publishes and fails the channels listed in failOn.
type mockBus struct {
	published []string // entry channels in publish order
	payloads  [][]byte
	failOn    map[string]error
}

func (m *mockBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err, ok := m.failOn[channel]; ok {
		return err
	}
	m.published = append(m.published, channel)
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockBus) Close() error { return nil }

func pendingEntry(id, channel string) *domain.OutboxEntry {
	return &domain.OutboxEntry{
		ID:            id,
		Kind:          domain.OutboxEvent,
		Channel:       channel,
		PositionID:    1,
		EventType:     domain.EventExecuted,
		CorrelationID: "corr-" + id,
		Payload:       []byte(`{"id":"` + id + `"}`),
		CreatedAt:     time.Now().UTC(),
	}
}

func newDrainer(t *testing.T, outbox *mockOutboxRepo, bus *mockBus, batchSize int) *Drainer {
	t.Helper()
	drainer, err := NewDrainer(DrainerConfig{
		Outbox:    outbox,
		Bus:       bus,
		Logger:    &mockLogger{},
		BatchSize: batchSize,
		Interval:  time.Millisecond,
	})
	require.NoError(t, err)
	return drainer
}

func TestDrainOncePublishesInOrder(t *testing.T) {
	ctx := context.Background()
	outbox := &mockOutboxRepo{entries: []*domain.OutboxEntry{
		pendingEntry("a", domain.ChannelStopCommands),
		pendingEntry("b", domain.ChannelStopEvents),
	}}
	bus := &mockBus{}
	drainer := newDrainer(t, outbox, bus, 100)

	published, err := drainer.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Equal(t, []string{domain.ChannelStopCommands, domain.ChannelStopEvents}, bus.published)

	// Everything is marked; the next pass has nothing to do.
	published, err = drainer.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	assert.Len(t, bus.published, 2)
}

func TestDrainOncePublishFailureDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	outbox := &mockOutboxRepo{entries: []*domain.OutboxEntry{
		pendingEntry("a", domain.ChannelStopCommands),
		pendingEntry("b", domain.ChannelStopEvents),
	}}
	bus := &mockBus{failOn: map[string]error{
		domain.ChannelStopCommands: errors.New("connection refused"),
	}}
	drainer := newDrainer(t, outbox, bus, 100)

	published, err := drainer.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	// The failed entry stays pending with its failure recorded.
	assert.Equal(t, 1, outbox.entries[0].RetryCount)
	assert.Equal(t, "connection refused", outbox.entries[0].LastError)
	assert.True(t, outbox.entries[0].PublishedAt.IsZero())
	assert.False(t, outbox.entries[1].PublishedAt.IsZero())

	// Once the bus recovers, the entry goes out.
	bus.failOn = nil
	published, err = drainer.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
}

func TestDrainOnceRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	outbox := &mockOutboxRepo{entries: []*domain.OutboxEntry{
		pendingEntry("a", domain.ChannelStopEvents),
		pendingEntry("b", domain.ChannelStopEvents),
		pendingEntry("c", domain.ChannelStopEvents),
	}}
	bus := &mockBus{}
	drainer := newDrainer(t, outbox, bus, 2)

	published, err := drainer.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	published, err = drainer.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
}

func TestDrainOnceCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outbox := &mockOutboxRepo{entries: []*domain.OutboxEntry{
		pendingEntry("a", domain.ChannelStopEvents),
	}}
	drainer := newDrainer(t, outbox, &mockBus{}, 100)

	_, err := drainer.DrainOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrContextCanceled))
}
