package app

import (
	"context"
	"fmt"
	"time"

	"stopguard/internal/ports"
)

// Drainer moves committed outbox entries onto the message bus. Delivery
// is at-least-once: an entry is marked published only after the publish
// succeeds, so a crash in between re-sends it on the next pass and
// consumers dedupe on the correlation id.
type Drainer struct {
	outbox ports.OutboxRepository
	bus    ports.MessageBus
	logger ports.Logger

	batchSize int
	interval  time.Duration
	now       func() time.Time
}

// DrainerConfig holds the drainer dependencies.
type DrainerConfig struct {
	Outbox    ports.OutboxRepository
	Bus       ports.MessageBus
	Logger    ports.Logger
	BatchSize int           // Default 100
	Interval  time.Duration // Default 1s
	Now       func() time.Time
}

// NewDrainer creates a Drainer.
func NewDrainer(cfg DrainerConfig) (*Drainer, error) {
	if cfg.Outbox == nil || cfg.Bus == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for Drainer", ports.ErrConfigurationError)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Drainer{
		outbox:    cfg.Outbox,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		now:       cfg.Now,
	}, nil
}

// DrainOnce publishes one batch of pending entries in creation order.
// A failed publish is recorded on the entry and does not stop the batch.
// Returns the number published.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	entries, err := d.outbox.ListUnpublished(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("DrainOnce: %w", err)
	}

	published := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return published, fmt.Errorf("%w: %v", ports.ErrContextCanceled, ctx.Err())
		}

		if err := d.bus.Publish(ctx, entry.Channel, entry.Payload); err != nil {
			d.logger.Warn(ctx, "outbox publish failed", map[string]interface{}{
				"entryID":    entry.ID,
				"channel":    entry.Channel,
				"retryCount": entry.RetryCount,
				"error":      err.Error(),
			})
			if recErr := d.outbox.RecordPublishFailure(ctx, entry.ID, err.Error()); recErr != nil {
				d.logger.Error(ctx, recErr, "failed to record publish failure", map[string]interface{}{
					"entryID": entry.ID,
				})
			}
			continue
		}

		if err := d.outbox.MarkPublished(ctx, entry.ID, d.now()); err != nil {
			// The message is out; the next pass re-sends it and consumers
			// drop the duplicate by correlation id.
			d.logger.Error(ctx, err, "published but failed to mark outbox entry", map[string]interface{}{
				"entryID": entry.ID,
			})
			continue
		}
		published++
	}

	if published > 0 {
		d.logger.Debug(ctx, "outbox drained", map[string]interface{}{"published": published})
	}
	return published, nil
}

// Run drains on the configured interval until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.Error(ctx, err, "outbox drain pass failed")
			}
		}
	}
}
