package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskmesh/backend/internal/metrics"
)

const (
	projectorCursorName = "amqp_projector"
	projectorBatchSize  = 100
	projectorInterval   = 2 * time.Second
)

// Projector polls the event log past a durable cursor and publishes each
// record exactly in append order. Publish failures stall the cursor, so a
// flaky broker delays projection but never drops or reorders events
// (at-least-once delivery; consumers dedupe on event id).
type Projector struct {
	store     *Store
	publisher Publisher
	logger    *slog.Logger
}

func NewProjector(store *Store, publisher Publisher, logger *slog.Logger) *Projector {
	return &Projector{store: store, publisher: publisher, logger: logger}
}

// Run pumps events until ctx is cancelled.
func (p *Projector) Run(ctx context.Context) {
	ticker := time.NewTicker(projectorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pump(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("event projection stalled", "error", err)
			}
		}
	}
}

func (p *Projector) pump(ctx context.Context) error {
	cursor, err := p.store.LoadCursor(ctx, projectorCursorName)
	if err != nil {
		return err
	}
	for {
		batch, err := p.store.ListAfter(ctx, cursor, projectorBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, event := range batch {
			if err := p.publisher.Publish(ctx, event); err != nil {
				return err
			}
			metrics.EventsPublished.Inc()
			cursor = event.ID
		}
		if err := p.store.SaveCursor(ctx, projectorCursorName, cursor); err != nil {
			return err
		}
	}
}
