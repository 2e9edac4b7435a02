package notifier

import (
	"context"
	"log"
	"time"

	"antrian/queue-service/internal/store"
)

// Relay drains the outbox into the notifier after commit, in event order, and
// persists its cursor so a restart resumes instead of replaying.
type Relay struct {
	store     store.TicketStore
	notifier  *Notifier
	batchSize int
	retention time.Duration
}

type RelayConfig struct {
	BatchSize int
	// Retention is how long delivered events stay in the outbox before
	// cleanup. Zero keeps the default of one hour.
	Retention time.Duration
}

func NewRelay(st store.TicketStore, n *Notifier, cfg RelayConfig) *Relay {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	return &Relay{store: st, notifier: n, batchSize: batch, retention: retention}
}

// Run performs one drain pass.
func (r *Relay) Run(ctx context.Context) error {
	offset, err := r.store.GetOffset(ctx)
	if err != nil {
		return err
	}

	events, err := r.store.ListOutboxEvents(ctx, offset, r.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		r.notifier.PublishEvent(event.Type, event.Payload, event.CreatedAt)
		offset.LastEventTime = event.CreatedAt
		offset.LastEventID = event.EventID
	}

	if err := r.store.UpdateOffset(ctx, offset); err != nil {
		return err
	}
	if err := r.store.CleanupOutbox(ctx, offset.LastEventTime.Add(-r.retention)); err != nil {
		log.Printf("cleanup outbox error: %v", err)
	}
	return nil
}

func Start(ctx context.Context, interval time.Duration, relay *Relay) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := relay.Run(ctx); err != nil {
				log.Printf("relay error: %v", err)
			}
		}
	}
}
