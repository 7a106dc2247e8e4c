package trafficstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// EventWriter persists one TrafficEvent and its Notification as a single
// unit: either both rows are created or neither is. On failure the caller is
// expected to Nack and rely on broker redelivery; a redelivered message will
// create a second event under the same signaller (at-least-once semantics).
type EventWriter struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewEventWriter creates a writer over the given database handle.
func NewEventWriter(db *gorm.DB, logger zerolog.Logger) *EventWriter {
	return &EventWriter{
		db:     db,
		logger: logger.With().Str("component", "EventWriter").Logger(),
	}
}

// Write creates exactly one TrafficEvent and exactly one Notification inside
// one transaction and returns the created event.
func (w *EventWriter) Write(ctx context.Context, signaller *Signaller, averageKMH int, knownReason *string, expectedResolution *time.Time) (*TrafficEvent, error) {
	event := TrafficEvent{
		SignallerID:            signaller.ID,
		AverageKMH:             averageKMH,
		KnownReason:            knownReason,
		ExpectedResolutionTime: expectedResolution,
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("create traffic event: %w", err)
		}
		notification := Notification{EventID: event.ID}
		if err := tx.Create(&notification).Error; err != nil {
			return fmt.Errorf("create notification for event %d: %w", event.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("event write for signaller %d: %w", signaller.ID, err)
	}

	w.logger.Debug().Uint("event_id", event.ID).Uint("signaller_id", signaller.ID).
		Int("average_kmh", averageKMH).Msg("Persisted traffic event with notification")
	return &event, nil
}
