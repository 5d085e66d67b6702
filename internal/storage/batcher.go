package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"meter-collector/internal/collector"
)

var (
	// ErrEmptyBatch is returned when there is nothing to commit.
	ErrEmptyBatch = errors.New("empty reading batch")
	// ErrMeterMismatch is returned when a reading belongs to another meter.
	ErrMeterMismatch = errors.New("reading meter does not match batch meter")
)

// Store writes all readings of one meter in a single atomic operation.
// Stored readings start out unsynced.
type Store interface {
	InsertReadings(ctx context.Context, meterID string, readings []collector.Reading) error
}

// Batcher validates per-device batches and commits them to a Store.
type Batcher struct {
	store  Store
	logger *zap.Logger
}

// NewBatcher constructs a batcher that commits readings through store.
func NewBatcher(store Store, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{store: store, logger: logger.Named("storage")}
}

// Commit writes readings for meterID and returns how many were stored. On
// error nothing is stored.
func (b *Batcher) Commit(ctx context.Context, meterID string, readings []collector.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, ErrEmptyBatch
	}
	for i, r := range readings {
		if r.MeterID != meterID {
			return 0, fmt.Errorf("reading %d (%s): %w: %q != %q", i, r.DataPoint, ErrMeterMismatch, r.MeterID, meterID)
		}
	}
	if err := b.store.InsertReadings(ctx, meterID, readings); err != nil {
		return 0, fmt.Errorf("commit %d readings for meter %s: %w", len(readings), meterID, err)
	}
	b.logger.Debug("readings committed", zap.String("meter_id", meterID), zap.Int("readings", len(readings)))
	return len(readings), nil
}
