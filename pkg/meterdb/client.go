package meterdb

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meter-collector/internal/config"
	dbpkg "meter-collector/internal/db"
	"meter-collector/internal/model"
)

// ErrNotFound is returned when a catalog entity does not exist.
var ErrNotFound = dbpkg.ErrNotFound

// Client exposes a stable API for third-party packages to access the
// collector database.
type Client struct{ db *dbpkg.DB }

// Open opens the SQLite database (runs migrations) and returns a client.
func Open(path string) (*Client, error) {
	d, err := dbpkg.Open(path, zap.NewNop())
	if err != nil {
		return nil, err
	}
	return &Client{db: d}, nil
}

// Close closes the underlying DB.
func (c *Client) Close() error { return c.db.Close() }

// SeedFromFile loads a catalog YAML file into an empty database.
func (c *Client) SeedFromFile(ctx context.Context, path string) (bool, error) {
	cat, err := config.LoadCatalog(path)
	if err != nil {
		return false, err
	}
	return c.db.SeedCatalog(ctx, cat)
}

// --------------------
// Readings
// --------------------

type Reading struct {
	ID        uint64
	MeterID   string
	DataPoint string
	Timestamp time.Time
	Value     float64
	Unit      string
	Synced    bool
	SyncedAt  *time.Time
}

func fromModelReadings(in []model.Reading) []Reading {
	out := make([]Reading, 0, len(in))
	for _, r := range in {
		out = append(out, Reading{
			ID:        r.ID,
			MeterID:   r.MeterID,
			DataPoint: r.DataPoint,
			Timestamp: r.Timestamp,
			Value:     r.Value,
			Unit:      r.Unit,
			Synced:    r.Synced,
			SyncedAt:  r.SyncedAt,
		})
	}
	return out
}

// UnsyncedReadings returns up to limit readings awaiting upload, oldest
// first. limit <= 0 returns all of them.
func (c *Client) UnsyncedReadings(ctx context.Context, limit int) ([]Reading, error) {
	rows, err := c.db.UnsyncedReadings(ctx, limit)
	if err != nil {
		return nil, err
	}
	return fromModelReadings(rows), nil
}

// MarkSynced flags readings as uploaded.
func (c *Client) MarkSynced(ctx context.Context, ids []uint64) (int64, error) {
	return c.db.MarkSynced(ctx, ids, time.Now())
}

// LatestReadings returns the newest readings of one meter.
func (c *Client) LatestReadings(ctx context.Context, meterID string, limit int) ([]Reading, error) {
	rows, err := c.db.MeterReadings(ctx, meterID, limit)
	if err != nil {
		return nil, err
	}
	return fromModelReadings(rows), nil
}

// ReadingCounts returns how many readings are stored and how many of them
// are still unsynced.
func (c *Client) ReadingCounts(ctx context.Context) (total, unsynced int64, err error) {
	return c.db.ReadingCounts(ctx)
}
