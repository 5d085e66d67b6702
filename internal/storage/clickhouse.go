package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"meter-collector/internal/collector"
	"meter-collector/internal/config"
)

// ClickHouseStore keeps readings in a MergeTree table. Every device commit
// is sent as one INSERT block.
type ClickHouseStore struct {
	conn   driver.Conn
	table  string
	logger *zap.Logger
}

// OpenClickHouse connects, pings and makes sure the readings table exists.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: cfg.DialTimeout.Duration,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	s := NewClickHouseStore(conn, cfg.Table, logger)
	if err := s.InitSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.logger.Info("connected to clickhouse", zap.Strings("addr", cfg.Addr), zap.String("table", cfg.Table))
	return s, nil
}

// NewClickHouseStore constructs a store that inserts into table.
func NewClickHouseStore(conn driver.Conn, table string, logger *zap.Logger) *ClickHouseStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseStore{conn: conn, table: table, logger: logger.Named("clickhouse")}
}

// InitSchema creates the readings table if it does not exist.
func (s *ClickHouseStore) InitSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			meter_id    String,
			data_point  LowCardinality(String),
			timestamp   DateTime64(3, 'UTC'),
			value       Float64,
			unit        LowCardinality(String),
			synced      UInt8 DEFAULT 0,
			inserted_at DateTime DEFAULT now()
		) ENGINE = MergeTree
		ORDER BY (meter_id, data_point, timestamp)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseStore) InsertReadings(ctx context.Context, meterID string, readings []collector.Reading) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (meter_id, data_point, timestamp, value, unit)", s.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range readings {
		if err := batch.Append(meterID, r.DataPoint, r.Timestamp.UTC(), r.Value, r.Unit); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s: %w", r.DataPoint, err)
		}
	}
	start := time.Now()
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	s.logger.Debug("batch sent", zap.String("meter_id", meterID),
		zap.Int("rows", len(readings)), zap.Duration("took", time.Since(start)))
	return nil
}

func (s *ClickHouseStore) Close() error { return s.conn.Close() }
