package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"meter-collector/internal/catalog"
	"meter-collector/internal/collector"
	"meter-collector/internal/model"
)

const defaultBatchSize = 500

// DB is the SQLite-backed catalog and reading store.
type DB struct {
	ORM       *gorm.DB
	BatchSize int
	logger    *zap.Logger
}

// Open opens the SQLite database using GORM and runs migrations.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g, err := openORM(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := migrateORM(g); err != nil {
		_ = closeORM(g)
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &DB{ORM: g, BatchSize: defaultBatchSize, logger: logger.Named("db")}, nil
}

func (d *DB) Close() error { return closeORM(d.ORM) }

// Devices implements catalog.Store.
func (d *DB) Devices(ctx context.Context) ([]catalog.DeviceRecord, error) {
	devs, err := ListDevices(ctx, d.ORM)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.DeviceRecord, 0, len(devs))
	for _, dv := range devs {
		out = append(out, catalog.DeviceRecord{DeviceID: dv.DeviceID, Host: dv.Host, Port: dv.Port, SlaveID: dv.SlaveID})
	}
	return out, nil
}

// ActiveMeters implements catalog.Store.
func (d *DB) ActiveMeters(ctx context.Context) ([]catalog.MeterRecord, error) {
	var meters []model.Meter
	if err := d.ORM.WithContext(ctx).Where("active = ?", true).Order("meter_id").Find(&meters).Error; err != nil {
		return nil, err
	}
	out := make([]catalog.MeterRecord, 0, len(meters))
	for _, m := range meters {
		out = append(out, catalog.MeterRecord{MeterID: m.MeterID, DeviceID: m.DeviceID})
	}
	return out, nil
}

// Registers implements catalog.Store.
func (d *DB) Registers(ctx context.Context) ([]catalog.RegisterRecord, error) {
	regs, err := ListRegisters(ctx, d.ORM)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.RegisterRecord, 0, len(regs))
	for _, r := range regs {
		out = append(out, catalog.RegisterRecord{
			RegisterID: r.RegisterID,
			ObjectType: r.ObjectType,
			DataType:   r.DataType,
			ByteOrder:  r.ByteOrder,
			Scale:      r.Scale,
			Offset:     r.Offset,
		})
	}
	return out, nil
}

// DeviceRegisterEntries implements catalog.Store.
func (d *DB) DeviceRegisterEntries(ctx context.Context) ([]catalog.RawRegisterEntry, error) {
	rows, err := ListDeviceRegisters(ctx, d.ORM, "")
	if err != nil {
		return nil, err
	}
	out := make([]catalog.RawRegisterEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, catalog.RawRegisterEntry{
			DeviceID:   r.DeviceID,
			RegisterID: r.RegisterID,
			Address:    r.Address,
			FieldName:  r.FieldName,
			Unit:       r.Unit,
		})
	}
	return out, nil
}

// InsertReadings stores all readings of one meter in one transaction.
// Rows are written unsynced.
func (d *DB) InsertReadings(ctx context.Context, meterID string, readings []collector.Reading) error {
	rows := make([]model.Reading, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, model.Reading{
			MeterID:   meterID,
			DataPoint: r.DataPoint,
			Timestamp: r.Timestamp.UTC(),
			Value:     r.Value,
			Unit:      r.Unit,
		})
	}
	size := d.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	return d.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&rows, size).Error
	})
}

// UnsyncedReadings returns up to limit readings not yet uploaded, oldest first.
func (d *DB) UnsyncedReadings(ctx context.Context, limit int) ([]model.Reading, error) {
	q := d.ORM.WithContext(ctx).Where("synced = ?", false).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.Reading
	err := q.Find(&out).Error
	return out, err
}

// MarkSynced flags readings as uploaded and returns how many changed.
func (d *DB) MarkSynced(ctx context.Context, ids []uint64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := d.ORM.WithContext(ctx).Model(&model.Reading{}).
		Where("id IN ? AND synced = ?", ids, false).
		Updates(map[string]any{"synced": true, "synced_at": at.UTC()})
	return res.RowsAffected, res.Error
}

// MeterReadings returns the latest readings of a meter, newest first.
func (d *DB) MeterReadings(ctx context.Context, meterID string, limit int) ([]model.Reading, error) {
	q := d.ORM.WithContext(ctx).Where("meter_id = ?", meterID).Order("timestamp DESC, data_point")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.Reading
	err := q.Find(&out).Error
	return out, err
}

// ReadingCounts returns the total and unsynced number of stored readings.
func (d *DB) ReadingCounts(ctx context.Context) (total, unsynced int64, err error) {
	if err = d.ORM.WithContext(ctx).Model(&model.Reading{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = d.ORM.WithContext(ctx).Model(&model.Reading{}).Where("synced = ?", false).Count(&unsynced).Error
	return total, unsynced, err
}
