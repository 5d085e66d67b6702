package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"meter-collector/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("record not found")

const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// openORM opens a GORM SQLite connection on the pure-Go modernc driver.
func openORM(path string) (*gorm.DB, error) {
	dsn := "file:" + path + "?" + pragmas
	g, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	// one writer at a time; SQLite would serialize anyway
	sqlDB.SetMaxOpenConns(1)
	return g, nil
}

// migrateORM ensures the schema for all models exists.
func migrateORM(db *gorm.DB) error {
	return db.AutoMigrate(&model.Device{}, &model.Meter{}, &model.Register{}, &model.DeviceRegister{}, &model.Reading{})
}

// closeORM closes the underlying SQL DB associated with the GORM connection.
func closeORM(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// CreateDevice inserts a new device.
func CreateDevice(ctx context.Context, db *gorm.DB, d *model.Device) error {
	return db.WithContext(ctx).Create(d).Error
}

func GetDevice(ctx context.Context, db *gorm.DB, deviceID string) (*model.Device, error) {
	var d model.Device
	if err := db.WithContext(ctx).First(&d, "device_id = ?", deviceID).Error; err != nil {
		return nil, notFound(err, "device", deviceID)
	}
	return &d, nil
}

func ListDevices(ctx context.Context, db *gorm.DB) ([]model.Device, error) {
	var out []model.Device
	err := db.WithContext(ctx).Order("device_id").Find(&out).Error
	return out, err
}

// SaveDevice inserts or updates a device definition.
func SaveDevice(ctx context.Context, db *gorm.DB, d *model.Device) error {
	return db.WithContext(ctx).Save(d).Error
}

// DeleteDevice removes a device together with its register entries.
func DeleteDevice(ctx context.Context, db *gorm.DB, deviceID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&model.DeviceRegister{}).Error; err != nil {
			return err
		}
		return tx.Where("device_id = ?", deviceID).Delete(&model.Device{}).Error
	})
}

// CreateMeter inserts a meter. Active is written even when false.
func CreateMeter(ctx context.Context, db *gorm.DB, m *model.Meter) error {
	return db.WithContext(ctx).Select("*").Create(m).Error
}

func GetMeter(ctx context.Context, db *gorm.DB, meterID string) (*model.Meter, error) {
	var m model.Meter
	if err := db.WithContext(ctx).First(&m, "meter_id = ?", meterID).Error; err != nil {
		return nil, notFound(err, "meter", meterID)
	}
	return &m, nil
}

func ListMeters(ctx context.Context, db *gorm.DB) ([]model.Meter, error) {
	var out []model.Meter
	err := db.WithContext(ctx).Order("meter_id").Find(&out).Error
	return out, err
}

// SaveMeter inserts or updates a meter.
func SaveMeter(ctx context.Context, db *gorm.DB, m *model.Meter) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Meter{}).Where("meter_id = ?", m.MeterID).Select("*").Updates(m)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Select("*").Create(m).Error
	})
}

// SetMeterActive switches collection of a meter on or off.
func SetMeterActive(ctx context.Context, db *gorm.DB, meterID string, active bool) error {
	res := db.WithContext(ctx).Model(&model.Meter{}).Where("meter_id = ?", meterID).Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("meter %s: %w", meterID, ErrNotFound)
	}
	return nil
}

func DeleteMeter(ctx context.Context, db *gorm.DB, meterID string) error {
	return db.WithContext(ctx).Where("meter_id = ?", meterID).Delete(&model.Meter{}).Error
}

func SaveRegister(ctx context.Context, db *gorm.DB, r *model.Register) error {
	return db.WithContext(ctx).Save(r).Error
}

func ListRegisters(ctx context.Context, db *gorm.DB) ([]model.Register, error) {
	var out []model.Register
	err := db.WithContext(ctx).Order("register_id").Find(&out).Error
	return out, err
}

func DeleteRegister(ctx context.Context, db *gorm.DB, registerID string) error {
	return db.WithContext(ctx).Where("register_id = ?", registerID).Delete(&model.Register{}).Error
}

// CreateDeviceRegister stores a register entry as given; entries are not
// validated on write.
func CreateDeviceRegister(ctx context.Context, db *gorm.DB, e *model.DeviceRegister) error {
	return db.WithContext(ctx).Create(e).Error
}

// ListDeviceRegisters returns the entries of one device, or all entries
// when deviceID is empty.
func ListDeviceRegisters(ctx context.Context, db *gorm.DB, deviceID string) ([]model.DeviceRegister, error) {
	q := db.WithContext(ctx).Order("id")
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var out []model.DeviceRegister
	err := q.Find(&out).Error
	return out, err
}

func DeleteDeviceRegister(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Delete(&model.DeviceRegister{}, id).Error
}
