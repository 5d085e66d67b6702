package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"meter-collector/internal/config"
	"meter-collector/internal/model"
)

// SeedCatalog populates an empty catalog from cat. It reports whether
// anything was written; a database that already holds devices or meters is
// left untouched.
func (d *DB) SeedCatalog(ctx context.Context, cat config.CatalogFile) (bool, error) {
	var devices, meters int64
	if err := d.ORM.WithContext(ctx).Model(&model.Device{}).Count(&devices).Error; err != nil {
		return false, err
	}
	if err := d.ORM.WithContext(ctx).Model(&model.Meter{}).Count(&meters).Error; err != nil {
		return false, err
	}
	if devices > 0 || meters > 0 {
		return false, nil
	}

	err := d.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, dv := range cat.Devices {
			slave := dv.SlaveID
			if slave == 0 {
				slave = 1
			}
			if slave < 0 || slave > 255 {
				return fmt.Errorf("device %s: slave id %d out of range", dv.DeviceID, slave)
			}
			row := model.Device{DeviceID: dv.DeviceID, Name: dv.Name, Host: dv.Host, Port: dv.Port, SlaveID: slave}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("device %s: %w", dv.DeviceID, err)
			}
		}
		for _, r := range cat.Registers {
			scale := r.Scale
			if scale == 0 {
				scale = 1
			}
			row := model.Register{
				RegisterID: r.RegisterID,
				Name:       r.Name,
				ObjectType: r.ObjectType,
				DataType:   r.DataType,
				ByteOrder:  r.ByteOrder,
				Scale:      scale,
				Offset:     r.Offset,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("register %s: %w", r.RegisterID, err)
			}
		}
		for _, m := range cat.Meters {
			row := model.Meter{MeterID: m.MeterID, Name: m.Name, DeviceID: m.DeviceID, Active: m.IsActive()}
			if err := CreateMeter(ctx, tx, &row); err != nil {
				return fmt.Errorf("meter %s: %w", m.MeterID, err)
			}
		}
		for i, e := range cat.DeviceRegisters {
			row := model.DeviceRegister{
				DeviceID:   e.DeviceID,
				RegisterID: e.RegisterID,
				Address:    e.Address,
				FieldName:  e.FieldName,
				Unit:       e.Unit,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("device register %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("seed catalog: %w", err)
	}
	d.logger.Info("catalog seeded",
		zap.Int("devices", len(cat.Devices)),
		zap.Int("registers", len(cat.Registers)),
		zap.Int("meters", len(cat.Meters)),
		zap.Int("device_registers", len(cat.DeviceRegisters)))
	return true, nil
}
