package model

import "time"

// Reading is one committed measurement. Synced is false until the upload
// agent has pushed the row to the remote system.
type Reading struct {
	ID        uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	MeterID   string     `gorm:"column:meter_id;not null;uniqueIndex:idx_readings_point_time,priority:1"`
	DataPoint string     `gorm:"column:data_point;not null;uniqueIndex:idx_readings_point_time,priority:2"`
	Timestamp time.Time  `gorm:"column:timestamp;not null;uniqueIndex:idx_readings_point_time,priority:3"`
	Value     float64    `gorm:"column:value"`
	Unit      string     `gorm:"column:unit"`
	Synced    bool       `gorm:"column:synced;not null;default:false;index"`
	SyncedAt  *time.Time `gorm:"column:synced_at"`
}

func (Reading) TableName() string { return "readings" }
