package model

// Device is a field device reachable over Modbus TCP.
type Device struct {
	DeviceID string `gorm:"column:device_id;primaryKey"`
	Name     string `gorm:"column:name"`
	Host     string `gorm:"column:host"`
	Port     int    `gorm:"column:port"`
	SlaveID  int    `gorm:"column:slave_id;default:1"`

	Meters    []Meter          `gorm:"foreignKey:DeviceID;references:DeviceID"`
	Registers []DeviceRegister `gorm:"foreignKey:DeviceID;references:DeviceID"`
}

func (Device) TableName() string { return "devices" }

// Meter is a metering point collected from exactly one device.
type Meter struct {
	MeterID  string `gorm:"column:meter_id;primaryKey"`
	Name     string `gorm:"column:name"`
	DeviceID string `gorm:"column:device_id;index"`
	Active   bool   `gorm:"column:active;not null;default:true"`
}

func (Meter) TableName() string { return "meters" }

// Register describes how a value is read and decoded, independent of the
// device it is mapped onto.
type Register struct {
	RegisterID string  `gorm:"column:register_id;primaryKey"`
	Name       string  `gorm:"column:name"`
	ObjectType string  `gorm:"column:object_type"` // holding|input|coil|discrete
	DataType   string  `gorm:"column:data_type"`   // uint16|int16|uint32|int32|float32|bool
	ByteOrder  string  `gorm:"column:byte_order"`
	Scale      float64 `gorm:"column:scale;default:1"`
	Offset     float64 `gorm:"column:offset;default:0"`
}

func (Register) TableName() string { return "registers" }

// DeviceRegister maps a register onto a device address under a field name.
// All columns are nullable: rows are maintained by an external catalog and
// validated when the collector loads them.
type DeviceRegister struct {
	ID         uint    `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID   *string `gorm:"column:device_id;index"`
	RegisterID *string `gorm:"column:register_id"`
	Address    *int64  `gorm:"column:address"`
	FieldName  *string `gorm:"column:field_name"`
	Unit       *string `gorm:"column:unit"`
}

func (DeviceRegister) TableName() string { return "device_registers" }
