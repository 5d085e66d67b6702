package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogFile is the YAML form of the meter/device/register catalog used to
// seed an empty database and to drive the device simulator.
type CatalogFile struct {
	Devices         []CatalogDevice         `yaml:"devices"`
	Registers       []CatalogRegister       `yaml:"registers"`
	Meters          []CatalogMeter          `yaml:"meters"`
	DeviceRegisters []CatalogDeviceRegister `yaml:"device_registers"`
}

type CatalogDevice struct {
	DeviceID string `yaml:"device_id"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SlaveID  int    `yaml:"slave_id"`
}

type CatalogRegister struct {
	RegisterID string  `yaml:"register_id"`
	Name       string  `yaml:"name"`
	ObjectType string  `yaml:"object_type"` // holding | input | coil | discrete
	DataType   string  `yaml:"data_type"`   // uint16 | int16 | uint32 | int32 | float32 | bool
	ByteOrder  string  `yaml:"byte_order"`  // ABCD | DCBA | BADC | CDAB
	Scale      float64 `yaml:"scale"`
	Offset     float64 `yaml:"offset"`
}

type CatalogMeter struct {
	MeterID  string `yaml:"meter_id"`
	Name     string `yaml:"name"`
	DeviceID string `yaml:"device_id"`
	Active   *bool  `yaml:"active"` // defaults to true
}

// IsActive reports whether the meter is collected.
func (m CatalogMeter) IsActive() bool { return m.Active == nil || *m.Active }

// CatalogDeviceRegister mirrors the nullable device_registers row. Simulate
// is the engineering value the device simulator serves for the entry.
type CatalogDeviceRegister struct {
	DeviceID   *string  `yaml:"device_id"`
	RegisterID *string  `yaml:"register_id"`
	Address    *int64   `yaml:"address"`
	FieldName  *string  `yaml:"field_name"`
	Unit       *string  `yaml:"unit"`
	Simulate   *float64 `yaml:"simulate"`
}

// LoadCatalog reads a catalog YAML file.
func LoadCatalog(path string) (CatalogFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return CatalogFile{}, fmt.Errorf("reading catalog file: %w", err)
	}
	var cat CatalogFile
	if err := yaml.Unmarshal(b, &cat); err != nil {
		return CatalogFile{}, fmt.Errorf("parsing catalog file %s: %w", path, err)
	}
	return cat, nil
}

// Register returns the register definition with the given id.
func (c CatalogFile) Register(id string) (CatalogRegister, bool) {
	for _, r := range c.Registers {
		if r.RegisterID == id {
			return r, true
		}
	}
	return CatalogRegister{}, false
}
