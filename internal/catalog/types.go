package catalog

import (
	"context"
	"time"

	"meter-collector/internal/protocol"
)

// DeviceRecord is one row of the device table.
type DeviceRecord struct {
	DeviceID string
	Host     string
	Port     int
	SlaveID  int
}

// MeterRecord is one active meter and the device it is read from.
type MeterRecord struct {
	MeterID  string
	DeviceID string
}

// RegisterRecord is one register definition of the catalog.
type RegisterRecord struct {
	RegisterID string
	ObjectType string
	DataType   string
	ByteOrder  string
	Scale      float64
	Offset     float64
}

// RawRegisterEntry is a device-register row exactly as stored. Any field
// may be missing; entries are validated on load.
type RawRegisterEntry struct {
	DeviceID   *string
	RegisterID *string
	Address    *int64
	FieldName  *string
	Unit       *string
}

// Store is the read-only configuration source.
type Store interface {
	Devices(ctx context.Context) ([]DeviceRecord, error)
	ActiveMeters(ctx context.Context) ([]MeterRecord, error)
	Registers(ctx context.Context) ([]RegisterRecord, error)
	DeviceRegisterEntries(ctx context.Context) ([]RawRegisterEntry, error)
}

// Point describes where and how one data point is read.
type Point struct {
	ObjectType     string  `json:"object_type"`
	ObjectInstance uint32  `json:"object_instance"`
	PropertyID     string  `json:"property_id"`
	Unit           string  `json:"unit"`
	ByteOrder      string  `json:"byte_order,omitempty"`
	Scale          float64 `json:"scale"`
	Offset         float64 `json:"offset"`
}

// RegisterMap is an insertion-ordered map of data point name to Point.
// It is never modified after the snapshot holding it is published.
type RegisterMap struct {
	names  []string
	points map[string]Point
}

// Add appends a point and reports false if name is already present.
func (m *RegisterMap) Add(name string, p Point) bool {
	if _, dup := m.points[name]; dup {
		return false
	}
	if m.points == nil {
		m.points = make(map[string]Point)
	}
	m.names = append(m.names, name)
	m.points[name] = p
	return true
}

func (m RegisterMap) Len() int { return len(m.names) }

// Names returns data point names in load order.
func (m RegisterMap) Names() []string { return append([]string(nil), m.names...) }

func (m RegisterMap) Get(name string) (Point, bool) {
	p, ok := m.points[name]
	return p, ok
}

// Properties converts the map to protocol properties in load order.
func (m RegisterMap) Properties() []protocol.Property {
	out := make([]protocol.Property, 0, len(m.names))
	for _, n := range m.names {
		p := m.points[n]
		out = append(out, protocol.Property{
			DataPoint:      n,
			ObjectType:     p.ObjectType,
			ObjectInstance: p.ObjectInstance,
			PropertyID:     p.PropertyID,
			Unit:           p.Unit,
			ByteOrder:      p.ByteOrder,
			Scale:          p.Scale,
			Offset:         p.Offset,
		})
	}
	return out
}

// Device is the cached view of one active meter and its device.
type Device struct {
	MeterID   string
	DeviceID  string
	Address   protocol.Address
	Registers RegisterMap
	// GapReason is set when the device cannot be collected.
	GapReason string
}

// ValidationError describes a dropped register entry.
type ValidationError struct {
	Index    int    `json:"index"`
	DeviceID string `json:"device_id,omitempty"`
	Field    string `json:"field_name,omitempty"`
	Reason   string `json:"reason"`
}

// Gap is a device referenced by active meters that cannot be collected.
type Gap struct {
	DeviceID string   `json:"device_id"`
	MeterIDs []string `json:"meter_ids"`
	Reason   string   `json:"reason"`
}

// Summary counts the active meters of the current snapshot.
type Summary struct {
	Total            int       `json:"total"`
	WithRegisters    int       `json:"with_registers"`
	WithoutRegisters int       `json:"without_registers"`
	MissingDeviceIDs []string  `json:"missing_device_ids"`
	LoadedAt         time.Time `json:"loaded_at"`
}

// Report bundles everything known about the current snapshot.
type Report struct {
	Summary          Summary           `json:"summary"`
	Gaps             []Gap             `json:"gaps"`
	ValidationErrors []ValidationError `json:"validation_errors"`
}
