package meterdb

import (
	"context"

	dbpkg "meter-collector/internal/db"
	"meter-collector/internal/model"
)

// --------------------
// Register catalog
// --------------------

type Register struct {
	RegisterID string
	Name       string
	ObjectType string
	DataType   string
	ByteOrder  string
	Scale      float64
	Offset     float64
}

func (c *Client) SaveRegister(ctx context.Context, r *Register) error {
	return dbpkg.SaveRegister(ctx, c.db.ORM, &model.Register{
		RegisterID: r.RegisterID,
		Name:       r.Name,
		ObjectType: r.ObjectType,
		DataType:   r.DataType,
		ByteOrder:  r.ByteOrder,
		Scale:      r.Scale,
		Offset:     r.Offset,
	})
}

func (c *Client) ListRegisters(ctx context.Context) ([]Register, error) {
	list, err := dbpkg.ListRegisters(ctx, c.db.ORM)
	if err != nil {
		return nil, err
	}
	out := make([]Register, 0, len(list))
	for _, r := range list {
		out = append(out, Register{
			RegisterID: r.RegisterID,
			Name:       r.Name,
			ObjectType: r.ObjectType,
			DataType:   r.DataType,
			ByteOrder:  r.ByteOrder,
			Scale:      r.Scale,
			Offset:     r.Offset,
		})
	}
	return out, nil
}

func (c *Client) DeleteRegister(ctx context.Context, registerID string) error {
	return dbpkg.DeleteRegister(ctx, c.db.ORM, registerID)
}

// --------------------
// Device register entries
// --------------------

// DeviceRegister maps a register onto a device address. Fields are
// pointers because the store accepts incomplete rows; the collector drops
// them with a validation error on load.
type DeviceRegister struct {
	ID         uint
	DeviceID   *string
	RegisterID *string
	Address    *int64
	FieldName  *string
	Unit       *string
}

func (c *Client) AddDeviceRegister(ctx context.Context, e *DeviceRegister) error {
	row := &model.DeviceRegister{
		DeviceID:   e.DeviceID,
		RegisterID: e.RegisterID,
		Address:    e.Address,
		FieldName:  e.FieldName,
		Unit:       e.Unit,
	}
	if err := dbpkg.CreateDeviceRegister(ctx, c.db.ORM, row); err != nil {
		return err
	}
	e.ID = row.ID
	return nil
}

// ListDeviceRegisters returns the entries of deviceID, or every entry when
// deviceID is empty.
func (c *Client) ListDeviceRegisters(ctx context.Context, deviceID string) ([]DeviceRegister, error) {
	list, err := dbpkg.ListDeviceRegisters(ctx, c.db.ORM, deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceRegister, 0, len(list))
	for _, r := range list {
		out = append(out, DeviceRegister{
			ID:         r.ID,
			DeviceID:   r.DeviceID,
			RegisterID: r.RegisterID,
			Address:    r.Address,
			FieldName:  r.FieldName,
			Unit:       r.Unit,
		})
	}
	return out, nil
}

func (c *Client) DeleteDeviceRegister(ctx context.Context, id uint) error {
	return dbpkg.DeleteDeviceRegister(ctx, c.db.ORM, id)
}
