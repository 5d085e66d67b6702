package meterdb

import (
	"context"

	dbpkg "meter-collector/internal/db"
	"meter-collector/internal/model"
)

// --------------------
// Device DTOs and converters
// --------------------

type Device struct {
	DeviceID string
	Name     string
	Host     string
	Port     int
	SlaveID  int
}

func toModelDevice(d *Device) *model.Device {
	if d == nil {
		return nil
	}
	return &model.Device{
		DeviceID: d.DeviceID,
		Name:     d.Name,
		Host:     d.Host,
		Port:     d.Port,
		SlaveID:  d.SlaveID,
	}
}

func fromModelDevice(d *model.Device) *Device {
	if d == nil {
		return nil
	}
	return &Device{
		DeviceID: d.DeviceID,
		Name:     d.Name,
		Host:     d.Host,
		Port:     d.Port,
		SlaveID:  d.SlaveID,
	}
}

// --------------------
// Device management (CRUD)
// --------------------

func (c *Client) CreateDevice(ctx context.Context, d *Device) error {
	return dbpkg.CreateDevice(ctx, c.db.ORM, toModelDevice(d))
}

func (c *Client) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	dev, err := dbpkg.GetDevice(ctx, c.db.ORM, deviceID)
	if err != nil {
		return nil, err
	}
	return fromModelDevice(dev), nil
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	list, err := dbpkg.ListDevices(ctx, c.db.ORM)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(list))
	for i := range list {
		out = append(out, *fromModelDevice(&list[i]))
	}
	return out, nil
}

// SaveDevice inserts or updates a device.
func (c *Client) SaveDevice(ctx context.Context, d *Device) error {
	return dbpkg.SaveDevice(ctx, c.db.ORM, toModelDevice(d))
}

// DeleteDevice removes a device together with its register entries.
func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	return dbpkg.DeleteDevice(ctx, c.db.ORM, deviceID)
}
