package meterdb

import (
	"context"

	dbpkg "meter-collector/internal/db"
	"meter-collector/internal/model"
)

type Meter struct {
	MeterID  string
	Name     string
	DeviceID string
	Active   bool
}

func toModelMeter(m *Meter) *model.Meter {
	return &model.Meter{MeterID: m.MeterID, Name: m.Name, DeviceID: m.DeviceID, Active: m.Active}
}

func fromModelMeter(m *model.Meter) *Meter {
	return &Meter{MeterID: m.MeterID, Name: m.Name, DeviceID: m.DeviceID, Active: m.Active}
}

func (c *Client) CreateMeter(ctx context.Context, m *Meter) error {
	return dbpkg.CreateMeter(ctx, c.db.ORM, toModelMeter(m))
}

func (c *Client) GetMeter(ctx context.Context, meterID string) (*Meter, error) {
	m, err := dbpkg.GetMeter(ctx, c.db.ORM, meterID)
	if err != nil {
		return nil, err
	}
	return fromModelMeter(m), nil
}

func (c *Client) ListMeters(ctx context.Context) ([]Meter, error) {
	list, err := dbpkg.ListMeters(ctx, c.db.ORM)
	if err != nil {
		return nil, err
	}
	out := make([]Meter, 0, len(list))
	for i := range list {
		out = append(out, *fromModelMeter(&list[i]))
	}
	return out, nil
}

func (c *Client) SaveMeter(ctx context.Context, m *Meter) error {
	return dbpkg.SaveMeter(ctx, c.db.ORM, toModelMeter(m))
}

// SetMeterActive includes or excludes a meter from collection. The change
// takes effect at the next cycle.
func (c *Client) SetMeterActive(ctx context.Context, meterID string, active bool) error {
	return dbpkg.SetMeterActive(ctx, c.db.ORM, meterID, active)
}

func (c *Client) DeleteMeter(ctx context.Context, meterID string) error {
	return dbpkg.DeleteMeter(ctx, c.db.ORM, meterID)
}
