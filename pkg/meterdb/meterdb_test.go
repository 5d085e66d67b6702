package meterdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := Open(filepath.Join(t.TempDir(), "meterdb_test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func strPtr(s string) *string { return &s }

func TestCatalogCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.CreateDevice(ctx, &Device{DeviceID: "dev-1", Name: "Panel A", Host: "10.0.0.5", Port: 502, SlaveID: 2}))
	dev, err := c.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Panel A", dev.Name)

	dev.Host = "10.0.0.6"
	require.NoError(t, c.SaveDevice(ctx, dev))
	devs, err := c.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "10.0.0.6", devs[0].Host)

	require.NoError(t, c.SaveRegister(ctx, &Register{RegisterID: "volts", ObjectType: "input", DataType: "uint16", Scale: 0.1}))
	regs, err := c.ListRegisters(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, 0.1, regs[0].Scale)

	addr := int64(4)
	entry := &DeviceRegister{DeviceID: strPtr("dev-1"), RegisterID: strPtr("volts"), Address: &addr, FieldName: strPtr("voltage")}
	require.NoError(t, c.AddDeviceRegister(ctx, entry))
	assert.NotZero(t, entry.ID)
	entries, err := c.ListDeviceRegisters(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Unit)

	require.NoError(t, c.CreateMeter(ctx, &Meter{MeterID: "M1", DeviceID: "dev-1", Active: true}))
	require.NoError(t, c.SetMeterActive(ctx, "M1", false))
	m, err := c.GetMeter(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, m.Active)

	require.NoError(t, c.DeleteDeviceRegister(ctx, entry.ID))
	require.NoError(t, c.DeleteMeter(ctx, "M1"))
	require.NoError(t, c.DeleteRegister(ctx, "volts"))
	require.NoError(t, c.DeleteDevice(ctx, "dev-1"))

	_, err = c.GetDevice(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetMeter(ctx, "M1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeedFromFileAndReadings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestClient(t)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - {device_id: dev-1, host: 127.0.0.1, port: 1502}
registers:
  - {register_id: volts, object_type: input, data_type: uint16}
meters:
  - {meter_id: M1, device_id: dev-1}
  - {meter_id: M2, device_id: dev-1, active: false}
device_registers:
  - {device_id: dev-1, register_id: volts, address: 0, field_name: voltage, unit: V}
`), 0o644))

	seeded, err := c.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.True(t, seeded)

	meters, err := c.ListMeters(ctx)
	require.NoError(t, err)
	require.Len(t, meters, 2)
	assert.True(t, meters[0].Active)
	assert.False(t, meters[1].Active)

	total, unsynced, err := c.ReadingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, unsynced)

	rows, err := c.UnsyncedReadings(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	n, err := c.MarkSynced(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = c.SeedFromFile(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
