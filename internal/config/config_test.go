package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Collection.Interval.Duration)
	assert.Equal(t, 20, cfg.Status.History)
	assert.True(t, cfg.Collection.Batching)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	data := []byte(`
collection:
  interval: 15s
  batch_timeout: 4s
  sequential_timeout: 750ms
  max_workers: 2
storage:
  backend: clickhouse
  clickhouse:
    addr: ["ch-1:9000", "ch-2:9000"]
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Collection.Interval.Duration)
	assert.Equal(t, 4*time.Second, cfg.Collection.BatchTimeout.Duration)
	assert.Equal(t, 750*time.Millisecond, cfg.Collection.SequentialTimeout.Duration)
	assert.Equal(t, 5*time.Second, cfg.Collection.ConnectTimeout.Duration)
	assert.Equal(t, 2, cfg.Collection.MaxWorkers)
	assert.Equal(t, []string{"ch-1:9000", "ch-2:9000"}, cfg.Storage.ClickHouse.Addr)
	assert.Equal(t, "meter_readings", cfg.Storage.ClickHouse.Table)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := LoadFromBytes([]byte("collection:\n  interval: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MC_COLLECTION_INTERVAL", "30s")
	t.Setenv("MC_MAX_WORKERS", "3")
	t.Setenv("MC_BATCHING", "false")
	t.Setenv("MC_CLICKHOUSE_ADDR", "a:9000,b:9000")
	t.Setenv("MC_AGENT_ID", "site-7")

	cfg, err := LoadFromBytes([]byte("collection:\n  interval: 10s\n"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Collection.Interval.Duration)
	assert.Equal(t, 3, cfg.Collection.MaxWorkers)
	assert.False(t, cfg.Collection.Batching)
	assert.Equal(t, []string{"a:9000", "b:9000"}, cfg.Storage.ClickHouse.Addr)
	assert.Equal(t, "meters/site-7/cycles", cfg.MQTTTopic())
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("MC_MAX_WORKERS", "many")
	_, err := LoadFromBytes(nil)
	assert.ErrorContains(t, err, "MC_MAX_WORKERS")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MC_SEQUENTIAL_TIMEOUT=1500ms\n"), 0o644))
	t.Setenv("MC_SEQUENTIAL_TIMEOUT", "")
	os.Unsetenv("MC_SEQUENTIAL_TIMEOUT")

	require.NoError(t, LoadEnvFile(path))
	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Collection.SequentialTimeout.Duration)

	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collection.SequentialTimeout = Duration{}
	cfg.Collection.MaxWorkers = 0
	cfg.Storage.Backend = "postgres"
	cfg.MQTT.Enabled = true
	cfg.MQTT.QoS = 3

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"sequential_timeout", "max_workers", "postgres", "qos"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := []byte(`
devices:
  - device_id: dev-1
    host: 127.0.0.1
    port: 1502
    slave_id: 1
registers:
  - register_id: energy
    object_type: holding
    data_type: float32
meters:
  - meter_id: M1
    device_id: dev-1
  - meter_id: M2
    device_id: dev-1
    active: false
device_registers:
  - device_id: dev-1
    register_id: energy
    address: 0
    field_name: total_energy
    unit: kWh
    simulate: 1234.5
  - device_id: dev-1
    register_id: energy
    field_name: broken
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, cat.Meters, 2)
	assert.True(t, cat.Meters[0].IsActive())
	assert.False(t, cat.Meters[1].IsActive())
	require.Len(t, cat.DeviceRegisters, 2)
	assert.Equal(t, 1234.5, *cat.DeviceRegisters[0].Simulate)
	assert.Nil(t, cat.DeviceRegisters[1].Address)
	assert.Nil(t, cat.DeviceRegisters[1].Unit)
	r, ok := cat.Register("energy")
	require.True(t, ok)
	assert.Equal(t, "float32", r.DataType)
}

func TestShippedFilesLoad(t *testing.T) {
	cfg, err := Load("../../config/config.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "meters/collector-1/cycles", cfg.MQTTTopic())

	cat, err := LoadCatalog("../../config/catalog.yaml")
	require.NoError(t, err)
	assert.Len(t, cat.Devices, 2)
	assert.False(t, cat.Meters[2].IsActive())
	r, ok := cat.Register("power_active")
	require.True(t, ok)
	assert.Equal(t, "CDAB", r.ByteOrder)
}
