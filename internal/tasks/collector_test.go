package tasks

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"meter-collector/internal/agent"
	"meter-collector/internal/catalog"
	"meter-collector/internal/collector"
	"meter-collector/internal/config"
	"meter-collector/internal/protocol"
	"meter-collector/internal/servermgr"
	"meter-collector/internal/storage"
)

const catalogYAML = `
devices:
  - {device_id: dev-1, host: 127.0.0.1, port: 0, slave_id: 1}
  - {device_id: dev-2, host: 127.0.0.1, port: 0}
registers:
  - {register_id: energy, object_type: holding, data_type: float32}
  - {register_id: volts, object_type: input, data_type: uint16, scale: 0.1}
meters:
  - {meter_id: M1, device_id: dev-1}
  - {meter_id: M2, device_id: dev-2}
  - {meter_id: M3, device_id: dev-404}
device_registers:
  - {device_id: dev-1, register_id: energy, address: 0, field_name: total_energy, unit: kWh, simulate: 1234.5}
  - {device_id: dev-1, register_id: volts, address: 2, field_name: voltage, unit: V, simulate: 230.1}
  - {device_id: dev-2, register_id: volts, address: 0, field_name: voltage, unit: V, simulate: 229.8}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigOverrides(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "collection:\n  interval: 30s\n")
	cfg, err := LoadConfig(Options{
		ConfigPath: cfgPath,
		DBPath:     "/tmp/other.db",
		SeedFile:   "catalog.yaml",
		APIListen:  "127.0.0.1:9999",
		RunOnStart: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Collection.Interval.Duration)
	assert.Equal(t, "/tmp/other.db", cfg.Catalog.DBPath)
	assert.Equal(t, "catalog.yaml", cfg.Catalog.SeedFile)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Listen)
	assert.True(t, cfg.Collection.RunOnStart)

	_, err = LoadConfig(Options{ConfigPath: writeFile(t, "bad.yaml", "storage:\n  backend: redis\n")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

// TestCollectorEndToEnd runs one manual cycle against simulated devices and
// checks what lands in SQLite.
func TestCollectorEndToEnd(t *testing.T) {
	ctx := context.Background()
	cat, err := config.LoadCatalog(writeFile(t, "catalog.yaml", catalogYAML))
	require.NoError(t, err)

	sims := servermgr.NewManager(cat, zap.NewNop())
	require.NoError(t, sims.Start(ctx))
	defer sims.Close()
	for i := range cat.Devices {
		a, ok := sims.Addr(cat.Devices[i].DeviceID)
		require.True(t, ok)
		_, port, err := net.SplitHostPort(a)
		require.NoError(t, err)
		cat.Devices[i].Port, err = strconv.Atoi(port)
		require.NoError(t, err)
	}
	// write the bound ports back so the database points at the simulators
	b, err := yaml.Marshal(cat)
	require.NoError(t, err)
	seedPath := writeFile(t, "seed.yaml", string(b))

	cfg := config.DefaultConfig()
	cfg.Catalog.DBPath = filepath.Join(t.TempDir(), "collector.db")
	cfg.Catalog.SeedFile = seedPath
	cfg.Collection.Interval = config.Duration{Duration: time.Hour}
	cfg.Collection.BatchTimeout = config.Duration{Duration: time.Second}
	cfg.Collection.SequentialTimeout = config.Duration{Duration: time.Second}

	database, err := OpenCatalog(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer database.Close()

	client := protocol.NewClient(&protocol.ModbusDialer{ConnectTimeout: time.Second}, zap.NewNop())
	a := agent.New(cfg, catalog.New(database, zap.NewNop()), client, storage.NewBatcher(database, zap.NewNop()), zap.NewNop())
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	res, err := a.TriggerCollection(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.MetersProcessed)
	assert.Equal(t, 3, res.ReadingsCollected)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "M3", res.Errors[0].MeterID)
	assert.Equal(t, collector.OpConfig, res.Errors[0].Operation)

	rows, err := database.MeterReadings(ctx, "M1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	values := map[string]float64{}
	for _, r := range rows {
		assert.False(t, r.Synced)
		values[r.DataPoint] = r.Value
	}
	assert.InDelta(t, 1234.5, values["total_energy"], 1e-3)
	assert.InDelta(t, 230.1, values["voltage"], 1e-9)

	report := a.ConfigurationReport()
	assert.Equal(t, []string{"dev-404"}, report.Summary.MissingDeviceIDs)
}
