package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meter-collector/internal/catalog"
	"meter-collector/internal/collector"
	"meter-collector/internal/config"
	"meter-collector/internal/protocol"
)

type fakeCatalog struct {
	mu        sync.Mutex
	devices   []catalog.Device
	loaded    bool
	reloadErr error
	reloads   int
}

func (c *fakeCatalog) Reload(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloads++
	if c.reloadErr != nil {
		return c.reloadErr
	}
	c.loaded = true
	return nil
}

func (c *fakeCatalog) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *fakeCatalog) ListDevices() []catalog.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]catalog.Device(nil), c.devices...)
}

func (c *fakeCatalog) Report() catalog.Report {
	return catalog.Report{Summary: catalog.Summary{Total: len(c.ListDevices())}}
}

func (c *fakeCatalog) setReloadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadErr = err
}

// fakeReader answers every property with its position as value. A non-nil
// gate blocks reads until it is closed.
type fakeReader struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
	opts    []protocol.ReadOptions
	mu      sync.Mutex
}

func (r *fakeReader) ReadProperties(ctx context.Context, addr protocol.Address, props []protocol.Property, opts protocol.ReadOptions) protocol.Outcome {
	r.mu.Lock()
	r.opts = append(r.opts, opts)
	r.mu.Unlock()
	if r.started != nil {
		r.once.Do(func() { close(r.started) })
	}
	if r.gate != nil {
		<-r.gate
	}
	out := protocol.Outcome{Results: make(map[string]protocol.Result, len(props))}
	for i, p := range props {
		out.Results[p.DataPoint] = protocol.Result{Value: &protocol.Value{Value: float64(i), Unit: p.Unit, ReadAt: time.Now()}}
	}
	return out
}

type fakeCommitter struct {
	mu    sync.Mutex
	total int
}

func (c *fakeCommitter) Commit(_ context.Context, _ string, readings []collector.Reading) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += len(readings)
	return len(readings), nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	results []collector.CycleResult
	err     error
}

func (n *fakeNotifier) PublishCycle(res collector.CycleResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
	return n.err
}

func device(meterID string, points ...string) catalog.Device {
	d := catalog.Device{MeterID: meterID, DeviceID: "dev-" + meterID, Address: protocol.Address{Host: "127.0.0.1", Port: 502, UnitID: 1}}
	for i, p := range points {
		d.Registers.Add(p, catalog.Point{ObjectType: protocol.ObjectHolding, ObjectInstance: uint32(i), PropertyID: protocol.TypeUint16, Unit: "V", Scale: 1})
	}
	return d
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agent.ID = "agent-test"
	cfg.Collection.Interval = config.Duration{Duration: time.Hour}
	cfg.Collection.MaxWorkers = 2
	return cfg
}

func TestStartFailsWithoutCatalog(t *testing.T) {
	cat := &fakeCatalog{reloadErr: errors.New("database is locked")}
	a := New(testConfig(), cat, &fakeReader{}, &fakeCommitter{}, zap.NewNop())

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	_, err = a.TriggerCollection(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestManualCollection(t *testing.T) {
	cat := &fakeCatalog{devices: []catalog.Device{device("M1", "total_energy", "voltage"), device("M2")}}
	reader := &fakeReader{}
	committer := &fakeCommitter{}
	notifier := &fakeNotifier{}
	cfg := testConfig()
	cfg.Collection.Batching = false
	a := New(cfg, cat, reader, committer, zap.NewNop(), WithNotifier(notifier))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	res, err := a.TriggerCollection(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.CycleID)
	assert.Equal(t, collector.TriggerManual, res.Trigger)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.MetersProcessed)
	assert.Equal(t, 2, res.ReadingsCollected)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, collector.OpConfig, res.Errors[0].Operation)
	assert.Equal(t, "M2", res.Errors[0].MeterID)
	assert.Equal(t, 2, cat.reloads, "one reload at start and one per cycle")

	require.Len(t, reader.opts, 1)
	assert.Equal(t, protocol.ReadOptions{BatchTimeout: 10 * time.Second, SequentialTimeout: 3 * time.Second, Sequential: true}, reader.opts[0])

	st := a.Status()
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, res.CycleID, st.LastCycle.CycleID)
	assert.Nil(t, st.CurrentCycle)
	assert.Equal(t, 1, st.Totals.Cycles)
	assert.Equal(t, "scheduled", st.State)

	require.Len(t, notifier.results, 1)
	assert.Equal(t, res.CycleID, notifier.results[0].CycleID)
}

func TestReloadFailureUsesLastGoodSnapshot(t *testing.T) {
	cat := &fakeCatalog{devices: []catalog.Device{device("M1", "voltage")}}
	a := New(testConfig(), cat, &fakeReader{}, &fakeCommitter{}, zap.NewNop())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	cat.setReloadErr(errors.New("no such table: meters"))
	res, err := a.TriggerCollection(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ReadingsCollected)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, collector.OpConfig, res.Errors[0].Operation)
	assert.Empty(t, res.Errors[0].MeterID)
	assert.Contains(t, res.Errors[0].Message, "no such table")
}

func TestReloadFailureWithoutSnapshotIsFatal(t *testing.T) {
	cat := &fakeCatalog{devices: []catalog.Device{device("M1", "voltage")}}
	reader := &fakeReader{}
	a := New(testConfig(), cat, reader, &fakeCommitter{}, zap.NewNop())

	// call the cycle directly, as if the scheduler fired before any load
	cat.reloadErr = errors.New("unreachable")
	res := a.runCycle(context.Background(), collector.TriggerScheduled, nil)
	assert.False(t, res.Success)
	assert.Zero(t, res.MetersProcessed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, collector.OpConfig, res.Errors[0].Operation)
	assert.Empty(t, reader.opts, "no device is read")

	st := a.Status()
	require.NotNil(t, st.LastCycle)
	assert.False(t, st.LastCycle.Success)
	assert.Equal(t, 1, st.Totals.FailedCycles)
}

func TestTriggerWhileRunningIsBusy(t *testing.T) {
	cat := &fakeCatalog{devices: []catalog.Device{device("M1", "voltage")}}
	reader := &fakeReader{gate: make(chan struct{}), started: make(chan struct{})}
	a := New(testConfig(), cat, reader, &fakeCommitter{}, zap.NewNop())
	require.NoError(t, a.Start(context.Background()))

	first := make(chan collector.CycleResult, 1)
	go func() {
		res, err := a.TriggerCollection(context.Background())
		assert.NoError(t, err)
		first <- res
	}()
	<-reader.started

	live := a.Status()
	require.NotNil(t, live.CurrentCycle)
	assert.Equal(t, "running", live.State)

	_, err := a.TriggerCollection(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(reader.gate)
	res := <-first
	a.Stop(context.Background())

	st := a.Status()
	assert.Equal(t, 1, st.Totals.Cycles, "busy trigger must not produce a cycle result")
	assert.Equal(t, res.CycleID, st.LastCycle.CycleID)
	assert.Equal(t, "stopped", st.State)

	_, err = a.TriggerCollection(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNotifierFailureDoesNotAffectCycle(t *testing.T) {
	cat := &fakeCatalog{devices: []catalog.Device{device("M1", "voltage")}}
	notifier := &fakeNotifier{err: errors.New("broker down")}
	a := New(testConfig(), cat, &fakeReader{}, &fakeCommitter{}, zap.NewNop(), WithNotifier(notifier))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	res, err := a.TriggerCollection(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Errors)
}

func TestRunOnStart(t *testing.T) {
	cat := &fakeCatalog{devices: []catalog.Device{device("M1", "voltage")}}
	committer := &fakeCommitter{}
	cfg := testConfig()
	cfg.Collection.RunOnStart = true
	a := New(cfg, cat, &fakeReader{}, committer, zap.NewNop())
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool { return a.Status().Totals.Cycles == 1 }, time.Second, 5*time.Millisecond)
	a.Stop(context.Background())
	assert.Equal(t, collector.TriggerScheduled, a.Status().LastCycle.Trigger)
}
