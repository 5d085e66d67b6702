package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meter-collector/internal/catalog"
	"meter-collector/internal/protocol"
)

// Plan is everything one cycle needs. Devices is a read-only snapshot.
type Plan struct {
	CycleID   string
	Trigger   string
	StartTime time.Time
	Devices   []catalog.Device
	Read      protocol.ReadOptions
	// Drain stops the dispatch of further devices when closed.
	Drain <-chan struct{}
}

// Manager executes collection cycles over a bounded worker pool.
type Manager struct {
	reader     Reader
	committer  Committer
	observer   Observer
	logger     *zap.Logger
	maxWorkers int
	now        func() time.Time
}

type Option func(*Manager)

// WithWorkers bounds how many devices are collected concurrently.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxWorkers = n
		}
	}
}

// WithObserver reports each finished device to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager constructs a manager that reads through reader and commits through committer.
func NewManager(reader Reader, committer Committer, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		reader:     reader,
		committer:  committer,
		logger:     logger.Named("collector"),
		maxWorkers: 10,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ExecuteCycle collects every device of the plan once. Device, property and
// write failures are recorded in the result; nothing is returned as an error.
func (m *Manager) ExecuteCycle(ctx context.Context, plan Plan) CycleResult {
	res := CycleResult{
		CycleID:   plan.CycleID,
		Trigger:   plan.Trigger,
		StartTime: plan.StartTime,
		Success:   true,
	}
	if res.StartTime.IsZero() {
		res.StartTime = m.now()
	}
	log := m.logger.With(zap.String("cycle_id", plan.CycleID))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, m.maxWorkers)
	)
dispatch:
	for i := range plan.Devices {
		select {
		case <-plan.Drain:
			res.Interrupted = true
			break dispatch
		case <-ctx.Done():
			res.Interrupted = true
			break dispatch
		case sem <- struct{}{}:
		}
		// a slot and a stop signal may be ready together
		select {
		case <-plan.Drain:
			<-sem
			res.Interrupted = true
			break dispatch
		default:
		}

		wg.Add(1)
		go func(dev *catalog.Device) {
			defer wg.Done()
			defer func() { <-sem }()

			out := m.collectDevice(ctx, plan, dev)
			mu.Lock()
			res.MetersProcessed++
			res.ReadingsCollected += out.Committed
			res.Errors = append(res.Errors, out.Errors...)
			mu.Unlock()
			if m.observer != nil {
				m.observer.RecordProgress(out)
			}
		}(&plan.Devices[i])
	}
	wg.Wait()

	res.EndTime = m.now()
	if res.Interrupted {
		log.Warn("cycle interrupted",
			zap.Int("dispatched", res.MetersProcessed), zap.Int("devices", len(plan.Devices)))
	}
	return res
}

// collectDevice drives one device to a terminal state.
func (m *Manager) collectDevice(ctx context.Context, plan Plan, dev *catalog.Device) (out DeviceOutcome) {
	out = DeviceOutcome{CycleID: plan.CycleID, MeterID: dev.MeterID, DeviceID: dev.DeviceID}
	log := m.logger.With(
		zap.String("cycle_id", plan.CycleID),
		zap.String("meter_id", dev.MeterID),
		zap.String("device_id", dev.DeviceID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("device collection panicked", zap.Any("panic", r), zap.Stack("stack"))
			out.State = DeviceFailed
			out.Errors = append(out.Errors, m.newError(dev.MeterID, "", OpRead, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	if dev.Registers.Len() == 0 {
		reason := dev.GapReason
		if reason == "" {
			reason = "no valid register entries"
		}
		msg := fmt.Sprintf("device %s skipped: %s", dev.DeviceID, reason)
		log.Warn("device skipped", zap.String("reason", reason))
		out.State = DeviceSkipped
		out.Errors = []CollectionError{m.newError(dev.MeterID, "", OpConfig, msg)}
		return out
	}

	props := dev.Registers.Properties()
	if !plan.Read.Sequential {
		protocol.SortForBatching(props)
	}
	outcome := m.reader.ReadProperties(ctx, dev.Address, props, plan.Read)
	if outcome.ConnectErr != nil {
		log.Warn("device unreachable", zap.Stringer("address", dev.Address), zap.Error(outcome.ConnectErr))
		out.State = DeviceFailed
		out.Errors = []CollectionError{m.newError(dev.MeterID, "", OpConnect,
			fmt.Sprintf("device %s at %s: %v", dev.DeviceID, dev.Address, outcome.ConnectErr))}
		return out
	}

	readings := make([]Reading, 0, len(props))
	for _, p := range props {
		r, ok := outcome.Results[p.DataPoint]
		switch {
		case ok && r.OK():
			readings = append(readings, Reading{
				MeterID:   dev.MeterID,
				Timestamp: r.Value.ReadAt,
				DataPoint: p.DataPoint,
				Value:     r.Value.Value,
				Unit:      r.Value.Unit,
			})
		default:
			err := r.Err
			if !ok || err == nil {
				err = protocol.ErrNoValue
			}
			log.Debug("property read failed", zap.String("data_point", p.DataPoint), zap.Error(err))
			out.Errors = append(out.Errors, m.newError(dev.MeterID, p.DataPoint, OpRead, err.Error()))
		}
	}
	out.State = DeviceDone
	out.Read = len(readings)

	if len(readings) > 0 {
		n, err := m.committer.Commit(ctx, dev.MeterID, readings)
		if err != nil {
			log.Error("commit failed", zap.Int("readings", len(readings)), zap.Error(err))
			out.Errors = append(out.Errors, m.newError(dev.MeterID, "", OpWrite, err.Error()))
		} else {
			out.Committed = n
		}
	}
	log.Debug("device collected",
		zap.Int("read", out.Read), zap.Int("committed", out.Committed),
		zap.Int("errors", len(out.Errors)), zap.Int("batch_calls", outcome.Stats.BatchCalls),
		zap.Int("single_calls", outcome.Stats.SingleCalls))
	return out
}

func (m *Manager) newError(meterID, dataPoint string, op Operation, msg string) CollectionError {
	return CollectionError{MeterID: meterID, DataPoint: dataPoint, Operation: op, Message: msg, Timestamp: m.now()}
}
