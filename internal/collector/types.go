package collector

import (
	"context"
	"time"

	"meter-collector/internal/protocol"
)

// Operation classifies a CollectionError.
type Operation string

const (
	OpConnect Operation = "connect"
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpConfig  Operation = "config"
)

// Cycle triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Reading is one measured value of one data point.
type Reading struct {
	MeterID   string    `json:"meter_id"`
	Timestamp time.Time `json:"timestamp"`
	DataPoint string    `json:"data_point"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// CollectionError records one failure inside a cycle. MeterID is empty for
// cycle-scoped errors and DataPoint is set only for read errors.
type CollectionError struct {
	MeterID   string    `json:"meter_id"`
	DataPoint string    `json:"data_point,omitempty"`
	Operation Operation `json:"operation"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CycleResult summarises one collection cycle.
type CycleResult struct {
	CycleID           string            `json:"cycle_id"`
	Trigger           string            `json:"trigger"`
	StartTime         time.Time         `json:"start_time"`
	EndTime           time.Time         `json:"end_time"`
	MetersProcessed   int               `json:"meters_processed"`
	ReadingsCollected int               `json:"readings_collected"`
	Errors            []CollectionError `json:"errors"`
	Success           bool              `json:"success"`
	Interrupted       bool              `json:"interrupted"`
}

// Clone returns a copy that shares no mutable state with r.
func (r CycleResult) Clone() CycleResult {
	r.Errors = append([]CollectionError(nil), r.Errors...)
	return r
}

// Duration is the wall time of a finished cycle.
func (r CycleResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// DeviceState is the terminal state of one device within a cycle.
type DeviceState string

const (
	DeviceDone    DeviceState = "done"
	DeviceSkipped DeviceState = "skipped"
	DeviceFailed  DeviceState = "failed"
)

// DeviceOutcome is reported once per device when it reaches a terminal state.
type DeviceOutcome struct {
	CycleID   string            `json:"cycle_id"`
	MeterID   string            `json:"meter_id"`
	DeviceID  string            `json:"device_id"`
	State     DeviceState       `json:"state"`
	Read      int               `json:"read"`
	Committed int               `json:"committed"`
	Errors    []CollectionError `json:"errors"`
}

// Reader reads named properties from one device.
type Reader interface {
	ReadProperties(ctx context.Context, addr protocol.Address, props []protocol.Property, opts protocol.ReadOptions) protocol.Outcome
}

// Committer persists the readings of one device atomically and returns how
// many were written.
type Committer interface {
	Commit(ctx context.Context, meterID string, readings []Reading) (int, error)
}

// Observer receives device outcomes while a cycle runs.
type Observer interface {
	RecordProgress(o DeviceOutcome)
}
