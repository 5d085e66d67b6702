package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meter-collector/internal/protocol"
)

// ErrNotLoaded is returned by queries made before the first successful reload.
var ErrNotLoaded = errors.New("configuration not loaded")

const (
	reasonDeviceMissing = "device not found"
	reasonNoRegisters   = "no valid register entries"

	maxUnitID = 255
)

type snapshot struct {
	devices []Device
	gaps    []Gap
	invalid []ValidationError
	summary Summary
}

// Cache holds the immutable configuration snapshot the collector runs on.
type Cache struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	reloadMu sync.Mutex
	current  atomic.Pointer[snapshot]
}

// New constructs an empty cache that loads its snapshot from store.
func New(store Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, logger: logger.Named("catalog"), now: time.Now}
}

// Reload queries the store and swaps in a new snapshot. On failure the
// previous snapshot stays in place.
func (c *Cache) Reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	devices, err := c.store.Devices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	meters, err := c.store.ActiveMeters(ctx)
	if err != nil {
		return fmt.Errorf("load active meters: %w", err)
	}
	registers, err := c.store.Registers(ctx)
	if err != nil {
		return fmt.Errorf("load registers: %w", err)
	}
	entries, err := c.store.DeviceRegisterEntries(ctx)
	if err != nil {
		return fmt.Errorf("load device registers: %w", err)
	}

	snap := build(devices, meters, registers, entries)
	snap.summary.LoadedAt = c.now()
	for _, v := range snap.invalid {
		c.logger.Warn("dropping invalid register entry",
			zap.Int("index", v.Index), zap.String("device_id", v.DeviceID), zap.String("reason", v.Reason))
	}
	for _, g := range snap.gaps {
		c.logger.Warn("configuration gap",
			zap.String("device_id", g.DeviceID), zap.Strings("meter_ids", g.MeterIDs), zap.String("reason", g.Reason))
	}
	c.current.Store(snap)
	c.logger.Info("configuration loaded",
		zap.Int("meters", snap.summary.Total),
		zap.Int("with_registers", snap.summary.WithRegisters),
		zap.Int("invalid_entries", len(snap.invalid)))
	return nil
}

// Loaded reports whether a snapshot is available.
func (c *Cache) Loaded() bool { return c.current.Load() != nil }

// ListDevices returns one Device per active meter, in meter order. The
// Devices share read-only state with the cache and must not be modified.
func (c *Cache) ListDevices() []Device {
	s := c.current.Load()
	if s == nil {
		return nil
	}
	return append([]Device(nil), s.devices...)
}

// Device returns the cached device of a meter.
func (c *Cache) Device(meterID string) (Device, error) {
	s := c.current.Load()
	if s == nil {
		return Device{}, ErrNotLoaded
	}
	for _, d := range s.devices {
		if d.MeterID == meterID {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("meter %s not configured", meterID)
}

func (c *Cache) ConfigurationSummary() Summary {
	s := c.current.Load()
	if s == nil {
		return Summary{}
	}
	out := s.summary
	out.MissingDeviceIDs = append([]string(nil), s.summary.MissingDeviceIDs...)
	return out
}

func (c *Cache) Gaps() []Gap {
	s := c.current.Load()
	if s == nil {
		return nil
	}
	out := make([]Gap, len(s.gaps))
	for i, g := range s.gaps {
		g.MeterIDs = append([]string(nil), g.MeterIDs...)
		out[i] = g
	}
	return out
}

func (c *Cache) ValidationErrors() []ValidationError {
	s := c.current.Load()
	if s == nil {
		return nil
	}
	return append([]ValidationError(nil), s.invalid...)
}

func (c *Cache) Report() Report {
	return Report{
		Summary:          c.ConfigurationSummary(),
		Gaps:             c.Gaps(),
		ValidationErrors: c.ValidationErrors(),
	}
}

func build(devices []DeviceRecord, meters []MeterRecord, registers []RegisterRecord, entries []RawRegisterEntry) *snapshot {
	devByID := make(map[string]DeviceRecord, len(devices))
	for _, d := range devices {
		devByID[d.DeviceID] = d
	}
	regByID := make(map[string]RegisterRecord, len(registers))
	for _, r := range registers {
		regByID[r.RegisterID] = r
	}

	snap := &snapshot{}
	maps := make(map[string]*RegisterMap)
	for i, e := range entries {
		deviceID, name, p, reason := validate(e, devByID, regByID)
		if reason == "" {
			m := maps[deviceID]
			if m == nil {
				m = &RegisterMap{}
				maps[deviceID] = m
			}
			if !m.Add(name, p) {
				reason = fmt.Sprintf("duplicate field_name %q", name)
			}
		}
		if reason != "" {
			snap.invalid = append(snap.invalid, ValidationError{Index: i, DeviceID: deviceID, Field: name, Reason: reason})
		}
	}

	gapIdx := make(map[string]int)
	for _, mr := range meters {
		dev := Device{MeterID: mr.MeterID, DeviceID: mr.DeviceID}
		rec, found := devByID[mr.DeviceID]
		switch {
		case !found:
			dev.GapReason = reasonDeviceMissing
		case rec.SlaveID < 0 || rec.SlaveID > maxUnitID:
			dev.GapReason = fmt.Sprintf("slave id %d out of range", rec.SlaveID)
		case maps[mr.DeviceID] == nil:
			dev.GapReason = reasonNoRegisters
		default:
			dev.Registers = *maps[mr.DeviceID]
		}
		if found {
			dev.Address = protocol.Address{Host: rec.Host, Port: rec.Port}
			if rec.SlaveID >= 0 && rec.SlaveID <= maxUnitID {
				dev.Address.UnitID = uint8(rec.SlaveID)
			}
		}
		snap.devices = append(snap.devices, dev)

		snap.summary.Total++
		if dev.GapReason == "" {
			snap.summary.WithRegisters++
			continue
		}
		snap.summary.WithoutRegisters++
		if i, ok := gapIdx[mr.DeviceID]; ok {
			snap.gaps[i].MeterIDs = append(snap.gaps[i].MeterIDs, mr.MeterID)
			continue
		}
		gapIdx[mr.DeviceID] = len(snap.gaps)
		snap.gaps = append(snap.gaps, Gap{DeviceID: mr.DeviceID, MeterIDs: []string{mr.MeterID}, Reason: dev.GapReason})
		snap.summary.MissingDeviceIDs = append(snap.summary.MissingDeviceIDs, mr.DeviceID)
	}
	return snap
}

// validate checks one raw entry and returns the reason it is rejected, or
// an empty reason together with the resolved point.
func validate(e RawRegisterEntry, devices map[string]DeviceRecord, registers map[string]RegisterRecord) (string, string, Point, string) {
	deviceID := deref(e.DeviceID)
	name := strings.TrimSpace(deref(e.FieldName))
	switch {
	case deviceID == "":
		return deviceID, name, Point{}, "device_id is null"
	case deref(e.RegisterID) == "":
		return deviceID, name, Point{}, "register_id is null"
	case name == "":
		return deviceID, name, Point{}, "field_name is null"
	case e.Unit == nil:
		return deviceID, name, Point{}, "unit is null"
	case e.Address == nil:
		return deviceID, name, Point{}, "register address is null"
	case *e.Address < 0 || *e.Address > 65535:
		return deviceID, name, Point{}, fmt.Sprintf("register address %d out of range", *e.Address)
	}
	if _, ok := devices[deviceID]; !ok {
		return deviceID, name, Point{}, fmt.Sprintf("unknown device %q", deviceID)
	}
	reg, ok := registers[*e.RegisterID]
	if !ok {
		return deviceID, name, Point{}, fmt.Sprintf("unknown register %q", *e.RegisterID)
	}
	if err := protocol.CheckEncoding(reg.ObjectType, reg.DataType, reg.ByteOrder); err != nil {
		return deviceID, name, Point{}, fmt.Sprintf("register %s: %v", reg.RegisterID, err)
	}
	scale := reg.Scale
	if scale == 0 {
		scale = 1
	}
	return deviceID, name, Point{
		ObjectType:     strings.ToLower(strings.TrimSpace(reg.ObjectType)),
		ObjectInstance: uint32(*e.Address),
		PropertyID:     strings.ToLower(strings.TrimSpace(reg.DataType)),
		Unit:           *e.Unit,
		ByteOrder:      strings.ToUpper(strings.TrimSpace(reg.ByteOrder)),
		Scale:          scale,
		Offset:         reg.Offset,
	}, ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
