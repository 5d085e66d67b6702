package servermgr

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"meter-collector/internal/config"
	"meter-collector/internal/modbus"
	"meter-collector/internal/protocol"
)

// Manager runs one simulated Modbus TCP server per distinct device address
// of a catalog and fills its registers with the catalog's simulated values.
type Manager struct {
	Catalog    config.CatalogFile
	RetryCount int
	RetryDelay time.Duration

	logger  *zap.Logger
	mu      sync.Mutex
	servers map[string]*modbus.Server // by listen address
	devices map[string]string         // device id -> listen address
}

// NewManager constructs a manager for the devices listed in cat.
func NewManager(cat config.CatalogFile, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		Catalog:    cat,
		RetryDelay: time.Second,
		logger:     logger.Named("servermgr"),
		servers:    make(map[string]*modbus.Server),
		devices:    make(map[string]string),
	}
}

// Start listens for every catalog device and loads simulated values. On
// error, servers already started are closed.
func (m *Manager) Start(ctx context.Context) error {
	bound := make(map[string]string) // requested address -> bound address
	for _, dev := range m.Catalog.Devices {
		addr := net.JoinHostPort(dev.Host, strconv.Itoa(dev.Port))
		if b, shared := bound[addr]; shared && dev.Port != 0 {
			m.logger.Warn("devices share an address, registers are merged",
				zap.String("device_id", dev.DeviceID), zap.String("addr", b))
			m.mu.Lock()
			m.devices[dev.DeviceID] = b
			m.mu.Unlock()
			continue
		}

		server, err := m.listen(ctx, dev.DeviceID, addr)
		if err != nil {
			m.Close()
			return err
		}
		b := server.Addr().String()
		bound[addr] = b
		m.mu.Lock()
		m.servers[b] = server
		m.devices[dev.DeviceID] = b
		m.mu.Unlock()
		m.logger.Info("simulated device listening", zap.String("device_id", dev.DeviceID), zap.String("addr", b))
	}

	loaded := 0
	for i, e := range m.Catalog.DeviceRegisters {
		ok, err := m.load(e)
		if err != nil {
			m.logger.Warn("simulated value not loaded", zap.Int("index", i), zap.Error(err))
			continue
		}
		if ok {
			loaded++
		}
	}
	m.logger.Info("simulated values loaded", zap.Int("values", loaded), zap.Int("servers", len(m.servers)))
	return nil
}

func (m *Manager) listen(ctx context.Context, deviceID, addr string) (*modbus.Server, error) {
	retry := m.RetryCount
	if retry < 0 {
		retry = 0
	}
	var err error
	for attempt := 0; attempt <= retry; attempt++ {
		server := modbus.NewServer(m.logger.With(zap.String("device_id", deviceID)))
		if err = server.Listen(addr); err == nil {
			return server, nil
		}
		if attempt < retry {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.RetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("device %s listen %s: %w", deviceID, addr, err)
}

// load writes one entry's simulated value. Entries without a value or with
// incomplete fields are skipped.
func (m *Manager) load(e config.CatalogDeviceRegister) (bool, error) {
	if e.Simulate == nil || e.DeviceID == nil || e.RegisterID == nil || e.Address == nil {
		return false, nil
	}
	server, ok := m.Server(*e.DeviceID)
	if !ok {
		return false, fmt.Errorf("unknown device %s", *e.DeviceID)
	}
	reg, ok := m.Catalog.Register(*e.RegisterID)
	if !ok {
		return false, fmt.Errorf("unknown register %s", *e.RegisterID)
	}
	if *e.Address < 0 || *e.Address > 65535 {
		return false, fmt.Errorf("address %d out of range", *e.Address)
	}
	addr := uint16(*e.Address)
	value := *e.Simulate

	switch reg.ObjectType {
	case protocol.ObjectCoil:
		return true, server.SetCoil(addr, value != 0)
	case protocol.ObjectDiscrete:
		return true, server.SetDiscreteInput(addr, value != 0)
	}
	words, err := protocol.EncodeRegisters(protocol.Property{
		ObjectType: reg.ObjectType,
		PropertyID: reg.DataType,
		ByteOrder:  reg.ByteOrder,
		Scale:      reg.Scale,
		Offset:     reg.Offset,
	}, value)
	if err != nil {
		return false, err
	}
	switch reg.ObjectType {
	case protocol.ObjectInput:
		return true, server.SetInputRegisters(addr, words...)
	case protocol.ObjectHolding:
		return true, server.SetHoldingRegisters(addr, words...)
	default:
		return false, fmt.Errorf("unknown object type %q", reg.ObjectType)
	}
}

// Server returns the simulator serving deviceID.
func (m *Manager) Server(deviceID string) (*modbus.Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[m.devices[deviceID]]
	return s, ok
}

// Addr returns the bound address of deviceID's simulator.
func (m *Manager) Addr(deviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.devices[deviceID]
	return a, ok
}

// Run starts all servers and blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Close()
	return nil
}

func (m *Manager) Close() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*modbus.Server)
	m.devices = make(map[string]string)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for addr, s := range servers {
		wg.Add(1)
		go func(addr string, s *modbus.Server) {
			defer wg.Done()
			s.Close()
			m.logger.Info("simulated device stopped", zap.String("addr", addr))
		}(addr, s)
	}
	wg.Wait()
}
