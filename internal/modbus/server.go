package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	functionReadCoils          = 0x01
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
	exceptionDeviceFailure   = 0x04

	tableSize = 65536
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
	errFaulty        = errors.New("faulty address")
)

// Faults makes a simulated device misbehave the way real field devices do.
type Faults struct {
	// MaxQuantity rejects reads wider than this many registers or bits
	// with an illegal-data-value exception. Zero means the protocol limit.
	MaxQuantity int
	// Delay is applied before answering any request touching the address.
	Delay map[uint16]time.Duration
	// Failing answers any request touching the address with a
	// device-failure exception.
	Failing map[uint16]bool
	// Silent never answers requests touching the address.
	Silent map[uint16]bool
}

// Server implements a minimal Modbus TCP server that supports read functions.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	mu               sync.RWMutex
	faults           Faults
	requests         int
	HoldingRegisters []uint16
	InputRegisters   []uint16
	Coils            []bool
	DiscreteInputs   []bool
}

// NewServer constructs a server with full-size register tables.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		HoldingRegisters: make([]uint16, tableSize),
		InputRegisters:   make([]uint16, tableSize),
		Coils:            make([]bool, tableSize),
		DiscreteInputs:   make([]bool, tableSize),
		quit:             make(chan struct{}),
		conns:            make(map[net.Conn]struct{}),
		logger:           logger.Named("modbus-server"),
	}
}

// Listen starts accepting Modbus TCP connections on the provided address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, useful after listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetFaults replaces the active fault configuration.
func (s *Server) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Requests returns how many read requests have been received.
func (s *Server) Requests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.logger.Debug("accept failed", zap.Error(err))
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(pdu)
		if len(response) == 0 {
			continue
		}

		// transaction and protocol ids are echoed from the request
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	var (
		data []byte
		err  error
	)
	switch function {
	case functionReadCoils:
		data, err = s.readBits(s.Coils, pdu)
	case functionReadDiscreteInputs:
		data, err = s.readBits(s.DiscreteInputs, pdu)
	case functionReadHoldingRegs:
		data, err = s.readRegisters(s.HoldingRegisters, pdu)
	case functionReadInputRegs:
		data, err = s.readRegisters(s.InputRegisters, pdu)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
	if err != nil {
		if errors.Is(err, errSilent) {
			return nil
		}
		return exceptionResponse(function, errToCode(err))
	}
	return append([]byte{function, byte(len(data))}, data...)
}

var errSilent = errors.New("silent address")

// applyFaults enforces the fault configuration for a request covering
// [start, start+quantity).
func (s *Server) applyFaults(start, quantity uint16) error {
	s.mu.Lock()
	s.requests++
	f := s.faults
	s.mu.Unlock()

	if f.MaxQuantity > 0 && int(quantity) > f.MaxQuantity {
		return errInvalidQty
	}
	var delay time.Duration
	for a := int(start); a < int(start)+int(quantity); a++ {
		addr := uint16(a)
		if f.Silent[addr] {
			return errSilent
		}
		if f.Failing[addr] {
			return errFaulty
		}
		delay = max(delay, f.Delay[addr])
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.quit:
		}
	}
	return nil
}

func parseRange(pdu []byte, limit uint16) (uint16, uint16, error) {
	if len(pdu) < 5 {
		return 0, 0, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > limit {
		return 0, 0, errInvalidQty
	}
	if int(start)+int(quantity) > tableSize {
		return 0, 0, errOutOfRange
	}
	return start, quantity, nil
}

func (s *Server) readBits(source []bool, pdu []byte) ([]byte, error) {
	start, quantity, err := parseRange(pdu, 2000)
	if err != nil {
		return nil, err
	}
	if err := s.applyFaults(start, quantity); err != nil {
		return nil, err
	}

	result := make([]byte, (int(quantity)+7)/8)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := 0; i < int(quantity); i++ {
		if source[int(start)+i] {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Server) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	start, quantity, err := parseRange(pdu, 125)
	if err != nil {
		return nil, err
	}
	if err := s.applyFaults(start, quantity); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], source[int(start)+i])
	}
	return result, nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	case errors.Is(err, errFaulty):
		return exceptionDeviceFailure
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server, drops open connections and waits for all
// goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}

// SetHoldingRegisters writes consecutive holding registers starting at address.
func (s *Server) SetHoldingRegisters(address uint16, values ...uint16) error {
	return s.setWords(s.HoldingRegisters, address, values)
}

// SetInputRegisters writes consecutive input registers starting at address.
func (s *Server) SetInputRegisters(address uint16, values ...uint16) error {
	return s.setWords(s.InputRegisters, address, values)
}

func (s *Server) setWords(table []uint16, address uint16, values []uint16) error {
	if int(address)+len(values) > len(table) {
		return fmt.Errorf("address %d out of range", address)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(table[address:], values)
	return nil
}

// SetCoil updates a coil value.
func (s *Server) SetCoil(address uint16, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Coils[address] = value
	return nil
}

// SetDiscreteInput updates a discrete input value.
func (s *Server) SetDiscreteInput(address uint16, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DiscreteInputs[address] = value
	return nil
}
