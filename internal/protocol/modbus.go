package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
)

// Protocol limits on a single read request.
const (
	maxRegisterSpan = 125
	maxBitSpan      = 2000
)

// ErrBatchSpan is returned when a batch cannot be served by one contiguous read.
var ErrBatchSpan = errors.New("batch does not fit a single contiguous read")

// ModbusDialer opens Modbus TCP sessions.
type ModbusDialer struct {
	ConnectTimeout time.Duration
}

func (d *ModbusDialer) Dial(ctx context.Context, addr Address) (Conn, error) {
	t := &tcpTransport{address: addr.String(), connectTimeout: d.ConnectTimeout}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	// the stock handler only contributes MBAP framing; sockets are ours
	h := mb.NewTCPClientHandler(t.address)
	h.SlaveId = addr.UnitID
	return &modbusConn{transport: t, client: mb.NewClient(tcpHandler{Packager: h, Transporter: t})}, nil
}

type tcpHandler struct {
	mb.Packager
	mb.Transporter
}

// tcpTransport sends one MBAP frame per request with a per-request deadline.
// A failed exchange drops the socket so a late reply cannot be mistaken for
// the answer to the next request; the next Send reconnects. A failed
// reconnect is final for the session.
type tcpTransport struct {
	address        string
	connectTimeout time.Duration
	lost           error

	connMu  sync.Mutex // guards conn against interrupt
	conn    net.Conn
	ctx     context.Context
	timeout time.Duration
}

const (
	mbapHeaderSize = 7
	maxADUSize     = 260
)

func (t *tcpTransport) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: t.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return err
	}
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	return nil
}

func (t *tcpTransport) Send(aduRequest []byte) ([]byte, error) {
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if t.conn == nil {
		if t.lost != nil {
			return nil, t.lost
		}
		if err := t.connect(ctx); err != nil {
			t.lost = fmt.Errorf("%w: %v", ErrConnectionLost, err)
			return nil, t.lost
		}
	}
	resp, err := t.exchange(ctx, aduRequest)
	if err != nil {
		t.drop()
	}
	return resp, err
}

func (t *tcpTransport) exchange(ctx context.Context, aduRequest []byte) ([]byte, error) {
	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := t.conn.Write(aduRequest); err != nil {
		return nil, err
	}
	var buf [maxADUSize]byte
	if _, err := io.ReadFull(t.conn, buf[:mbapHeaderSize]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	if length < 2 || mbapHeaderSize+length-1 > maxADUSize {
		return nil, fmt.Errorf("modbus: invalid response length %d", length)
	}
	end := mbapHeaderSize + length - 1
	if _, err := io.ReadFull(t.conn, buf[mbapHeaderSize:end]); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[:end]...), nil
}

// interrupt unblocks an exchange in progress.
func (t *tcpTransport) interrupt() {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		_ = t.conn.SetDeadline(time.Unix(1, 0))
	}
}

func (t *tcpTransport) drop() {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

type modbusConn struct {
	mu        sync.Mutex
	transport *tcpTransport
	client    mb.Client
}

// do runs one request with the given deadline. Cancelling ctx expires the
// socket deadline so a blocked request returns immediately.
func (c *modbusConn) do(ctx context.Context, timeout time.Duration, fn func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.transport.ctx = ctx
	c.transport.timeout = timeout
	stop := context.AfterFunc(ctx, c.transport.interrupt)
	data, err := fn()
	stop()
	c.transport.ctx = nil
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return data, err
}

func (c *modbusConn) read(objectType string, start, quantity uint16) ([]byte, error) {
	switch normalize(objectType) {
	case ObjectHolding:
		return c.client.ReadHoldingRegisters(start, quantity)
	case ObjectInput:
		return c.client.ReadInputRegisters(start, quantity)
	case ObjectCoil:
		return c.client.ReadCoils(start, quantity)
	case ObjectDiscrete:
		return c.client.ReadDiscreteInputs(start, quantity)
	default:
		return nil, fmt.Errorf("unsupported object type: %s", objectType)
	}
}

// span is the contiguous address range covering a batch.
type span struct {
	objectType string
	start      uint16
	quantity   uint16
}

func planSpan(props []Property) (span, error) {
	if len(props) == 0 {
		return span{}, fmt.Errorf("%w: empty batch", ErrBatchSpan)
	}
	ot := normalize(props[0].ObjectType)
	lo, hi := uint32(1<<16), uint32(0)
	for _, p := range props {
		if normalize(p.ObjectType) != ot {
			return span{}, fmt.Errorf("%w: mixed object types %s and %s", ErrBatchSpan, ot, p.ObjectType)
		}
		end := p.ObjectInstance + uint32(registerCount(p))
		if end > 1<<16 {
			return span{}, fmt.Errorf("%w: address %d out of range", ErrBatchSpan, p.ObjectInstance)
		}
		lo = min(lo, p.ObjectInstance)
		hi = max(hi, end)
	}
	limit := uint32(maxRegisterSpan)
	if isBitTable(ot) {
		limit = maxBitSpan
	}
	if hi-lo > limit {
		return span{}, fmt.Errorf("%w: span %d exceeds %d", ErrBatchSpan, hi-lo, limit)
	}
	return span{objectType: ot, start: uint16(lo), quantity: uint16(hi - lo)}, nil
}

func (c *modbusConn) ReadBatch(ctx context.Context, props []Property, timeout time.Duration) (map[string]Result, error) {
	sp, err := planSpan(props)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, timeout, func() ([]byte, error) {
		return c.read(sp.objectType, sp.start, sp.quantity)
	})
	if err != nil {
		return nil, err
	}
	readAt := time.Now()
	results := make(map[string]Result, len(props))
	for _, p := range props {
		off := int(p.ObjectInstance) - int(sp.start)
		var (
			v    float64
			derr error
		)
		if isBitTable(sp.objectType) {
			v, derr = decodeBit(data, off)
		} else {
			lo, hi := off*2, (off+int(registerCount(p)))*2
			if hi > len(data) {
				derr = errShortData
			} else {
				v, derr = decodeRegisters(data[lo:hi], p)
			}
		}
		if derr != nil {
			results[p.DataPoint] = Result{Err: &ReadError{DataPoint: p.DataPoint, Err: derr}}
			continue
		}
		results[p.DataPoint] = Result{Value: &Value{Value: v, Unit: p.Unit, ReadAt: readAt}}
	}
	return results, nil
}

func (c *modbusConn) ReadOne(ctx context.Context, p Property, timeout time.Duration) (Value, error) {
	if p.ObjectInstance+uint32(registerCount(p)) > 1<<16 {
		return Value{}, fmt.Errorf("address %d out of range", p.ObjectInstance)
	}
	data, err := c.do(ctx, timeout, func() ([]byte, error) {
		return c.read(p.ObjectType, uint16(p.ObjectInstance), registerCount(p))
	})
	if err != nil {
		return Value{}, err
	}
	readAt := time.Now()
	var v float64
	if isBitTable(p.ObjectType) {
		v, err = decodeBit(data, 0)
	} else {
		v, err = decodeRegisters(data, p)
	}
	if err != nil {
		return Value{}, err
	}
	return Value{Value: v, Unit: p.Unit, ReadAt: readAt}, nil
}

func (c *modbusConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport.drop()
	return nil
}

// SortForBatching orders properties by table and address so that neighbours
// fall into the same contiguous batch.
func SortForBatching(props []Property) {
	sort.SliceStable(props, func(i, j int) bool {
		a, b := normalize(props[i].ObjectType), normalize(props[j].ObjectType)
		if a != b {
			return a < b
		}
		return props[i].ObjectInstance < props[j].ObjectInstance
	})
}
