package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrNoValue is reported for a property the transport returned nothing for.
var ErrNoValue = errors.New("no value returned")

// ErrInvalidTimeout is reported when a read is requested without usable timeouts.
var ErrInvalidTimeout = errors.New("batch and sequential timeouts must be positive")

// ErrConnectionLost is returned by a Conn once the device dropped the session
// and reconnecting failed. The remaining properties of the call fail with it.
var ErrConnectionLost = errors.New("connection lost")

// Address identifies one device endpoint.
type Address struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	UnitID uint8  `json:"unit_id"`
}

func (a Address) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// Property is one named value to read from a device.
type Property struct {
	DataPoint      string
	ObjectType     string
	ObjectInstance uint32
	PropertyID     string
	Unit           string
	ByteOrder      string
	Scale          float64
	Offset         float64
}

// Value is a decoded property value. ReadAt is the time the response that
// carried it was received.
type Value struct {
	Value  float64
	Unit   string
	ReadAt time.Time
}

// Result holds exactly one of Value or Err.
type Result struct {
	Value *Value
	Err   error
}

// OK reports whether the property was read.
func (r Result) OK() bool { return r.Err == nil && r.Value != nil }

// ReadOptions carries the per-call limits. BatchTimeout bounds each batched
// round trip, SequentialTimeout bounds each single-property round trip.
type ReadOptions struct {
	BatchTimeout      time.Duration
	SequentialTimeout time.Duration
	// Sequential skips batching and reads every property on its own.
	Sequential bool
}

// Stats describes how a ReadProperties call was executed.
type Stats struct {
	BatchCalls     int
	SingleCalls    int
	FinalBatchSize int
}

// Outcome is the result of one ReadProperties call. When ConnectErr is set
// every entry in Results carries that same error.
type Outcome struct {
	ConnectErr error
	Results    map[string]Result
	Stats      Stats
}

// ConnectError reports that the device could not be reached at all.
type ConnectError struct {
	Address Address
	Err     error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Address, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// ReadError reports a failure to read one property.
type ReadError struct {
	DataPoint string
	Err       error
}

func (e *ReadError) Error() string { return fmt.Sprintf("read %s: %v", e.DataPoint, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// Timeout reports whether the read failed because a deadline expired.
func (e *ReadError) Timeout() bool { return isTimeout(e.Err) }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Conn is an established session with one device.
type Conn interface {
	// ReadBatch reads all props in a single round trip. An error means the
	// whole batch failed; otherwise per-property results are returned.
	ReadBatch(ctx context.Context, props []Property, timeout time.Duration) (map[string]Result, error)
	// ReadOne reads a single property in its own round trip.
	ReadOne(ctx context.Context, prop Property, timeout time.Duration) (Value, error)
	Close() error
}

// Dialer opens sessions. Connection establishment is bounded by the dialer's
// own connect timeout.
type Dialer interface {
	Dial(ctx context.Context, addr Address) (Conn, error)
}

// Client reads named properties from devices with adaptive batching.
type Client struct {
	dialer Dialer
	logger *zap.Logger
}

// NewClient constructs a client that opens sessions through dialer.
func NewClient(dialer Dialer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{dialer: dialer, logger: logger.Named("protocol")}
}

// ReadProperties reads props from the device at addr. The returned Results
// map always holds one entry per property. The whole set is first requested
// in one batch; when a batch of more than one property fails wholesale the
// batch size is halved for the remaining properties, and at size one each
// property is read on its own with the sequential timeout.
func (c *Client) ReadProperties(ctx context.Context, addr Address, props []Property, opts ReadOptions) Outcome {
	out := Outcome{Results: make(map[string]Result, len(props))}
	if len(props) == 0 {
		return out
	}
	if opts.BatchTimeout <= 0 || opts.SequentialTimeout <= 0 {
		failAll(out.Results, props, ErrInvalidTimeout)
		return out
	}
	log := c.logger.With(zap.Stringer("address", addr))

	conn, err := c.dialer.Dial(ctx, addr)
	if err != nil {
		cerr := &ConnectError{Address: addr, Err: err}
		out.ConnectErr = cerr
		for _, p := range props {
			out.Results[p.DataPoint] = Result{Err: cerr}
		}
		log.Debug("connect failed", zap.Error(err))
		return out
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("close connection", zap.Error(err))
		}
	}()

	size := len(props)
	if opts.Sequential {
		size = 1
	}
	remaining := props
	for len(remaining) > 0 && size > 1 {
		if err := ctx.Err(); err != nil {
			failAll(out.Results, remaining, err)
			return out
		}
		n := min(size, len(remaining))
		if n == 1 {
			break
		}
		chunk := remaining[:n]
		res, err := conn.ReadBatch(ctx, chunk, opts.BatchTimeout)
		out.Stats.BatchCalls++
		if errors.Is(err, ErrConnectionLost) {
			out.Stats.FinalBatchSize = n
			failAll(out.Results, remaining, err)
			return out
		}
		if err != nil {
			size = n / 2
			log.Debug("batch read failed, shrinking batch",
				zap.Int("batch_size", n), zap.Int("next_size", size), zap.Error(err))
			continue
		}
		for _, p := range chunk {
			r, ok := res[p.DataPoint]
			if !ok || (r.Err == nil && r.Value == nil) {
				r = Result{Err: &ReadError{DataPoint: p.DataPoint, Err: ErrNoValue}}
			}
			out.Results[p.DataPoint] = r
		}
		remaining = remaining[n:]
	}
	out.Stats.FinalBatchSize = max(size, 1)

	for i, p := range remaining {
		if err := ctx.Err(); err != nil {
			out.Results[p.DataPoint] = Result{Err: &ReadError{DataPoint: p.DataPoint, Err: err}}
			continue
		}
		v, err := conn.ReadOne(ctx, p, opts.SequentialTimeout)
		out.Stats.SingleCalls++
		if errors.Is(err, ErrConnectionLost) {
			failAll(out.Results, remaining[i:], err)
			break
		}
		if err != nil {
			out.Results[p.DataPoint] = Result{Err: &ReadError{DataPoint: p.DataPoint, Err: err}}
			continue
		}
		if v.ReadAt.IsZero() {
			v.ReadAt = time.Now()
		}
		out.Results[p.DataPoint] = Result{Value: &v}
	}
	return out
}

func failAll(results map[string]Result, props []Property, err error) {
	for _, p := range props {
		results[p.DataPoint] = Result{Err: &ReadError{DataPoint: p.DataPoint, Err: err}}
	}
}
