package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Register tables (objectType).
const (
	ObjectHolding  = "holding"
	ObjectInput    = "input"
	ObjectCoil     = "coil"
	ObjectDiscrete = "discrete"
)

// Value encodings (propertyId).
const (
	TypeUint16  = "uint16"
	TypeInt16   = "int16"
	TypeUint32  = "uint32"
	TypeInt32   = "int32"
	TypeFloat32 = "float32"
	TypeBool    = "bool"
)

var errShortData = errors.New("insufficient data")

// CheckEncoding reports whether a property with the given table, encoding and
// byte order can be read and decoded.
func CheckEncoding(objectType, propertyID, byteOrder string) error {
	ot := normalize(objectType)
	dt := normalize(propertyID)
	switch ot {
	case ObjectHolding, ObjectInput:
		switch dt {
		case TypeUint16, TypeInt16, TypeUint32, TypeInt32, TypeFloat32:
		default:
			return fmt.Errorf("unsupported data type %q for %s register", propertyID, ot)
		}
	case ObjectCoil, ObjectDiscrete:
		if dt != "" && dt != TypeBool {
			return fmt.Errorf("unsupported data type %q for %s register", propertyID, ot)
		}
	default:
		return fmt.Errorf("unsupported object type %q", objectType)
	}
	switch strings.ToUpper(strings.TrimSpace(byteOrder)) {
	case "", "ABCD", "DCBA", "BADC", "CDAB":
		return nil
	default:
		return fmt.Errorf("unsupported byte order %q", byteOrder)
	}
}

// registerCount returns how many 16-bit registers (or bits) a property spans.
func registerCount(p Property) uint16 {
	switch normalize(p.PropertyID) {
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2
	default:
		return 1
	}
}

func isBitTable(objectType string) bool {
	ot := normalize(objectType)
	return ot == ObjectCoil || ot == ObjectDiscrete
}

// decodeRegisters turns raw register bytes into the scaled engineering value.
func decodeRegisters(data []byte, p Property) (float64, error) {
	dt := normalize(p.PropertyID)
	var raw float64
	switch dt {
	case TypeUint16:
		if len(data) < 2 {
			return 0, fmt.Errorf("%s: %w", dt, errShortData)
		}
		raw = float64(binary.BigEndian.Uint16(data[:2]))
	case TypeInt16:
		if len(data) < 2 {
			return 0, fmt.Errorf("%s: %w", dt, errShortData)
		}
		raw = float64(int16(binary.BigEndian.Uint16(data[:2])))
	case TypeFloat32, TypeUint32, TypeInt32:
		if len(data) < 4 {
			return 0, fmt.Errorf("%s: %w", dt, errShortData)
		}
		u := binary.BigEndian.Uint32(reorder32(data[:4], p.ByteOrder))
		switch dt {
		case TypeFloat32:
			f := math.Float32frombits(u)
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				return 0, fmt.Errorf("float32 value is not finite")
			}
			raw = float64(f)
		case TypeUint32:
			raw = float64(u)
		default:
			raw = float64(int32(u))
		}
	default:
		return 0, fmt.Errorf("unsupported data type: %s", p.PropertyID)
	}
	return applyScale(raw, p), nil
}

// decodeBit extracts bit i of a packed coil/discrete response.
func decodeBit(data []byte, i int) (float64, error) {
	if i < 0 || i/8 >= len(data) {
		return 0, fmt.Errorf("bit %d: %w", i, errShortData)
	}
	return boolToFloat(data[i/8]&(1<<(uint(i)%8)) != 0), nil
}

func applyScale(v float64, p Property) float64 {
	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	return v*scale + p.Offset
}

// EncodeRegisters is the inverse of decoding for register tables: it turns an
// engineering value into the raw register words a device would serve.
func EncodeRegisters(p Property, value float64) ([]uint16, error) {
	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	raw := (value - p.Offset) / scale
	buf := make([]byte, 4)
	switch normalize(p.PropertyID) {
	case TypeUint16:
		return []uint16{uint16(math.Round(raw))}, nil
	case TypeInt16:
		return []uint16{uint16(int16(math.Round(raw)))}, nil
	case TypeUint32:
		binary.BigEndian.PutUint32(buf, uint32(math.Round(raw)))
	case TypeInt32:
		binary.BigEndian.PutUint32(buf, uint32(int32(math.Round(raw))))
	case TypeFloat32:
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(raw)))
	default:
		return nil, fmt.Errorf("unsupported data type: %s", p.PropertyID)
	}
	// every supported order is its own inverse
	b := reorder32(buf, p.ByteOrder)
	return []uint16{binary.BigEndian.Uint16(b[:2]), binary.BigEndian.Uint16(b[2:4])}, nil
}

// reorder32 returns a 4-byte slice reordered per byte-order string.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within words), "CDAB" (word swap).
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
