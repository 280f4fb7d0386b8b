package bioimg

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType identifies the numeric element type of a Volume.
type DType uint8

const (
	Uint8 DType = iota
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
}

// ParseDType parses a dtype name such as "uint16" or "float32".
func ParseDType(s string) (DType, error) {
	for dt, name := range dtypeNames {
		if name == s {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("bioimg: unknown dtype %q", s)
}

// String returns the dtype name.
func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DType(%d)", uint8(d))
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// IsFloat reports whether the dtype is a floating-point type.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// IsSigned reports whether the dtype is a signed integer type.
func (d DType) IsSigned() bool {
	return d == Int8 || d == Int16 || d == Int32
}

// getFloat reads the element at byte offset off as a float64.
// Volume data is packed little-endian.
func (d DType) getFloat(b []byte, off int) float64 {
	switch d {
	case Uint8:
		return float64(b[off])
	case Int8:
		return float64(int8(b[off]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b[off:]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b[off:])))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b[off:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b[off:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
	}
	return 0
}

// putFloat stores v at byte offset off. Integer targets truncate toward
// zero and wrap on overflow, matching Go's numeric conversions.
func (d DType) putFloat(b []byte, off int, v float64) {
	switch d {
	case Uint8:
		b[off] = uint8(int64(v))
	case Int8:
		b[off] = byte(int8(int64(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(b[off:], uint16(int64(v)))
	case Int16:
		binary.LittleEndian.PutUint16(b[off:], uint16(int16(int64(v))))
	case Uint32:
		binary.LittleEndian.PutUint32(b[off:], uint32(int64(v)))
	case Int32:
		binary.LittleEndian.PutUint32(b[off:], uint32(int32(int64(v))))
	case Float32:
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b[off:], math.Float64bits(v))
	}
}
