// Package binio provides bounds-checked binary encoding and decoding
// utilities for reading and writing microscopy container data.
//
// LIF and CZI containers are always little-endian; TIFF declares its byte
// order in the file header, so the Reader and Writer carry an explicit
// binary.ByteOrder instead of assuming one.
package binio

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrShortBuffer is returned when a read or write operation cannot
	// complete because there isn't enough data or space in the buffer.
	ErrShortBuffer = errors.New("binio: buffer too short")

	// ErrNegativeSize is returned when a size parameter is negative.
	ErrNegativeSize = errors.New("binio: negative size")
)

// Reader provides bounds-checked binary reading from a byte slice.
type Reader struct {
	data  []byte
	pos   int
	order binary.ByteOrder
}

// NewReader creates a little-endian Reader from a byte slice.
func NewReader(data []byte) *Reader {
	return &Reader{data: data, order: binary.LittleEndian}
}

// NewReaderOrder creates a Reader with an explicit byte order.
func NewReaderOrder(data []byte, order binary.ByteOrder) *Reader {
	return &Reader{data: data, order: order}
}

// Order returns the reader's byte order.
func (r *Reader) Order() binary.ByteOrder {
	return r.order
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	if r.pos >= len(r.data) {
		return 0
	}
	return len(r.data) - r.pos
}

// Pos returns the current read position.
func (r *Reader) Pos() int {
	return r.pos
}

// Reset resets the reader to the beginning of the data.
func (r *Reader) Reset() {
	r.pos = 0
}

// SetPos sets the read position. Returns an error if the position is out of bounds.
func (r *Reader) SetPos(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return ErrShortBuffer
	}
	r.pos = pos
	return nil
}

// Skip advances the read position by n bytes.
func (r *Reader) Skip(n int) error {
	if n < 0 {
		return ErrNegativeSize
	}
	if r.pos+n > len(r.data) {
		return ErrShortBuffer
	}
	r.pos += n
	return nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrShortBuffer
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes reads n bytes into a new slice.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeSize
	}
	if r.pos+n > len(r.data) {
		return nil, ErrShortBuffer
	}
	result := make([]byte, n)
	copy(result, r.data[r.pos:r.pos+n])
	r.pos += n
	return result, nil
}

// ReadBytesInto reads len(dst) bytes into the provided slice.
func (r *Reader) ReadBytesInto(dst []byte) error {
	n := len(dst)
	if r.pos+n > len(r.data) {
		return ErrShortBuffer
	}
	copy(dst, r.data[r.pos:r.pos+n])
	r.pos += n
	return nil
}

// ReadUint16 reads an unsigned 16-bit integer.
func (r *Reader) ReadUint16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := r.order.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadInt16 reads a signed 16-bit integer.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads an unsigned 32-bit integer.
func (r *Reader) ReadUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := r.order.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadInt32 reads a signed 32-bit integer.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads an unsigned 64-bit integer.
func (r *Reader) ReadUint64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := r.order.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadInt64 reads a signed 64-bit integer.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a 32-bit IEEE 754 floating-point number.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadFloat64 reads a 64-bit IEEE 754 floating-point number.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadStringN reads a string of exactly n bytes, stopping at the first null
// byte. All n bytes are consumed regardless of where the null falls.
func (r *Reader) ReadStringN(n int) (string, error) {
	if n < 0 {
		return "", ErrNegativeSize
	}
	if r.pos+n > len(r.data) {
		return "", ErrShortBuffer
	}
	end := r.pos + n
	for i := r.pos; i < end; i++ {
		if r.data[i] == 0 {
			s := string(r.data[r.pos:i])
			r.pos = end
			return s, nil
		}
	}
	s := string(r.data[r.pos:end])
	r.pos = end
	return s, nil
}

// Writer provides bounds-checked binary writing to a byte slice.
type Writer struct {
	data  []byte
	pos   int
	order binary.ByteOrder
}

// NewWriter creates a little-endian Writer over a byte slice.
func NewWriter(data []byte) *Writer {
	return &Writer{data: data, order: binary.LittleEndian}
}

// NewWriterOrder creates a Writer with an explicit byte order.
func NewWriterOrder(data []byte, order binary.ByteOrder) *Writer {
	return &Writer{data: data, order: order}
}

// Len returns the number of bytes that can still be written.
func (w *Writer) Len() int {
	if w.pos >= len(w.data) {
		return 0
	}
	return len(w.data) - w.pos
}

// Pos returns the current write position.
func (w *Writer) Pos() int {
	return w.pos
}

// SetPos sets the write position. Returns an error if the position is out of bounds.
func (w *Writer) SetPos(pos int) error {
	if pos < 0 || pos > len(w.data) {
		return ErrShortBuffer
	}
	w.pos = pos
	return nil
}

// Skip advances the write position by n bytes, leaving them unchanged.
func (w *Writer) Skip(n int) error {
	if n < 0 {
		return ErrNegativeSize
	}
	if w.pos+n > len(w.data) {
		return ErrShortBuffer
	}
	w.pos += n
	return nil
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	if w.pos >= len(w.data) {
		return ErrShortBuffer
	}
	w.data[w.pos] = b
	w.pos++
	return nil
}

// WriteBytes writes a byte slice.
func (w *Writer) WriteBytes(b []byte) error {
	if w.pos+len(b) > len(w.data) {
		return ErrShortBuffer
	}
	copy(w.data[w.pos:], b)
	w.pos += len(b)
	return nil
}

// WriteUint16 writes an unsigned 16-bit integer.
func (w *Writer) WriteUint16(v uint16) error {
	if w.pos+2 > len(w.data) {
		return ErrShortBuffer
	}
	w.order.PutUint16(w.data[w.pos:], v)
	w.pos += 2
	return nil
}

// WriteUint32 writes an unsigned 32-bit integer.
func (w *Writer) WriteUint32(v uint32) error {
	if w.pos+4 > len(w.data) {
		return ErrShortBuffer
	}
	w.order.PutUint32(w.data[w.pos:], v)
	w.pos += 4
	return nil
}

// WriteInt32 writes a signed 32-bit integer.
func (w *Writer) WriteInt32(v int32) error {
	return w.WriteUint32(uint32(v))
}

// WriteUint64 writes an unsigned 64-bit integer.
func (w *Writer) WriteUint64(v uint64) error {
	if w.pos+8 > len(w.data) {
		return ErrShortBuffer
	}
	w.order.PutUint64(w.data[w.pos:], v)
	w.pos += 8
	return nil
}

// WriteInt64 writes a signed 64-bit integer.
func (w *Writer) WriteInt64(v int64) error {
	return w.WriteUint64(uint64(v))
}

// WriteFloat32 writes a 32-bit IEEE 754 floating-point number.
func (w *Writer) WriteFloat32(v float32) error {
	return w.WriteUint32(math.Float32bits(v))
}

// WriteStringN writes a string padded or truncated to exactly n bytes.
// If the string is shorter than n bytes, it is null-padded.
func (w *Writer) WriteStringN(s string, n int) error {
	if n < 0 {
		return ErrNegativeSize
	}
	if w.pos+n > len(w.data) {
		return ErrShortBuffer
	}
	for i := w.pos; i < w.pos+n; i++ {
		w.data[i] = 0
	}
	if len(s) > n {
		s = s[:n]
	}
	copy(w.data[w.pos:], s)
	w.pos += n
	return nil
}
