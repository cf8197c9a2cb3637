// Package wire implements the SSH binary primitive encoding from
// RFC 4251 §5: byte, boolean, uint32, uint64, string, mpint and
// name-list. It has no knowledge of packets, sequence numbers or
// encryption — it only turns Go values into the wire representation
// and back.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrMalformed is returned whenever a decode under-reads its input or
// a length field is negative/overflowing relative to the remaining
// buffer.
var ErrMalformed = errors.New("wire: malformed input")

// Writer accumulates SSH primitives into a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Byte appends a single raw byte.
func (w *Writer) Byte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

// Bool appends a boolean (0x00 or 0x01).
func (w *Writer) Bool(b bool) *Writer {
	if b {
		return w.Byte(1)
	}
	return w.Byte(0)
}

// Uint32 appends a big-endian uint32.
func (w *Writer) Uint32(v uint32) *Writer {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

// Uint64 appends a big-endian uint64.
func (w *Writer) Uint64(v uint64) *Writer {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

// Raw appends bytes verbatim, with no length prefix.
func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// String appends a length-prefixed byte string.
func (w *Writer) String(s []byte) *Writer {
	w.Uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// UTF8 appends a length-prefixed ASCII/UTF-8 string.
func (w *Writer) UTF8(s string) *Writer {
	return w.String([]byte(s))
}

// NameList appends a comma-separated name-list wrapped in a string.
func (w *Writer) NameList(names []string) *Writer {
	return w.UTF8(strings.Join(names, ","))
}

// MPInt appends an SSH multiprecision integer: a length-prefixed
// two's-complement big-endian encoding, with a leading zero byte
// inserted whenever the magnitude's MSB is set (so a positive value
// is never mistaken for negative).
func (w *Writer) MPInt(x *big.Int) *Writer {
	if x == nil || x.Sign() == 0 {
		return w.Uint32(0)
	}
	b := x.Bytes()
	if x.Sign() < 0 {
		panic("wire: negative mpint not supported")
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}
	return w.String(b)
}

// Reader consumes SSH primitives from a fixed buffer, tracking a
// cursor position. All methods fail closed: a short read returns
// ErrMalformed rather than panicking.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Rest returns and consumes every remaining byte.
func (r *Reader) Rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) || r.pos+n < r.pos {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, r.Remaining())
	}
	return nil
}

// Byte reads a single raw byte.
func (r *Reader) Byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Bool reads a boolean.
func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	return b != 0, err
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Raw reads n bytes verbatim.
func (r *Reader) Raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// String reads a length-prefixed byte string.
func (r *Reader) String() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.Raw(int(n))
}

// UTF8 reads a length-prefixed string as Go string.
func (r *Reader) UTF8() (string, error) {
	b, err := r.String()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NameList reads a comma-separated name-list.
func (r *Reader) NameList() ([]string, error) {
	s, err := r.UTF8()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

// MPInt reads an SSH multiprecision integer.
func (r *Reader) MPInt() (*big.Int, error) {
	b, err := r.String()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
