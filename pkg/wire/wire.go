// Package wire implements the codec primitives shared by every key-exchange
// message: 4-byte big-endian unsigned integers, length-prefixed strings, and
// length-prefixed sign-disambiguated big integers (mpint).
package wire

import (
	"encoding/binary"
	"errors"
	"math/big"
)

var (
	// ErrShortBuffer is returned when a field's declared length runs past
	// the end of the input.
	ErrShortBuffer = errors.New("wire: short buffer")

	// ErrNonMinimal is returned when an mpint carries a superfluous leading
	// zero byte.
	ErrNonMinimal = errors.New("wire: non-minimal mpint encoding")

	// ErrNegative is returned when an mpint encodes a negative value; the
	// protocol only carries non-negative integers.
	ErrNegative = errors.New("wire: negative mpint")
)

// AppendUint32 appends v in big-endian byte order.
func AppendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

// ParseUint32 consumes a 4-byte big-endian unsigned integer and returns the
// remainder of the input.
func ParseUint32(in []byte) (v uint32, rest []byte, err error) {
	if len(in) < 4 {
		return 0, nil, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(in), in[4:], nil
}

// AppendString appends s as a uint32 length followed by the raw bytes.
func AppendString(buf, s []byte) []byte {
	buf = AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// ParseString consumes a length-prefixed string and returns a copy of its
// contents plus the remainder of the input.
func ParseString(in []byte) (s, rest []byte, err error) {
	n, rest, err := ParseUint32(in)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, ErrShortBuffer
	}
	s = append([]byte(nil), rest[:n]...)
	return s, rest[n:], nil
}

// AppendInt appends v as an mpint: uint32 length, then the big-endian
// magnitude with a zero byte prepended whenever the top bit of the first
// magnitude byte would otherwise be set. Zero encodes as length 0. v must be
// non-negative.
func AppendInt(buf []byte, v *big.Int) []byte {
	b := v.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		buf = AppendUint32(buf, uint32(len(b)+1))
		buf = append(buf, 0)
		return append(buf, b...)
	}
	buf = AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// ParseInt consumes an mpint and returns the decoded integer plus the
// remainder of the input. Encodings with a superfluous leading zero byte and
// encodings of negative values are rejected.
func ParseInt(in []byte) (v *big.Int, rest []byte, err error) {
	b, rest, err := ParseString(in)
	if err != nil {
		return nil, nil, err
	}
	if len(b) == 0 {
		return new(big.Int), rest, nil
	}
	if b[0]&0x80 != 0 {
		return nil, nil, ErrNegative
	}
	if b[0] == 0 && (len(b) == 1 || b[1]&0x80 == 0) {
		return nil, nil, ErrNonMinimal
	}
	return new(big.Int).SetBytes(b), rest, nil
}
