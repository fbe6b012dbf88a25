package tag

import (
	"encoding/binary"
	"math"
)

// Typed byte-order conversions keyed on the parsed address option.
// Register payloads arrive as raw bytes from the device; these
// helpers turn them into native values and back.

// DecodeUint16 reads a 16-bit value from b in the given byte order.
func DecodeUint16(b []byte, e Endian16) uint16 {
	if e == EndianB16 {
		return binary.BigEndian.Uint16(b)
	}
	return binary.LittleEndian.Uint16(b)
}

// EncodeUint16 writes v into b in the given byte order.
func EncodeUint16(b []byte, v uint16, e Endian16) {
	if e == EndianB16 {
		binary.BigEndian.PutUint16(b, v)
		return
	}
	binary.LittleEndian.PutUint16(b, v)
}

// DecodeUint32 reads a 32-bit value spread over two 16-bit registers.
// The first suffix letter gives the word order (B: high word first),
// the second the byte order within each word.
func DecodeUint32(b []byte, e Endian32) uint32 {
	var hi, lo uint16
	switch e {
	case EndianBB32:
		hi = binary.BigEndian.Uint16(b[0:2])
		lo = binary.BigEndian.Uint16(b[2:4])
	case EndianBL32:
		hi = binary.LittleEndian.Uint16(b[0:2])
		lo = binary.LittleEndian.Uint16(b[2:4])
	case EndianLB32:
		lo = binary.BigEndian.Uint16(b[0:2])
		hi = binary.BigEndian.Uint16(b[2:4])
	default: // EndianLL32
		lo = binary.LittleEndian.Uint16(b[0:2])
		hi = binary.LittleEndian.Uint16(b[2:4])
	}
	return uint32(hi)<<16 | uint32(lo)
}

// EncodeUint32 writes v into b as two 16-bit registers.
func EncodeUint32(b []byte, v uint32, e Endian32) {
	hi := uint16(v >> 16)
	lo := uint16(v)
	switch e {
	case EndianBB32:
		binary.BigEndian.PutUint16(b[0:2], hi)
		binary.BigEndian.PutUint16(b[2:4], lo)
	case EndianBL32:
		binary.LittleEndian.PutUint16(b[0:2], hi)
		binary.LittleEndian.PutUint16(b[2:4], lo)
	case EndianLB32:
		binary.BigEndian.PutUint16(b[0:2], lo)
		binary.BigEndian.PutUint16(b[2:4], hi)
	default: // EndianLL32
		binary.LittleEndian.PutUint16(b[0:2], lo)
		binary.LittleEndian.PutUint16(b[2:4], hi)
	}
}

// DecodeUint64 reads a 64-bit value in the given byte order.
func DecodeUint64(b []byte, e Endian64) uint64 {
	if e == EndianB64 {
		return binary.BigEndian.Uint64(b)
	}
	return binary.LittleEndian.Uint64(b)
}

// EncodeUint64 writes v into b in the given byte order.
func EncodeUint64(b []byte, v uint64, e Endian64) {
	if e == EndianB64 {
		binary.BigEndian.PutUint64(b, v)
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}

// DecodeFloat reads an IEEE-754 single spread over two registers.
func DecodeFloat(b []byte, e Endian32) float32 {
	return math.Float32frombits(DecodeUint32(b, e))
}

// EncodeFloat writes an IEEE-754 single as two registers.
func EncodeFloat(b []byte, v float32, e Endian32) {
	EncodeUint32(b, math.Float32bits(v), e)
}

// DecodeDouble reads an IEEE-754 double in the given byte order.
func DecodeDouble(b []byte, e Endian64) float64 {
	return math.Float64frombits(DecodeUint64(b, e))
}

// EncodeDouble writes an IEEE-754 double in the given byte order.
func EncodeDouble(b []byte, v float64, e Endian64) {
	EncodeUint64(b, math.Float64bits(v), e)
}

// StringFromRegisters extracts a string of up to length characters
// from register bytes laid out in the given mode. Trailing NULs are
// trimmed.
func StringFromRegisters(b []byte, length int, mode StringMode) string {
	var out []byte
	switch mode {
	case StringL:
		for i := 0; i+1 < len(b) && len(out) < length; i += 2 {
			out = append(out, b[i+1], b[i])
		}
	case StringD:
		for i := 0; i+1 < len(b) && len(out) < length; i += 2 {
			out = append(out, b[i+1])
		}
	default: // StringH
		for i := 0; i < len(b) && i < length; i++ {
			out = append(out, b[i])
		}
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	return string(out)
}

// StringToRegisters lays s out as register bytes in the given mode,
// padded with NULs to length characters.
func StringToRegisters(s string, length int, mode StringMode) []byte {
	src := make([]byte, length)
	copy(src, s)
	switch mode {
	case StringL:
		out := make([]byte, 0, length+1)
		for i := 0; i < length; i += 2 {
			hi := src[i]
			var lo byte
			if i+1 < length {
				lo = src[i+1]
			}
			out = append(out, lo, hi)
		}
		return out
	case StringD:
		out := make([]byte, length*2)
		for i := 0; i < length; i++ {
			out[i*2+1] = src[i]
		}
		return out
	default: // StringH
		return src
	}
}
