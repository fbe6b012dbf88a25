package modbus

import (
	"fmt"
	"strconv"
	"strings"

	"gridlink/tag"
)

// Area is the Modbus data area a point lives in.
type Area int

const (
	AreaCoil          Area = 0 // 0x: coils
	AreaInput         Area = 1 // 1x: discrete inputs
	AreaInputRegister Area = 3 // 3x: input registers
	AreaHoldRegister  Area = 4 // 4x: holding registers
)

// Point is a compiled tag address: station, area and zero-based
// register/bit offset, plus the decode option.
type Point struct {
	Station byte
	Area    Area
	Offset  uint16
	Option  tag.AddressOption
	Type    tag.Type
	Name    string

	// registers needed on the wire
	Quantity uint16
}

// parseAddress compiles "station!areaaddr" with the usual trailing
// option suffixes, e.g. "1!400001", "2!300010#BB", "1!000101.3".
// The area digit leads a five-digit one-based address.
func parseAddress(t *tag.Tag) (*Point, error) {
	opt, err := tag.ParseAddressOption(t.Type, t.Address)
	if err != nil {
		return nil, err
	}

	addr := t.Address
	if i := strings.IndexAny(addr, ".#"); i >= 0 {
		// option suffixes parsed above; STRING/BYTES lengths share
		// the '.' with the BIT index, both stripped here
		addr = addr[:i]
	}

	bang := strings.IndexByte(addr, '!')
	if bang < 0 {
		return nil, fmt.Errorf("address %q: missing station separator", t.Address)
	}
	station, err := strconv.Atoi(addr[:bang])
	if err != nil || station < 0 || station > 255 {
		return nil, fmt.Errorf("address %q: bad station", t.Address)
	}

	num := addr[bang+1:]
	if len(num) < 2 {
		return nil, fmt.Errorf("address %q: bad register", t.Address)
	}
	area := Area(num[0] - '0')
	switch area {
	case AreaCoil, AreaInput, AreaInputRegister, AreaHoldRegister:
	default:
		return nil, fmt.Errorf("address %q: unknown area %c", t.Address, num[0])
	}
	reg, err := strconv.Atoi(num[1:])
	if err != nil || reg < 1 || reg > 65536 {
		return nil, fmt.Errorf("address %q: bad register", t.Address)
	}

	p := &Point{
		Station: byte(station),
		Area:    area,
		Offset:  uint16(reg - 1),
		Option:  opt,
		Type:    t.Type,
		Name:    t.Name,
	}
	p.Quantity = quantity(t.Type, opt)
	if p.Quantity == 0 {
		return nil, fmt.Errorf("address %q: type %s unsupported", t.Address, t.Type)
	}

	bitArea := area == AreaCoil || area == AreaInput
	regType := t.Type != tag.TypeBit && t.Type != tag.TypeBool
	if bitArea && regType {
		return nil, fmt.Errorf("address %q: %s requires a register area", t.Address, t.Type)
	}
	return p, nil
}

// quantity returns the number of registers (or bits) a type occupies.
func quantity(t tag.Type, opt tag.AddressOption) uint16 {
	switch t {
	case tag.TypeBit, tag.TypeBool:
		return 1
	case tag.TypeInt16, tag.TypeUint16, tag.TypeWord:
		return 1
	case tag.TypeInt32, tag.TypeUint32, tag.TypeFloat, tag.TypeDword:
		return 2
	case tag.TypeInt64, tag.TypeUint64, tag.TypeDouble, tag.TypeLword:
		return 4
	case tag.TypeString:
		return uint16((opt.Length + 1) / 2)
	case tag.TypeBytes:
		return uint16((opt.Length + 1) / 2)
	default:
		return 0
	}
}

// decode turns raw register bytes into the tag's natural value.
func (p *Point) decode(data []byte) (interface{}, error) {
	need := int(p.Quantity) * 2
	if p.Area == AreaCoil || p.Area == AreaInput {
		need = 1
	}
	if len(data) < need {
		return nil, fmt.Errorf("point %s: short read (%d bytes)", p.Name, len(data))
	}

	switch p.Type {
	case tag.TypeBit:
		return int64(data[0] & 1), nil
	case tag.TypeBool:
		if p.Area == AreaCoil || p.Area == AreaInput {
			return data[0]&1 == 1, nil
		}
		return tag.DecodeUint16(data, p.Option.Endian16) != 0, nil
	case tag.TypeInt16:
		return int64(int16(tag.DecodeUint16(data, p.Option.Endian16))), nil
	case tag.TypeUint16, tag.TypeWord:
		return uint64(tag.DecodeUint16(data, p.Option.Endian16)), nil
	case tag.TypeInt32:
		return int64(int32(tag.DecodeUint32(data, p.Option.Endian32))), nil
	case tag.TypeUint32, tag.TypeDword:
		return uint64(tag.DecodeUint32(data, p.Option.Endian32)), nil
	case tag.TypeFloat:
		return float64(tag.DecodeFloat(data, p.Option.Endian32)), nil
	case tag.TypeInt64:
		return int64(tag.DecodeUint64(data, p.Option.Endian64)), nil
	case tag.TypeUint64, tag.TypeLword:
		return tag.DecodeUint64(data, p.Option.Endian64), nil
	case tag.TypeDouble:
		return tag.DecodeDouble(data, p.Option.Endian64), nil
	case tag.TypeString:
		return tag.StringFromRegisters(data, p.Option.Length, p.Option.Mode), nil
	case tag.TypeBytes:
		out := make([]byte, p.Option.Length)
		copy(out, data)
		return out, nil
	default:
		return nil, fmt.Errorf("point %s: type %s unsupported", p.Name, p.Type)
	}
}

// encode turns a typed value into register bytes for a write.
func (p *Point) encode(v tag.Value) ([]byte, error) {
	switch p.Type {
	case tag.TypeInt16:
		b := make([]byte, 2)
		tag.EncodeUint16(b, uint16(v.I64), p.Option.Endian16)
		return b, nil
	case tag.TypeUint16, tag.TypeWord:
		b := make([]byte, 2)
		tag.EncodeUint16(b, uint16(v.U64), p.Option.Endian16)
		return b, nil
	case tag.TypeInt32:
		b := make([]byte, 4)
		tag.EncodeUint32(b, uint32(v.I64), p.Option.Endian32)
		return b, nil
	case tag.TypeUint32, tag.TypeDword:
		b := make([]byte, 4)
		tag.EncodeUint32(b, uint32(v.U64), p.Option.Endian32)
		return b, nil
	case tag.TypeFloat:
		b := make([]byte, 4)
		tag.EncodeFloat(b, float32(v.F64), p.Option.Endian32)
		return b, nil
	case tag.TypeInt64:
		b := make([]byte, 8)
		tag.EncodeUint64(b, uint64(v.I64), p.Option.Endian64)
		return b, nil
	case tag.TypeUint64, tag.TypeLword:
		b := make([]byte, 8)
		tag.EncodeUint64(b, v.U64, p.Option.Endian64)
		return b, nil
	case tag.TypeDouble:
		b := make([]byte, 8)
		tag.EncodeDouble(b, v.F64, p.Option.Endian64)
		return b, nil
	case tag.TypeString:
		return tag.StringToRegisters(v.Str, p.Option.Length, p.Option.Mode), nil
	case tag.TypeBool, tag.TypeBit:
		if v.Bol || v.I64 != 0 {
			return []byte{0xFF, 0x00}, nil
		}
		return []byte{0x00, 0x00}, nil
	default:
		return nil, fmt.Errorf("point %s: type %s not writable", p.Name, p.Type)
	}
}
