package tag

import (
	"fmt"
	"strconv"
	"strings"
)

// StringMode selects the character layout of STRING tags inside
// device registers.
type StringMode int

const (
	// StringH packs two characters per register, high byte first.
	StringH StringMode = iota
	// StringL packs two characters per register, low byte first.
	StringL
	// StringD packs one character per register in the low byte. The
	// 'E' suffix (high byte) folds to D at parse time.
	StringD
)

// Endian16 is the byte order of 16-bit values.
type Endian16 int

const (
	EndianL16 Endian16 = iota // low byte first
	EndianB16                 // high byte first
)

// Endian32 is the register/byte order of 32-bit values, named by the
// two suffix letters: word order then byte order within each word.
type Endian32 int

const (
	EndianLL32 Endian32 = iota
	EndianLB32
	EndianBB32
	EndianBL32
)

// Endian64 is the byte order of 64-bit values.
type Endian64 int

const (
	EndianL64 Endian64 = iota
	EndianB64
)

// OptionKind discriminates which variant of AddressOption applies.
type OptionKind int

const (
	OptionNone OptionKind = iota
	OptionString
	OptionBytes
	OptionValue16
	OptionValue32
	OptionValue64
	OptionBit
)

// AddressOption is the parsed view of a tag address suffix. The
// variant is selected by the tag's declared type.
type AddressOption struct {
	Kind OptionKind

	Length int        // OptionString, OptionBytes
	Mode   StringMode // OptionString

	Endian16 Endian16 // OptionValue16
	Endian32 Endian32 // OptionValue32
	Endian64 Endian64 // OptionValue64

	Bit    uint8 // OptionBit
	HasBit bool
}

func lastIndexByte(s string, c byte) int {
	return strings.LastIndexByte(s, c)
}

// ParseOption parses the address option of the tag according to its
// declared type.
func (t *Tag) ParseOption() (AddressOption, error) {
	return ParseAddressOption(t.Type, t.Address)
}

// ParseAddressOption extracts the trailing address option for the
// given type from an address string.
func ParseAddressOption(typ Type, address string) (AddressOption, error) {
	var opt AddressOption

	switch typ {
	case TypeBytes:
		i := lastIndexByte(address, '.')
		if i < 0 {
			return opt, fmt.Errorf("bytes address %q: missing length", address)
		}
		n, err := strconv.Atoi(address[i+1:])
		if err != nil || n <= 0 {
			return opt, fmt.Errorf("bytes address %q: bad length", address)
		}
		opt.Kind = OptionBytes
		opt.Length = n

	case TypeString:
		i := lastIndexByte(address, '.')
		if i < 0 {
			return opt, fmt.Errorf("string address %q: missing length", address)
		}
		suffix := address[i+1:]
		j := 0
		for j < len(suffix) && suffix[j] >= '0' && suffix[j] <= '9' {
			j++
		}
		if j == 0 {
			return opt, fmt.Errorf("string address %q: bad length", address)
		}
		n, err := strconv.Atoi(suffix[:j])
		if err != nil || n <= 0 {
			return opt, fmt.Errorf("string address %q: bad length", address)
		}
		opt.Kind = OptionString
		opt.Length = n
		opt.Mode = StringH
		if j < len(suffix) {
			switch suffix[j] {
			case 'H':
				opt.Mode = StringH
			case 'L':
				opt.Mode = StringL
			case 'D', 'E':
				opt.Mode = StringD
			default:
				opt.Mode = StringH
			}
		}

	case TypeInt16, TypeUint16, TypeWord:
		opt.Kind = OptionValue16
		opt.Endian16 = EndianL16
		if i := lastIndexByte(address, '#'); i >= 0 && i+1 < len(address) {
			if address[i+1] == 'B' {
				opt.Endian16 = EndianB16
			}
		}

	case TypeInt32, TypeUint32, TypeFloat, TypeDword:
		opt.Kind = OptionValue32
		opt.Endian32 = EndianLL32
		if i := lastIndexByte(address, '#'); i >= 0 && i+2 < len(address) {
			switch address[i+1:][:2] {
			case "BB":
				opt.Endian32 = EndianBB32
			case "BL":
				opt.Endian32 = EndianBL32
			case "LL":
				opt.Endian32 = EndianLL32
			case "LB":
				opt.Endian32 = EndianLB32
			}
		}

	case TypeInt64, TypeUint64, TypeDouble, TypeLword:
		opt.Kind = OptionValue64
		opt.Endian64 = EndianL64
		if i := lastIndexByte(address, '#'); i >= 0 && i+1 < len(address) {
			if address[i+1] == 'B' {
				opt.Endian64 = EndianB64
			}
		}

	case TypeBit:
		opt.Kind = OptionBit
		if i := lastIndexByte(address, '.'); i >= 0 {
			n, err := strconv.Atoi(address[i+1:])
			if err == nil && n >= 0 && n < 256 {
				opt.Bit = uint8(n)
				opt.HasBit = true
			}
		}

	default:
		opt.Kind = OptionNone
	}

	return opt, nil
}
