// Package tag implements the gateway data model: tags, typed values,
// address options and groups.
package tag

import "strings"

// Type identifies the declared data type of a tag.
type Type int

const (
	TypeBit Type = iota + 1
	TypeBool
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat
	TypeDouble
	TypeString
	TypeBytes
	TypeWord
	TypeDword
	TypeLword
)

var typeNames = map[Type]string{
	TypeBit:    "BIT",
	TypeBool:   "BOOL",
	TypeInt8:   "INT8",
	TypeUint8:  "UINT8",
	TypeInt16:  "INT16",
	TypeUint16: "UINT16",
	TypeInt32:  "INT32",
	TypeUint32: "UINT32",
	TypeInt64:  "INT64",
	TypeUint64: "UINT64",
	TypeFloat:  "FLOAT",
	TypeDouble: "DOUBLE",
	TypeString: "STRING",
	TypeBytes:  "BYTES",
	TypeWord:   "WORD",
	TypeDword:  "DWORD",
	TypeLword:  "LWORD",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseType resolves a type name as it appears in configs and API
// requests. Matching is case-insensitive.
func ParseType(s string) (Type, bool) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == u {
			return t, true
		}
	}
	return 0, false
}

// Attribute is the access attribute bit set of a tag.
type Attribute uint8

const (
	AttrRead      Attribute = 1 << 0
	AttrWrite     Attribute = 1 << 1
	AttrSubscribe Attribute = 1 << 2
	AttrStatic    Attribute = 1 << 3
)

// Has reports whether all bits of a are set.
func (attr Attribute) Has(a Attribute) bool {
	return attr&a == a
}

// Readable reports whether the tag participates in group polling.
func (attr Attribute) Readable() bool {
	return attr&(AttrRead|AttrSubscribe|AttrStatic) != 0
}

func (attr Attribute) String() string {
	var parts []string
	if attr.Has(AttrRead) {
		parts = append(parts, "READ")
	}
	if attr.Has(AttrWrite) {
		parts = append(parts, "WRITE")
	}
	if attr.Has(AttrSubscribe) {
		parts = append(parts, "SUBSCRIBE")
	}
	if attr.Has(AttrStatic) {
		parts = append(parts, "STATIC")
	}
	return strings.Join(parts, "|")
}
