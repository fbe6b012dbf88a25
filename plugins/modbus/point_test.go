package modbus

import (
	"testing"

	"gridlink/tag"
)

func TestParseHoldingRegister(t *testing.T) {
	p, err := parseAddress(&tag.Tag{Name: "t1", Address: "1!400001", Type: tag.TypeInt16})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Station != 1 || p.Area != AreaHoldRegister || p.Offset != 0 || p.Quantity != 1 {
		t.Errorf("unexpected point: %+v", p)
	}
}

func TestParseAreas(t *testing.T) {
	cases := []struct {
		address string
		typ     tag.Type
		area    Area
		offset  uint16
	}{
		{"1!000101", tag.TypeBit, AreaCoil, 100},
		{"1!100005", tag.TypeBool, AreaInput, 4},
		{"2!300010", tag.TypeUint16, AreaInputRegister, 9},
		{"3!400123", tag.TypeFloat, AreaHoldRegister, 122},
	}
	for _, c := range cases {
		p, err := parseAddress(&tag.Tag{Name: "t", Address: c.address, Type: c.typ})
		if err != nil {
			t.Fatalf("%s: parse: %v", c.address, err)
		}
		if p.Area != c.area || p.Offset != c.offset {
			t.Errorf("%s: got area=%d offset=%d", c.address, p.Area, p.Offset)
		}
	}
}

func TestParseRejectsRegisterTypeInBitArea(t *testing.T) {
	if _, err := parseAddress(&tag.Tag{Name: "t", Address: "1!000101", Type: tag.TypeInt16}); err == nil {
		t.Error("expected error for INT16 in coil area")
	}
}

func TestParseRejectsBadAddresses(t *testing.T) {
	bad := []string{"400001", "1!900001", "x!400001", "1!4"}
	for _, addr := range bad {
		if _, err := parseAddress(&tag.Tag{Name: "t", Address: addr, Type: tag.TypeInt16}); err == nil {
			t.Errorf("%s: expected parse error", addr)
		}
	}
}

func TestQuantityByType(t *testing.T) {
	cases := []struct {
		address string
		typ     tag.Type
		qty     uint16
	}{
		{"1!400001", tag.TypeInt16, 1},
		{"1!400001#BB", tag.TypeInt32, 2},
		{"1!400001", tag.TypeDouble, 4},
		{"1!400001.20H", tag.TypeString, 10},
		{"1!400001.7", tag.TypeBytes, 4},
	}
	for _, c := range cases {
		p, err := parseAddress(&tag.Tag{Name: "t", Address: c.address, Type: c.typ})
		if err != nil {
			t.Fatalf("%s: parse: %v", c.address, err)
		}
		if p.Quantity != c.qty {
			t.Errorf("%s (%s): quantity %d, want %d", c.address, c.typ, p.Quantity, c.qty)
		}
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	p, err := parseAddress(&tag.Tag{Name: "t", Address: "1!400001#BB", Type: tag.TypeInt32})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := p.encode(tag.IntValue(tag.TypeInt32, -123456))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v, err := p.decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.(int64) != -123456 {
		t.Errorf("round trip mismatch: %v", v)
	}
}

func TestDecodeFloatEndianOptions(t *testing.T) {
	for _, suffix := range []string{"#BB", "#BL", "#LL", "#LB"} {
		p, err := parseAddress(&tag.Tag{Name: "t", Address: "1!400001" + suffix, Type: tag.TypeFloat})
		if err != nil {
			t.Fatalf("%s: parse: %v", suffix, err)
		}
		data, err := p.encode(tag.FloatValue(tag.TypeFloat, 3.14))
		if err != nil {
			t.Fatalf("%s: encode: %v", suffix, err)
		}
		v, err := p.decode(data)
		if err != nil {
			t.Fatalf("%s: decode: %v", suffix, err)
		}
		if f := v.(float64); f < 3.139 || f > 3.141 {
			t.Errorf("%s: round trip value %v", suffix, f)
		}
	}
}

func TestDecodeString(t *testing.T) {
	p, err := parseAddress(&tag.Tag{Name: "t", Address: "4!400010.20H", Type: tag.TypeString})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Option.Length != 20 || p.Option.Mode != tag.StringH {
		t.Fatalf("option wrong: %+v", p.Option)
	}
	data, _ := p.encode(tag.StringValue("boiler-7"))
	v, err := p.decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.(string) != "boiler-7" {
		t.Errorf("string round trip: %q", v)
	}
}
