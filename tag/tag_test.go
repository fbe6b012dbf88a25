package tag

import "testing"

func staticTag(t *testing.T, typ Type, v Value) *Tag {
	t.Helper()
	tg := &Tag{Name: "t", Address: "1!1", Type: typ, Attribute: AttrStatic}
	if err := tg.SetStatic(v); err != nil {
		t.Fatalf("set static: %v", err)
	}
	return tg
}

func TestStaticDumpLoadRoundTrip(t *testing.T) {
	cases := []struct {
		typ Type
		val Value
	}{
		{TypeBool, BoolValue(true)},
		{TypeBit, IntValue(TypeBit, 1)},
		{TypeInt8, IntValue(TypeInt8, -12)},
		{TypeUint8, UintValue(TypeUint8, 200)},
		{TypeInt16, IntValue(TypeInt16, -30000)},
		{TypeUint16, UintValue(TypeUint16, 60000)},
		{TypeInt32, IntValue(TypeInt32, -2000000000)},
		{TypeUint32, UintValue(TypeUint32, 4000000000)},
		{TypeInt64, IntValue(TypeInt64, -1234567890123)},
		{TypeUint64, UintValue(TypeUint64, 1234567890123)},
		{TypeFloat, FloatValue(TypeFloat, 3.14)},
		{TypeDouble, FloatValue(TypeDouble, 2.71828)},
		{TypeString, StringValue("hello")},
		{TypeWord, UintValue(TypeWord, 0xABCD)},
	}
	for _, c := range cases {
		src := staticTag(t, c.typ, c.val)
		data, err := src.DumpStaticJSON()
		if err != nil {
			t.Fatalf("%s: dump: %v", c.typ, err)
		}
		dst := &Tag{Name: "t", Address: "1!1", Type: c.typ, Attribute: AttrStatic}
		if err := dst.LoadStaticJSON(data); err != nil {
			t.Fatalf("%s: load: %v", c.typ, err)
		}
		got, err := dst.GetStatic()
		if err != nil {
			t.Fatalf("%s: get: %v", c.typ, err)
		}
		if !got.Equal(c.val) {
			t.Errorf("%s: round trip mismatch: %+v != %+v", c.typ, got, c.val)
		}
	}
}

func TestSetStaticTypeMismatch(t *testing.T) {
	tg := &Tag{Name: "t", Type: TypeInt16, Attribute: AttrStatic}
	if err := tg.SetStatic(FloatValue(TypeFloat, 1.0)); err == nil {
		t.Error("expected type mismatch error")
	}
}

func TestGetStaticNonStatic(t *testing.T) {
	tg := &Tag{Name: "t", Type: TypeInt16, Attribute: AttrRead}
	if _, err := tg.GetStatic(); err == nil {
		t.Error("expected error for non-static tag")
	}
}

func TestDupIsDeep(t *testing.T) {
	tg := staticTag(t, TypeBytes, BytesValue([]byte{1, 2, 3}))
	d := tg.Dup()
	d.Static.Bytes[0] = 99
	if tg.Static.Bytes[0] != 1 {
		t.Error("dup shares static bytes with original")
	}
	d.Name = "other"
	if tg.Name != "t" {
		t.Error("dup shares name")
	}
}

func TestTagJSONRoundTrip(t *testing.T) {
	src := staticTag(t, TypeFloat, FloatValue(TypeFloat, 3.14))
	src.Description = "temperature"
	data, err := src.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var dst Tag
	if err := dst.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dst.Description != "temperature" || dst.Type != TypeFloat {
		t.Errorf("fields lost: %+v", dst)
	}
	v, err := dst.GetStatic()
	if err != nil {
		t.Fatalf("get static: %v", err)
	}
	if v.F64 != 3.14 {
		t.Errorf("static value lost: %v", v.F64)
	}
}

func TestValueFromJSONRange(t *testing.T) {
	if _, err := ValueFromJSON(TypeInt8, float64(300)); err == nil {
		t.Error("expected range error for INT8=300")
	}
	if _, err := ValueFromJSON(TypeUint16, float64(-1)); err == nil {
		t.Error("expected range error for UINT16=-1")
	}
	if _, err := ValueFromJSON(TypeInt16, float64(1.5)); err == nil {
		t.Error("expected error for fractional integer")
	}
	v, err := ValueFromJSON(TypeInt16, float64(42))
	if err != nil {
		t.Fatalf("int16 42: %v", err)
	}
	if v.I64 != 42 {
		t.Errorf("expected 42, got %d", v.I64)
	}
}

func TestParseTypeNames(t *testing.T) {
	for typ, name := range typeNames {
		got, ok := ParseType(name)
		if !ok || got != typ {
			t.Errorf("%s: parse failed", name)
		}
	}
	if _, ok := ParseType("NOPE"); ok {
		t.Error("expected failure for unknown type")
	}
}
