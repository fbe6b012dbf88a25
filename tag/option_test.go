package tag

import "testing"

func TestParseStringOption(t *testing.T) {
	opt, err := ParseAddressOption(TypeString, "4!400010.20H")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opt.Kind != OptionString {
		t.Fatalf("expected string option, got %d", opt.Kind)
	}
	if opt.Length != 20 {
		t.Errorf("expected length 20, got %d", opt.Length)
	}
	if opt.Mode != StringH {
		t.Errorf("expected mode H, got %d", opt.Mode)
	}
}

func TestParseStringOptionModes(t *testing.T) {
	cases := []struct {
		address string
		mode    StringMode
	}{
		{"4!400010.20H", StringH},
		{"4!400010.20L", StringL},
		{"4!400010.20D", StringD},
		{"4!400010.20E", StringD}, // E folds to D
		{"4!400010.20", StringH},  // default
		{"4!400010.20X", StringH}, // unknown falls back to H
	}
	for _, c := range cases {
		opt, err := ParseAddressOption(TypeString, c.address)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", c.address, err)
		}
		if opt.Mode != c.mode {
			t.Errorf("%s: expected mode %d, got %d", c.address, c.mode, opt.Mode)
		}
	}
}

func TestParseStringOptionMissingLength(t *testing.T) {
	if _, err := ParseAddressOption(TypeString, "4!400010"); err == nil {
		t.Error("expected error for missing length")
	}
	if _, err := ParseAddressOption(TypeString, "4!400010.H"); err == nil {
		t.Error("expected error for missing numeric length")
	}
}

func TestParseBytesOption(t *testing.T) {
	opt, err := ParseAddressOption(TypeBytes, "1!400001.8")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opt.Kind != OptionBytes || opt.Length != 8 {
		t.Errorf("expected bytes length 8, got kind=%d len=%d", opt.Kind, opt.Length)
	}
	if _, err := ParseAddressOption(TypeBytes, "1!400001"); err == nil {
		t.Error("expected error for missing length")
	}
}

func TestParse16BitOption(t *testing.T) {
	cases := []struct {
		address string
		endian  Endian16
	}{
		{"1!400001", EndianL16},
		{"1!400001#L", EndianL16},
		{"1!400001#B", EndianB16},
		{"1!400001#X", EndianL16},
	}
	for _, c := range cases {
		opt, err := ParseAddressOption(TypeInt16, c.address)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", c.address, err)
		}
		if opt.Kind != OptionValue16 || opt.Endian16 != c.endian {
			t.Errorf("%s: expected endian %d, got %d", c.address, c.endian, opt.Endian16)
		}
	}
}

func TestParse32BitOption(t *testing.T) {
	cases := []struct {
		address string
		endian  Endian32
	}{
		{"1!400001", EndianLL32},
		{"1!400001#LL", EndianLL32},
		{"1!400001#BB", EndianBB32},
		{"1!400001#BL", EndianBL32},
		{"1!400001#LB", EndianLB32},
		{"1!400001#XY", EndianLL32},
	}
	for _, c := range cases {
		for _, typ := range []Type{TypeInt32, TypeUint32, TypeFloat} {
			opt, err := ParseAddressOption(typ, c.address)
			if err != nil {
				t.Fatalf("%s: parse failed: %v", c.address, err)
			}
			if opt.Kind != OptionValue32 || opt.Endian32 != c.endian {
				t.Errorf("%s (%s): expected endian %d, got %d",
					c.address, typ, c.endian, opt.Endian32)
			}
		}
	}
}

func TestParse64BitOption(t *testing.T) {
	opt, err := ParseAddressOption(TypeDouble, "1!400001#B")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opt.Kind != OptionValue64 || opt.Endian64 != EndianB64 {
		t.Errorf("expected B64, got %d", opt.Endian64)
	}
	opt, _ = ParseAddressOption(TypeInt64, "1!400001")
	if opt.Endian64 != EndianL64 {
		t.Errorf("expected default L64, got %d", opt.Endian64)
	}
}

func TestParseBitOption(t *testing.T) {
	opt, err := ParseAddressOption(TypeBit, "1!000101.3")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opt.Kind != OptionBit || !opt.HasBit || opt.Bit != 3 {
		t.Errorf("expected bit 3, got %+v", opt)
	}
	opt, _ = ParseAddressOption(TypeBit, "1!000101")
	if opt.HasBit {
		t.Error("expected no bit option")
	}
}
