package tag

import (
	"encoding/json"
	"fmt"
)

// Tag describes one addressable data point on a device. Tags are
// value types in the model: group accessors hand out deep copies so
// no caller holds a reference into a locked group.
type Tag struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Type        Type      `json:"type"`
	Attribute   Attribute `json:"attribute"`
	Precision   int       `json:"precision,omitempty"`
	Decimal     float64   `json:"decimal,omitempty"`
	Option      int       `json:"option,omitempty"`
	Description string    `json:"description,omitempty"`

	// Static holds the prepared value for tags carrying AttrStatic.
	Static *Value `json:"-"`
}

// Dup returns a deep copy of the tag.
func (t *Tag) Dup() *Tag {
	d := *t
	if t.Static != nil {
		sv := *t.Static
		if sv.Bytes != nil {
			sv.Bytes = append([]byte(nil), sv.Bytes...)
		}
		d.Static = &sv
	}
	return &d
}

// CopyFrom replaces the tag's contents with a deep copy of src.
func (t *Tag) CopyFrom(src *Tag) {
	*t = *src.Dup()
}

// IsStatic reports whether the tag carries a prepared value instead
// of being read from the device.
func (t *Tag) IsStatic() bool {
	return t.Attribute.Has(AttrStatic)
}

// GetStatic returns the prepared static value. Fails when the tag is
// not static or no value has been set yet.
func (t *Tag) GetStatic() (Value, error) {
	if !t.IsStatic() {
		return Value{}, fmt.Errorf("tag %s is not static", t.Name)
	}
	if t.Static == nil {
		return Value{}, fmt.Errorf("tag %s has no static value", t.Name)
	}
	return *t.Static, nil
}

// SetStatic sets the prepared value. The value's type must match the
// tag's declared type.
func (t *Tag) SetStatic(v Value) error {
	if !t.IsStatic() {
		return fmt.Errorf("tag %s is not static", t.Name)
	}
	if v.Type != t.Type {
		return fmt.Errorf("tag %s: static value type %s does not match %s",
			t.Name, v.Type, t.Type)
	}
	sv := v
	if sv.Bytes != nil {
		sv.Bytes = append([]byte(nil), sv.Bytes...)
	}
	t.Static = &sv
	return nil
}

// DumpStaticJSON renders the static value as JSON text.
func (t *Tag) DumpStaticJSON() ([]byte, error) {
	v, err := t.GetStatic()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// LoadStaticJSON parses JSON text into the static value, using the
// tag's declared type to pick the representation.
func (t *Tag) LoadStaticJSON(data []byte) error {
	v, err := UnmarshalValueJSON(t.Type, data)
	if err != nil {
		return err
	}
	return t.SetStatic(v)
}

// tagJSON is the wire/persistence form of a tag, with the static
// value flattened into a JSON field.
type tagJSON struct {
	Name        string          `json:"name"`
	Address     string          `json:"address"`
	Type        Type            `json:"type"`
	Attribute   Attribute       `json:"attribute"`
	Precision   int             `json:"precision,omitempty"`
	Decimal     float64         `json:"decimal,omitempty"`
	Option      int             `json:"option,omitempty"`
	Description string          `json:"description,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON includes the static value when present.
func (t *Tag) MarshalJSON() ([]byte, error) {
	out := tagJSON{
		Name:        t.Name,
		Address:     t.Address,
		Type:        t.Type,
		Attribute:   t.Attribute,
		Precision:   t.Precision,
		Decimal:     t.Decimal,
		Option:      t.Option,
		Description: t.Description,
	}
	if t.IsStatic() && t.Static != nil {
		raw, err := json.Marshal(*t.Static)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a tag, loading the static value if present.
func (t *Tag) UnmarshalJSON(data []byte) error {
	var in tagJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	t.Name = in.Name
	t.Address = in.Address
	t.Type = in.Type
	t.Attribute = in.Attribute
	t.Precision = in.Precision
	t.Decimal = in.Decimal
	t.Option = in.Option
	t.Description = in.Description
	t.Static = nil
	if len(in.Value) > 0 && t.IsStatic() {
		return t.LoadStaticJSON(in.Value)
	}
	return nil
}
