package plugin

import (
	"errors"
	"testing"

	"gridlink/errcode"
	"gridlink/msg"
)

type fakeInstance struct{}

func (f *fakeInstance) Init(CallbackTable, bool) error { return nil }
func (f *fakeInstance) Uninit() error                  { return nil }
func (f *fakeInstance) Start() error                   { return nil }
func (f *fakeInstance) Stop() error                    { return nil }
func (f *fakeInstance) Setting(string) error           { return nil }
func (f *fakeInstance) Request(*msg.Envelope) error    { return nil }

func testDescriptor(name string, kind Kind) *Descriptor {
	return &Descriptor{
		Version: "1.0.0",
		Name:    name,
		Kind:    kind,
		Open:    func() Instance { return &fakeInstance{} },
	}
}

func TestFindUnknownPlugin(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Find("nope"); !errors.Is(err, errcode.ErrLibraryNotFound) {
		t.Errorf("expected LibraryNotFound, got %v", err)
	}
}

func TestAcquireKindMismatch(t *testing.T) {
	r := NewRegistry()
	r.Register(testDescriptor("modbus", KindDriver))

	_, _, err := r.Acquire("modbus", "n1", KindApp)
	if !errors.Is(err, errcode.ErrPluginTypeNotSupport) {
		t.Errorf("expected PluginTypeNotSupport, got %v", err)
	}
}

func TestSingletonConstraint(t *testing.T) {
	r := NewRegistry()
	d := testDescriptor("monitor", KindApp)
	d.Single = true
	d.SingleName = "monitor"
	r.Register(d)

	// wrong name refused
	if _, _, err := r.Acquire("monitor", "other", KindApp); !errors.Is(err, errcode.ErrLibraryNoInstance) {
		t.Fatalf("expected LibraryNotAllowCreateInstance for wrong name, got %v", err)
	}

	// fixed name accepted once
	if _, _, err := r.Acquire("monitor", "monitor", KindApp); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, _, err := r.Acquire("monitor", "monitor", KindApp); !errors.Is(err, errcode.ErrLibraryNoInstance) {
		t.Fatalf("expected second acquire refused, got %v", err)
	}

	// release frees the slot
	r.Release("monitor", "monitor")
	if _, _, err := r.Acquire("monitor", "monitor", KindApp); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestUnregisterLiveSingleton(t *testing.T) {
	r := NewRegistry()
	d := testDescriptor("monitor", KindApp)
	d.Single = true
	d.SingleName = "monitor"
	r.Register(d)
	r.Acquire("monitor", "monitor", KindApp)

	if err := r.Unregister("monitor"); err == nil {
		t.Error("expected unregister of live singleton to fail")
	}
}

func TestList(t *testing.T) {
	r := NewRegistry()
	r.Register(testDescriptor("zeta", KindDriver))
	r.Register(testDescriptor("alpha", KindApp))

	l := r.List()
	if len(l) != 2 || l[0].Name != "alpha" || l[1].Name != "zeta" {
		t.Errorf("unexpected list order: %v", l)
	}
}
