// Package sim implements a simulator driver plugin. Tags resolve
// against an in-memory register file: written values read back, and
// unwritten numeric tags return a deterministic per-group sample
// counter. It backs the gateway's tests and demo configurations.
package sim

import (
	"strconv"
	"strings"
	"sync"

	"gridlink/errcode"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
	"gridlink/tag"
)

// Descriptor is the plugin module export.
var Descriptor = &plugin.Descriptor{
	Version:     "1.0.0",
	Schema:      "sim",
	Name:        "sim",
	Description: "simulated device driver",
	Kind:        plugin.KindDriver,
	TimerType:   reactor.Nonblock,
	Open:        func() plugin.Instance { return &Sim{} },
}

// Sim is one simulator instance.
type Sim struct {
	mu        sync.Mutex
	cb        plugin.CallbackTable
	started   bool
	registers map[string]tag.Value
	polls     map[string]int64 // per-group sample counter
}

// Init prepares the register file.
func (s *Sim) Init(cb plugin.CallbackTable, load bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
	s.registers = make(map[string]tag.Value)
	s.polls = make(map[string]int64)
	return nil
}

// Uninit drops all state.
func (s *Sim) Uninit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers = nil
	s.polls = nil
	return nil
}

// Start marks the simulated device connected.
func (s *Sim) Start() error {
	s.mu.Lock()
	s.started = true
	cb := s.cb
	s.mu.Unlock()
	if cb.SetLinkState != nil {
		cb.SetLinkState(plugin.LinkConnected)
	}
	return nil
}

// Stop marks the simulated device disconnected.
func (s *Sim) Stop() error {
	s.mu.Lock()
	s.started = false
	cb := s.cb
	s.mu.Unlock()
	if cb.SetLinkState != nil {
		cb.SetLinkState(plugin.LinkDisconnected)
	}
	return nil
}

// Setting accepts any blob; the simulator has nothing to configure.
func (s *Sim) Setting(setting string) error { return nil }

// Request ignores subscription notices.
func (s *Sim) Request(env *msg.Envelope) error { return nil }

// ValidateTag accepts addresses of the form "<n>" or "<slave>!<n>",
// with the usual trailing type options.
func (s *Sim) ValidateTag(t *tag.Tag) error {
	if _, err := tag.ParseAddressOption(t.Type, t.Address); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "%v", err)
	}
	addr := t.Address
	if i := strings.IndexByte(addr, '!'); i >= 0 {
		if _, err := strconv.Atoi(addr[:i]); err != nil {
			return errcode.Newf(errcode.GroupParameterInvalid,
				"tag %s: bad station in address %q", t.Name, t.Address)
		}
		addr = addr[i+1:]
	}
	// strip option suffixes before the numeric check
	if i := strings.IndexAny(addr, ".#"); i >= 0 {
		addr = addr[:i]
	}
	if _, err := strconv.Atoi(addr); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid,
			"tag %s: bad address %q", t.Name, t.Address)
	}
	return nil
}

// TagValidator has no whole-set constraints.
func (s *Sim) TagValidator(tags []*tag.Tag) error { return nil }

// GroupSync has no plan to compile; the adapter's partition is enough.
func (s *Sim) GroupSync(grp *plugin.GroupContext) error { return nil }

// GroupTimer samples every non-static tag. Written registers read
// back their value; untouched tags return the group's sample counter
// in their declared type.
func (s *Sim) GroupTimer(grp *plugin.GroupContext) ([]msg.TagValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, errcode.Newf(errcode.EInternal, "simulator not started")
	}

	s.polls[grp.Name]++
	n := s.polls[grp.Name]

	values := make([]msg.TagValue, 0, len(grp.Tags))
	for _, t := range grp.Tags {
		if v, ok := s.registers[t.Address]; ok {
			values = append(values, msg.TagValue{Name: t.Name, Value: v.Interface()})
			continue
		}
		values = append(values, msg.TagValue{Name: t.Name, Value: s.generate(t, n)})
	}
	return values, nil
}

func (s *Sim) generate(t *tag.Tag, n int64) interface{} {
	switch t.Type {
	case tag.TypeBool:
		return n%2 == 1
	case tag.TypeBit:
		return n % 2
	case tag.TypeFloat, tag.TypeDouble:
		return float64(n)
	case tag.TypeString:
		return "sample-" + strconv.FormatInt(n, 10)
	case tag.TypeBytes:
		return []byte{byte(n)}
	case tag.TypeUint8, tag.TypeUint16, tag.TypeUint32, tag.TypeUint64,
		tag.TypeWord, tag.TypeDword, tag.TypeLword:
		return uint64(n)
	default:
		return n
	}
}

// WriteTag stores the value in the register file.
func (s *Sim) WriteTag(group string, t *tag.Tag, v tag.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errcode.Newf(errcode.EInternal, "simulator not started")
	}
	s.registers[t.Address] = v
	return nil
}

// WriteTags stores several values, reporting per-tag results.
func (s *Sim) WriteTags(group string, reqs []plugin.TagWriteRequest) []msg.WriteError {
	out := make([]msg.WriteError, 0, len(reqs))
	for _, r := range reqs {
		err := s.WriteTag(group, r.Tag, r.Value)
		out = append(out, msg.WriteError{Tag: r.Tag.Name, Error: errcode.CodeOf(err)})
	}
	return out
}

// Register peeks a register value, for tests.
func (s *Sim) Register(address string) (tag.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.registers[address]
	return v, ok
}
