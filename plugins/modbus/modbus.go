// Package modbus implements a Modbus-TCP driver plugin. Addresses
// follow the "station!areaaddr" grammar with the model's trailing
// type options; each group compiles its tags into points once per
// revision and reads them on the poll timer.
package modbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gridlink/errcode"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
	"gridlink/tag"
)

// Descriptor is the plugin module export. Device I/O blocks, so the
// poll timer is a Block timer: a slow cycle defers the next tick
// instead of piling up.
var Descriptor = &plugin.Descriptor{
	Version:     "1.0.0",
	Schema:      "modbus-tcp",
	Name:        "modbus",
	Description: "modbus tcp driver",
	Kind:        plugin.KindDriver,
	TimerType:   reactor.Block,
	Open:        func() plugin.Instance { return &Modbus{} },
}

type setting struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	TimeoutMS int    `json:"timeout,omitempty"`
}

// Modbus is one driver instance: a single TCP connection shared by
// all groups of the node.
type Modbus struct {
	mu      sync.Mutex
	cb      plugin.CallbackTable
	cli     *client
	conf    setting
	started bool
}

// plan is the compiled read plan cached on the group context.
type plan struct {
	points []*Point
}

// Init waits for the setting blob before it can dial.
func (m *Modbus) Init(cb plugin.CallbackTable, load bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
	return nil
}

// Uninit drops the connection.
func (m *Modbus) Uninit() error {
	m.mu.Lock()
	cli := m.cli
	m.cli = nil
	m.mu.Unlock()
	if cli != nil {
		cli.close()
	}
	return nil
}

// Setting applies {"host","port","timeout"}. A live connection is
// dropped so the next poll dials the new endpoint.
func (m *Modbus) Setting(blob string) error {
	var s setting
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "modbus setting: %v", err)
	}
	if s.Host == "" {
		return errcode.Newf(errcode.GroupParameterInvalid, "modbus setting: host required")
	}
	if s.Port == 0 {
		s.Port = 502
	}

	m.mu.Lock()
	old := m.cli
	m.conf = s
	m.cli = newClient(fmt.Sprintf("%s:%d", s.Host, s.Port),
		time.Duration(s.TimeoutMS)*time.Millisecond)
	m.mu.Unlock()
	if old != nil {
		old.close()
	}
	return nil
}

// Start begins dialing on demand.
func (m *Modbus) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cli == nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "modbus: no setting applied")
	}
	m.started = true
	return nil
}

// Stop closes the connection; the configuration survives.
func (m *Modbus) Stop() error {
	m.mu.Lock()
	cli := m.cli
	m.started = false
	m.mu.Unlock()
	if cli != nil {
		cli.close()
	}
	if m.cb.SetLinkState != nil {
		m.cb.SetLinkState(plugin.LinkDisconnected)
	}
	return nil
}

// Request ignores subscription notices.
func (m *Modbus) Request(env *msg.Envelope) error { return nil }

// ValidateTag compiles the address once to prove it parses.
func (m *Modbus) ValidateTag(t *tag.Tag) error {
	if _, err := parseAddress(t); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "%v", err)
	}
	return nil
}

// TagValidator has no whole-set constraints.
func (m *Modbus) TagValidator(tags []*tag.Tag) error { return nil }

// GroupSync recompiles the group's points after a revision change.
func (m *Modbus) GroupSync(grp *plugin.GroupContext) error {
	p := &plan{points: make([]*Point, 0, len(grp.Tags))}
	for _, t := range grp.Tags {
		pt, err := parseAddress(t)
		if err != nil {
			return err
		}
		p.points = append(p.points, pt)
	}
	grp.Plan = p
	return nil
}

func (m *Modbus) ensureConnected() (*client, error) {
	m.mu.Lock()
	cli := m.cli
	started := m.started
	m.mu.Unlock()
	if cli == nil || !started {
		return nil, errcode.Newf(errcode.EInternal, "modbus: not started")
	}
	if cli.connected() {
		return cli, nil
	}
	if m.cb.SetLinkState != nil {
		m.cb.SetLinkState(plugin.LinkConnecting)
	}
	if err := cli.connect(); err != nil {
		if m.cb.SetLinkState != nil {
			m.cb.SetLinkState(plugin.LinkDisconnected)
		}
		return nil, err
	}
	if m.cb.SetLinkState != nil {
		m.cb.SetLinkState(plugin.LinkConnected)
	}
	return cli, nil
}

// GroupTimer reads every compiled point. Per-point failures go into
// the snapshot as per-tag errors; a transport failure aborts the
// cycle and drops the link.
func (m *Modbus) GroupTimer(grp *plugin.GroupContext) ([]msg.TagValue, error) {
	p, ok := grp.Plan.(*plan)
	if !ok {
		if err := m.GroupSync(grp); err != nil {
			return nil, err
		}
		p = grp.Plan.(*plan)
	}
	cli, err := m.ensureConnected()
	if err != nil {
		return nil, err
	}

	values := make([]msg.TagValue, 0, len(p.points))
	for _, pt := range p.points {
		data, err := m.readPoint(cli, pt)
		if err != nil {
			if !cli.connected() {
				if m.cb.SetLinkState != nil {
					m.cb.SetLinkState(plugin.LinkDisconnected)
				}
				return nil, err
			}
			values = append(values, msg.TagValue{Name: pt.Name, Error: errcode.EInternal})
			continue
		}
		v, err := pt.decode(data)
		if err != nil {
			values = append(values, msg.TagValue{Name: pt.Name, Error: errcode.EInternal})
			continue
		}
		values = append(values, msg.TagValue{Name: pt.Name, Value: v})
	}
	return values, nil
}

func (m *Modbus) readPoint(cli *client, pt *Point) ([]byte, error) {
	switch pt.Area {
	case AreaCoil:
		return cli.readBits(pt.Station, fnReadCoils, pt.Offset, 1)
	case AreaInput:
		return cli.readBits(pt.Station, fnReadDiscrete, pt.Offset, 1)
	case AreaInputRegister:
		return cli.readRegisters(pt.Station, fnReadInput, pt.Offset, pt.Quantity)
	default:
		return cli.readRegisters(pt.Station, fnReadHolding, pt.Offset, pt.Quantity)
	}
}

// WriteTag writes one point.
func (m *Modbus) WriteTag(group string, t *tag.Tag, v tag.Value) error {
	pt, err := parseAddress(t)
	if err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "%v", err)
	}
	cli, err := m.ensureConnected()
	if err != nil {
		return err
	}
	data, err := pt.encode(v)
	if err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "%v", err)
	}

	switch pt.Area {
	case AreaCoil:
		return cli.writeCoil(pt.Station, pt.Offset, data)
	case AreaHoldRegister:
		return cli.writeRegisters(pt.Station, pt.Offset, data)
	default:
		return errcode.Newf(errcode.GroupParameterInvalid,
			"point %s: area %d is read-only", pt.Name, pt.Area)
	}
}

// WriteTags writes several points, reporting per-tag results.
func (m *Modbus) WriteTags(group string, reqs []plugin.TagWriteRequest) []msg.WriteError {
	out := make([]msg.WriteError, 0, len(reqs))
	for _, r := range reqs {
		err := m.WriteTag(group, r.Tag, r.Value)
		out = append(out, msg.WriteError{Tag: r.Tag.Name, Error: errcode.CodeOf(err)})
	}
	return out
}
