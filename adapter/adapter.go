// Package adapter implements the runtime container for one node: a
// plugin instance paired with a reactor, a mailbox and a state
// machine. Driver and App specialize the base for the two node kinds.
package adapter

import (
	"fmt"
	"sync"

	"gridlink/bus"
	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/metrics"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
	"gridlink/subs"
)

// Services is the manager surface an adapter depends on. Adapters
// never reach back into the manager struct directly.
type Services struct {
	// Subscribers resolves the routing table for snapshot fan-out.
	Subscribers func(driver, group string) []subs.Entry
	// OnLinkChange lets the manager persist or publish link state
	// transitions; may be nil.
	OnLinkChange func(node string, state plugin.LinkState)
}

// envelopeHandler is implemented by the driver and app
// specializations; the base pump calls it for every kind they own.
type envelopeHandler interface {
	handleEnvelope(env *msg.Envelope)
}

// Adapter is the shared core of a running node.
type Adapter struct {
	name       string
	kind       plugin.Kind
	pluginName string
	setting    string

	inst plugin.Instance
	desc *plugin.Descriptor
	rt   *reactor.Reactor
	box  *bus.Mailbox
	fab  *bus.Bus
	met  *metrics.NodeMetrics
	svc  Services

	handler envelopeHandler
	// onStart installs timers/sinks after the plugin starts; onStop
	// removes them before the plugin stops. Set by specializations.
	onStart func() error
	onStop  func()

	mu    sync.Mutex
	state plugin.RunningState
	link  plugin.LinkState

	logFn func(format string, args ...interface{})
}

// newAdapter binds the mailbox and builds the shared core. The
// specialization starts the reactor once its handler is wired, so
// control envelopes reach the node even before Init.
func newAdapter(name string, kind plugin.Kind, pluginName string,
	inst plugin.Instance, desc *plugin.Descriptor, fab *bus.Bus, svc Services) (*Adapter, error) {

	box, err := fab.Open(name, 256)
	if err != nil {
		return nil, err
	}

	kindLabel := "driver"
	if kind == plugin.KindApp {
		kindLabel = "app"
	}

	a := &Adapter{
		name:       name,
		kind:       kind,
		pluginName: pluginName,
		inst:       inst,
		desc:       desc,
		rt:         reactor.New(name),
		box:        box,
		fab:        fab,
		met:        metrics.Get().AddNode(name, kindLabel, pluginName),
		svc:        svc,
		state:      plugin.StateInit,
		link:       plugin.LinkDisconnected,
		logFn:      func(string, ...interface{}) {},
	}

	box.SetOnDrop(func() {
		a.met.Entry(metrics.MetricTransDataDrops,
			"Envelopes dropped on mailbox overflow", metrics.Counter).Add(1)
	})

	a.rt.AddSource(box.Chan(), func(v interface{}, ok bool) {
		if !ok {
			return
		}
		env := v.(*msg.Envelope)
		a.dispatch(env)
	})
	// the specialization wires its handler, then starts the reactor
	return a, nil
}

// SetOnLog installs the gateway log callback.
func (a *Adapter) SetOnLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		a.logFn = fn
	}
}

// Name returns the node name.
func (a *Adapter) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// Kind returns the node kind.
func (a *Adapter) Kind() plugin.Kind { return a.kind }

// PluginName returns the plugin backing the node.
func (a *Adapter) PluginName() string { return a.pluginName }

// State returns the running state.
func (a *Adapter) State() plugin.RunningState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Link returns the link state.
func (a *Adapter) Link() plugin.LinkState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link
}

// Setting returns the node's opaque setting blob.
func (a *Adapter) Setting() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setting
}

func (a *Adapter) setState(s plugin.RunningState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Adapter) setLink(s plugin.LinkState) {
	a.mu.Lock()
	changed := a.link != s
	a.link = s
	name := a.name
	a.mu.Unlock()
	if changed {
		logging.DebugLog("adapter", "%s: link %s", name, s)
		if a.svc.OnLinkChange != nil {
			a.svc.OnLinkChange(name, s)
		}
	}
}

// callbacks builds the table handed to the plugin at Init. The plugin
// reaches the adapter only through it.
func (a *Adapter) callbacks() plugin.CallbackTable {
	return plugin.CallbackTable{
		NodeName:     a.Name(),
		SetLinkState: a.setLink,
		SendRequest: func(env *msg.Envelope) error {
			env.Sender = a.Name()
			return a.fab.Send(env.Receiver, env)
		},
		Log: func(format string, args ...interface{}) {
			a.logFn("["+a.Name()+"] "+format, args...)
		},
	}
}

// Init drives INIT -> READY.
func (a *Adapter) Init(load bool) error {
	if st := a.State(); st != plugin.StateInit {
		return errcode.Newf(errcode.EInternal, "node %s: init from %s", a.Name(), st)
	}
	if err := a.inst.Init(a.callbacks(), load); err != nil {
		return fmt.Errorf("node %s: plugin init: %w", a.Name(), err)
	}
	a.setState(plugin.StateReady)
	return nil
}

// ApplySetting forwards the opaque setting blob to the plugin and
// records it on success.
func (a *Adapter) ApplySetting(setting string) error {
	if err := a.inst.Setting(setting); err != nil {
		return err
	}
	a.mu.Lock()
	a.setting = setting
	a.mu.Unlock()
	return nil
}

// Start drives READY -> RUNNING. The transition itself runs here;
// specializations install their timers from onStart on the caller's
// goroutine before data can flow.
func (a *Adapter) Start() error {
	if st := a.State(); st != plugin.StateReady {
		return errcode.Newf(errcode.EInternal, "node %s: start from %s", a.Name(), st)
	}
	if err := a.inst.Start(); err != nil {
		return fmt.Errorf("node %s: plugin start: %w", a.Name(), err)
	}
	if a.onStart != nil {
		if err := a.onStart(); err != nil {
			a.inst.Stop()
			return err
		}
	}
	a.setState(plugin.StateRunning)
	return nil
}

// Stop drives RUNNING -> READY.
func (a *Adapter) Stop() error {
	if st := a.State(); st != plugin.StateRunning {
		return errcode.Newf(errcode.EInternal, "node %s: stop from %s", a.Name(), st)
	}
	if a.onStop != nil {
		// timers are detached first; DelTimer waits out any in-flight
		// poll callback, so the plugin never sees a tick after Stop.
		a.onStop()
	}
	if err := a.inst.Stop(); err != nil {
		return fmt.Errorf("node %s: plugin stop: %w", a.Name(), err)
	}
	a.setState(plugin.StateReady)
	return nil
}

// Uninit tears the adapter down from any state: the reactor is closed
// and joined before the plugin instance is released, so no callback
// can observe a dead instance.
func (a *Adapter) Uninit() error {
	a.setState(plugin.StateStopped)
	a.box.Close()
	a.rt.Close()
	err := a.inst.Uninit()
	metrics.Get().RemoveNode(a.Name())
	if err != nil {
		return fmt.Errorf("node %s: plugin uninit: %w", a.Name(), err)
	}
	return nil
}

// Rename rebinds the mailbox and metrics under the new node name.
func (a *Adapter) Rename(newName string) error {
	if err := a.box.Rename(newName); err != nil {
		return err
	}
	metrics.Get().RenameNode(a.Name(), newName)
	a.mu.Lock()
	a.name = newName
	a.mu.Unlock()
	return nil
}

// Send routes an envelope from this node onto the bus.
func (a *Adapter) Send(to string, env *msg.Envelope) error {
	env.Sender = a.Name()
	return a.fab.Send(to, env)
}

// dispatch runs on the reactor goroutine for every envelope.
func (a *Adapter) dispatch(env *msg.Envelope) {
	switch env.Type {
	case msg.NodeSetting:
		body := env.Body.(*msg.NodeSettingBody)
		err := a.ApplySetting(body.Setting)
		a.replyError(env, err)

	case msg.GetNodeSetting:
		a.Send(env.Sender, env.Reply(msg.GetNodeSettingResp, a.Name(),
			&msg.GetNodeSettingRespBody{Node: a.Name(), Setting: a.Setting()}))

	case msg.NodeCtl:
		body := env.Body.(*msg.NodeCtlBody)
		var err error
		if body.Cmd == msg.CtlStart {
			err = a.Start()
		} else {
			err = a.Stop()
		}
		a.replyError(env, err)

	default:
		if a.handler != nil {
			a.handler.handleEnvelope(env)
			return
		}
		logging.DebugLog("adapter", "%s: dropping unhandled %s from %s",
			a.Name(), env.Type, env.Sender)
	}
}

func (a *Adapter) replyError(env *msg.Envelope, err error) {
	if env.Sender == "" {
		return
	}
	if sendErr := a.Send(env.Sender, env.ReplyError(a.Name(), err)); sendErr != nil {
		logging.DebugLog("adapter", "%s: reply to %s failed: %v", a.Name(), env.Sender, sendErr)
	}
}
