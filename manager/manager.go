// Package manager is the gateway control plane: it owns the plugin
// registry, the node registry and the subscription table, serializes
// every mutation under one lock, and dispatches control requests to
// adapters over the bus.
package manager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gridlink/adapter"
	"gridlink/bus"
	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/metrics"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
	"gridlink/store"
	"gridlink/subs"
)

// GroupMaxPerNode bounds the groups a single driver may carry.
const GroupMaxPerNode = 512

// MailboxName is the manager's own bus address.
const MailboxName = "manager"

// tickInterval drives the global timestamp.
const tickInterval = 100 * time.Millisecond

// callTimeout bounds synchronous request/response exchanges over the
// bus.
const callTimeout = 5 * time.Second

type nodeEntry struct {
	adapter *adapter.Adapter
	driver  *adapter.Driver // nil for apps
	app     *adapter.App    // nil for drivers
}

func (n *nodeEntry) kind() plugin.Kind {
	if n.driver != nil {
		return plugin.KindDriver
	}
	return plugin.KindApp
}

// Manager is the single logical controller of the gateway.
type Manager struct {
	fab     *bus.Bus
	st      *store.Store
	plugins *plugin.Registry
	table   *subs.Table

	mu    sync.Mutex
	nodes map[string]*nodeEntry

	box *bus.Mailbox
	rt  *reactor.Reactor

	pmu     sync.Mutex
	pending map[string]chan *msg.Envelope

	logFn func(format string, args ...interface{})
}

// Config holds the collaborators a manager is built from. Store may
// be nil (tests run without persistence).
type Config struct {
	Bus     *bus.Bus
	Store   *store.Store
	Plugins *plugin.Registry
}

// New creates a manager, binds its mailbox and starts the global
// tick. Failure to bind the control mailbox is fatal at boot; the
// caller exits.
func New(c Config) (*Manager, error) {
	m := &Manager{
		fab:     c.Bus,
		st:      c.Store,
		plugins: c.Plugins,
		nodes:   make(map[string]*nodeEntry),
		pending: make(map[string]chan *msg.Envelope),
		rt:      reactor.New(MailboxName),
		logFn:   func(string, ...interface{}) {},
	}
	if m.plugins == nil {
		m.plugins = plugin.NewRegistry()
	}
	m.table = subs.NewTable(m.groupExists)

	box, err := c.Bus.Open(MailboxName, 512)
	if err != nil {
		return nil, fmt.Errorf("bind control mailbox: %w", err)
	}
	m.box = box

	m.rt.AddSource(box.Chan(), func(v interface{}, ok bool) {
		if !ok {
			return
		}
		m.route(v.(*msg.Envelope))
	})
	m.rt.AddTimer(tickInterval, reactor.Nonblock, metrics.Tick)
	m.rt.Start()

	metrics.Get().SetStateProvider(m.nodeStates)
	return m, nil
}

// SetOnLog installs the gateway log callback.
func (m *Manager) SetOnLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.logFn = fn
	}
}

// Plugins returns the plugin registry.
func (m *Manager) Plugins() *plugin.Registry { return m.plugins }

// Subscriptions returns the subscription table.
func (m *Manager) Subscriptions() *subs.Table { return m.table }

// Close tears down every node and the manager's own loop.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*nodeEntry, 0, len(m.nodes))
	for _, n := range m.nodes {
		entries = append(entries, n)
	}
	m.nodes = make(map[string]*nodeEntry)
	m.mu.Unlock()

	for _, n := range entries {
		if err := n.adapter.Uninit(); err != nil {
			logging.DebugLog("manager", "uninit %s: %v", n.adapter.Name(), err)
		}
		m.plugins.Release(n.adapter.PluginName(), n.adapter.Name())
	}
	m.box.Close()
	m.rt.Close()
}

// groupExists is the subscription table's existence check.
func (m *Manager) groupExists(driver, group string) bool {
	m.mu.Lock()
	n, ok := m.nodes[driver]
	m.mu.Unlock()
	if !ok || n.driver == nil {
		return false
	}
	return n.driver.GroupExists(group)
}

// services builds the adapter-facing callback surface.
func (m *Manager) services() adapter.Services {
	return adapter.Services{
		Subscribers: m.table.Subscribers,
		OnLinkChange: func(node string, state plugin.LinkState) {
			m.logFn("node %s link %s", node, state)
		},
	}
}

// route runs on the manager reactor for every envelope addressed to
// the control mailbox. Correlated responses wake their waiter;
// everything else is logged and dropped.
func (m *Manager) route(env *msg.Envelope) {
	if env.Context != "" {
		m.pmu.Lock()
		ch, ok := m.pending[env.Context]
		if ok {
			delete(m.pending, env.Context)
		}
		m.pmu.Unlock()
		if ok {
			ch <- env
			return
		}
	}
	logging.DebugLog("manager", "dropping uncorrelated %s from %s", env.Type, env.Sender)
}

// Call sends a request envelope to a node's mailbox and waits for the
// correlated response.
func (m *Manager) Call(to string, env *msg.Envelope) (*msg.Envelope, error) {
	if env.Context == "" {
		return nil, errcode.Newf(errcode.EInternal, "call without context")
	}
	ch := make(chan *msg.Envelope, 1)
	m.pmu.Lock()
	m.pending[env.Context] = ch
	m.pmu.Unlock()

	env.Sender = MailboxName
	if err := m.fab.Send(to, env); err != nil {
		m.pmu.Lock()
		delete(m.pending, env.Context)
		m.pmu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(callTimeout):
		m.pmu.Lock()
		delete(m.pending, env.Context)
		m.pmu.Unlock()
		return nil, errcode.Newf(errcode.EInternal, "call to %s timed out", to)
	}
}

// NodeInfo is the control-plane view of one node.
type NodeInfo struct {
	Name    string
	Kind    plugin.Kind
	Plugin  string
	State   plugin.RunningState
	Link    plugin.LinkState
	Setting string
}

// nodeStates feeds the metrics visitor.
func (m *Manager) nodeStates() []metrics.NodeStateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]metrics.NodeStateInfo, 0, len(m.nodes))
	for name, n := range m.nodes {
		kind := "driver"
		if n.kind() == plugin.KindApp {
			kind = "app"
		}
		out = append(out, metrics.NodeStateInfo{
			Node:    name,
			Kind:    kind,
			Running: int(n.adapter.State()),
			Link:    int(n.adapter.Link()),
		})
	}
	return out
}

// GetNodes lists nodes, optionally filtered by kind (0 = all).
func (m *Manager) GetNodes(kind plugin.Kind) []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeInfo, 0, len(m.nodes))
	for name, n := range m.nodes {
		if kind != 0 && n.kind() != kind {
			continue
		}
		out = append(out, NodeInfo{
			Name:    name,
			Kind:    n.kind(),
			Plugin:  n.adapter.PluginName(),
			State:   n.adapter.State(),
			Link:    n.adapter.Link(),
			Setting: n.adapter.Setting(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetNode returns one node's info.
func (m *Manager) GetNode(name string) (NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return NodeInfo{}, errcode.Newf(errcode.NodeNotExist, "node %s", name)
	}
	return NodeInfo{
		Name:    name,
		Kind:    n.kind(),
		Plugin:  n.adapter.PluginName(),
		State:   n.adapter.State(),
		Link:    n.adapter.Link(),
		Setting: n.adapter.Setting(),
	}, nil
}

func (m *Manager) findDriver(name string) (*adapter.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return nil, errcode.Newf(errcode.NodeNotExist, "node %s", name)
	}
	if n.driver == nil {
		return nil, errcode.Newf(errcode.PluginTypeNotSupport, "node %s is not a driver", name)
	}
	return n.driver, nil
}

func (m *Manager) findApp(name string) (*adapter.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return nil, errcode.Newf(errcode.NodeNotExist, "node %s", name)
	}
	if n.app == nil {
		return nil, errcode.Newf(errcode.NodeNotAllowSubscribe, "node %s is not an app", name)
	}
	return n.app, nil
}
