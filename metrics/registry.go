package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"gridlink/logging"
)

// NodeStateInfo is the per-node state snapshot a visitor receives,
// provided out of band by the manager.
type NodeStateInfo struct {
	Node    string
	Kind    string // "driver" or "app"
	Running int
	Link    int
}

// StateProvider supplies node states for the visitor's node counts.
type StateProvider func() []NodeStateInfo

// Snapshot is the visitor's view of all metrics.
type Snapshot struct {
	Global []EntryValue
	Nodes  map[string]*NodeSnapshot
}

// NodeSnapshot is one node's metrics plus its descriptor labels.
type NodeSnapshot struct {
	Node    string
	Kind    string
	Plugin  string
	Entries []EntryValue
}

// Registry owns the global metrics block and the per-node map, and
// refcounts metric definitions so unregistering a name is safe while
// nodes still hold the entry.
type Registry struct {
	mu     sync.RWMutex
	global map[string]*Entry
	nodes  map[string]*NodeMetrics
	refs   map[string]int

	states  StateProvider
	started time.Time
	proc    *process.Process
}

var (
	registryOnce sync.Once
	registry     *Registry
)

// Init creates the process-wide registry. Called once at boot.
func Init() *Registry {
	registryOnce.Do(func() {
		registry = &Registry{
			global:  make(map[string]*Entry),
			nodes:   make(map[string]*NodeMetrics),
			refs:    make(map[string]int),
			started: time.Now(),
		}
		if p, err := process.NewProcess(int32(processPID())); err == nil {
			registry.proc = p
		}
	})
	return registry
}

// Teardown drops the registry. Only tests and shutdown paths use it.
func Teardown() {
	registryOnce = sync.Once{}
	registry = nil
}

// Get returns the process registry, initializing it if needed.
func Get() *Registry {
	return Init()
}

// SetStateProvider installs the manager's node-state callback.
func (r *Registry) SetStateProvider(p StateProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = p
}

// RegisterName refcounts a metric definition.
func (r *Registry) RegisterName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[name]++
}

// UnregisterName decrements a definition's refcount. Entries held by
// live nodes stay valid regardless; the refcount only governs when
// the definition may be reused with a different type.
func (r *Registry) UnregisterName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[name] > 0 {
		r.refs[name]--
	}
	if r.refs[name] == 0 {
		delete(r.refs, name)
	}
}

// Refs reports the refcount of a metric name.
func (r *Registry) Refs(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[name]
}

// Global returns a global entry, creating it on first use.
func (r *Registry) Global(name, help string, typ Type) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.global[name]; ok {
		return e
	}
	e := newEntry(name, help, typ)
	r.global[name] = e
	return e
}

// AddNode creates (or returns) a node's metrics block.
func (r *Registry) AddNode(node, kind, pluginName string) *NodeMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[node]; ok {
		return n
	}
	n := newNodeMetrics(node, kind, pluginName)
	r.nodes[node] = n
	return n
}

// RemoveNode drops a node's metrics block.
func (r *Registry) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, node)
}

// RenameNode moves a metrics block under a new node name.
func (r *Registry) RenameNode(node, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[node]; ok {
		delete(r.nodes, node)
		n.Node = newName
		r.nodes[newName] = n
	}
}

// Node returns a node's metrics block.
func (r *Registry) Node(node string) (*NodeMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[node]
	return n, ok
}

// Visit computes the mutable global gauges out of band (CPU and
// memory sampling may block), then locks shared state, snapshots
// everything including node counts by kind and state, and calls cb
// exactly once.
func (r *Registry) Visit(cb func(*Snapshot)) {
	// out-of-band: may block on procfs
	cpuPct := r.sampleCPU()
	memUsed := r.sampleMem()

	var states []NodeStateInfo
	r.mu.RLock()
	provider := r.states
	r.mu.RUnlock()
	if provider != nil {
		states = provider()
	}

	r.Global(MetricCPUPercent, "Gateway process CPU usage percent", Gauge).Set(cpuPct)
	r.Global(MetricMemUsedBytes, "Gateway process resident memory bytes", Gauge).Set(memUsed)
	r.Global(MetricUptimeSeconds, "Gateway uptime in seconds", Gauge).
		Set(int64(time.Since(r.started).Seconds()))
	r.setNodeCounts(states)

	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{Nodes: make(map[string]*NodeSnapshot, len(r.nodes))}
	for _, e := range r.global {
		snap.Global = append(snap.Global,
			EntryValue{Name: e.Name, Help: e.Help, Type: e.Type, Value: e.Value()})
	}
	sort.Slice(snap.Global, func(i, j int) bool { return snap.Global[i].Name < snap.Global[j].Name })
	for name, n := range r.nodes {
		entries := n.snapshot()
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		snap.Nodes[name] = &NodeSnapshot{
			Node: n.Node, Kind: n.Kind, Plugin: n.Plugin, Entries: entries,
		}
	}
	cb(snap)
}

func (r *Registry) setNodeCounts(states []NodeStateInfo) {
	var north, northRun, northDis, south, southRun, southDis int64
	for _, s := range states {
		if s.Kind == "app" {
			north++
			if s.Running == int(stateRunning) {
				northRun++
			}
			if s.Link == int(linkDisconnected) {
				northDis++
			}
		} else {
			south++
			if s.Running == int(stateRunning) {
				southRun++
			}
			if s.Link == int(linkDisconnected) {
				southDis++
			}
		}
	}
	r.Global(MetricNorthNodes, "Number of northbound nodes", Gauge).Set(north)
	r.Global(MetricNorthRunning, "Number of running northbound nodes", Gauge).Set(northRun)
	r.Global(MetricNorthDisconn, "Number of disconnected northbound nodes", Gauge).Set(northDis)
	r.Global(MetricSouthNodes, "Number of southbound nodes", Gauge).Set(south)
	r.Global(MetricSouthRunning, "Number of running southbound nodes", Gauge).Set(southRun)
	r.Global(MetricSouthDisconn, "Number of disconnected southbound nodes", Gauge).Set(southDis)
}

// Mirror of the adapter state values; kept as plain ints so metrics
// does not import the plugin package.
const (
	stateRunning     = 3
	linkDisconnected = 0
)

func (r *Registry) sampleCPU() int64 {
	if r.proc != nil {
		if pct, err := r.proc.CPUPercent(); err == nil {
			return int64(pct)
		}
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		return int64(pcts[0])
	}
	logging.DebugLog("metrics", "cpu sample unavailable")
	return 0
}

func (r *Registry) sampleMem() int64 {
	if r.proc != nil {
		if mi, err := r.proc.MemoryInfo(); err == nil && mi != nil {
			return int64(mi.RSS)
		}
	}
	return 0
}

// Render writes the snapshot in the line-based exposition grammar
// used by common scraping tools.
func Render(w io.Writer, snap *Snapshot) {
	typeName := func(t Type) string {
		if t == Gauge {
			return "gauge"
		}
		return "counter"
	}
	for _, e := range snap.Global {
		fmt.Fprintf(w, "# HELP %s %s\n", e.Name, e.Help)
		fmt.Fprintf(w, "# TYPE %s %s\n", e.Name, typeName(e.Type))
		fmt.Fprintf(w, "%s %d\n", e.Name, e.Value)
	}

	nodeNames := make([]string, 0, len(snap.Nodes))
	for name := range snap.Nodes {
		nodeNames = append(nodeNames, name)
	}
	sort.Strings(nodeNames)

	seen := make(map[string]bool)
	for _, name := range nodeNames {
		ns := snap.Nodes[name]
		for _, e := range ns.Entries {
			if !seen[e.Name] {
				fmt.Fprintf(w, "# HELP %s %s\n", e.Name, e.Help)
				fmt.Fprintf(w, "# TYPE %s %s\n", e.Name, typeName(e.Type))
				seen[e.Name] = true
			}
			fmt.Fprintf(w, "%s{node=%q,kind=%q,plugin=%q} %d\n",
				e.Name, ns.Node, ns.Kind, ns.Plugin, e.Value)
		}
	}
}
