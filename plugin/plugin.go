// Package plugin defines the protocol-module surface of the gateway:
// the static descriptor a module exports, the instance interfaces the
// adapter drives, and the registry enforcing singleton and kind
// constraints.
package plugin

import (
	"time"

	"gridlink/msg"
	"gridlink/reactor"
	"gridlink/tag"
)

// Kind is the node kind a plugin serves.
type Kind int

const (
	KindDriver Kind = 1
	KindApp    Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindDriver:
		return "driver"
	case KindApp:
		return "app"
	default:
		return "unknown"
	}
}

// RunningState is the adapter lifecycle state.
type RunningState int

const (
	StateInit RunningState = iota + 1
	StateReady
	StateRunning
	StateStopped
)

func (s RunningState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LinkState is the southbound/northbound connectivity state.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Descriptor is the static description a plugin module exports.
type Descriptor struct {
	Version     string
	Schema      string
	Name        string
	Description string
	Kind        Kind

	// Single marks plugins limited to one instance process-wide,
	// under the fixed node name SingleName.
	Single     bool
	SingleName string

	// TimerType selects the group poll timer behavior for drivers.
	TimerType reactor.TimerKind

	// CacheType is an opaque hint for northbound caching apps.
	CacheType string

	// Open creates a fresh, uninitialized instance.
	Open func() Instance
}

// CallbackTable is the adapter surface handed to a plugin at Init.
// It is the only way a plugin reaches its adapter: there is no back
// pointer, so an instance cannot outlive or bypass its owner.
type CallbackTable struct {
	// NodeName is the adapter's node name.
	NodeName string

	// SetLinkState reports device/broker connectivity changes.
	SetLinkState func(LinkState)

	// SendRequest routes an envelope from the plugin through the
	// adapter's mailbox onto the bus (app plugins originating
	// READ_GROUP / WRITE_TAG requests).
	SendRequest func(env *msg.Envelope) error

	// Log writes to the gateway log with the node name prefixed.
	Log func(format string, args ...interface{})
}

// Instance is a running plugin bound to one adapter.
type Instance interface {
	// Init prepares the instance. load is true when the node is being
	// restored from the persistence store at boot.
	Init(cb CallbackTable, load bool) error
	// Uninit releases everything. The adapter guarantees the reactor
	// is stopped before calling it.
	Uninit() error
	Start() error
	Stop() error
	// Setting applies the node's opaque JSON setting blob.
	Setting(setting string) error
	// Request handles an envelope the adapter does not consume
	// itself; for app plugins this includes TRANS_DATA snapshots.
	Request(env *msg.Envelope) error
}

// GroupContext is the per-group state handed to a driver plugin on
// every poll tick. The adapter rebuilds the tag partition whenever
// the group revision changes; Plan persists between ticks for the
// plugin's compiled read plan.
type GroupContext struct {
	Name       string
	Timestamp  int64
	Interval   time.Duration
	StaticTags []*tag.Tag
	Tags       []*tag.Tag

	Plan interface{}
}

// TagWriteRequest is one (tag, value) pair of a multi-tag write,
// already converted to the tag's native type.
type TagWriteRequest struct {
	Tag   *tag.Tag
	Value tag.Value
}

// DriverInstance is the extended surface of driver plugins.
type DriverInstance interface {
	Instance

	// ValidateTag checks a single tag (address grammar, type support)
	// before it is committed to a group.
	ValidateTag(t *tag.Tag) error
	// TagValidator optionally checks a whole request's tags together.
	// A nil-returning default is fine for most drivers.
	TagValidator(tags []*tag.Tag) error

	// GroupTimer performs one poll cycle and returns the sampled
	// values for the group's non-static tags.
	GroupTimer(grp *GroupContext) ([]msg.TagValue, error)
	// GroupSync rebuilds the plugin's read plan after a group
	// revision change.
	GroupSync(grp *GroupContext) error

	WriteTag(group string, t *tag.Tag, v tag.Value) error
	WriteTags(group string, reqs []TagWriteRequest) []msg.WriteError
}
