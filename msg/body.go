package msg

import (
	"encoding/json"
	"time"

	"gridlink/errcode"
	"gridlink/tag"
)

// NodeKind distinguishes driver and app nodes on the wire.
type NodeKind int

const (
	NodeKindDriver NodeKind = 1
	NodeKindApp    NodeKind = 2
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindDriver:
		return "driver"
	case NodeKindApp:
		return "app"
	default:
		return "unknown"
	}
}

// AddNodeBody creates a node.
type AddNodeBody struct {
	Name    string   `json:"name"`
	Kind    NodeKind `json:"kind"`
	Plugin  string   `json:"plugin"`
	Setting string   `json:"setting,omitempty"`
}

// DelNodeBody deletes a node.
type DelNodeBody struct {
	Name string `json:"name"`
}

// NodeRenameBody renames a node.
type NodeRenameBody struct {
	Name    string `json:"name"`
	NewName string `json:"new_name"`
}

// NodeSettingBody replaces a node's opaque setting blob.
type NodeSettingBody struct {
	Node    string `json:"node"`
	Setting string `json:"setting"`
}

// GetNodeSettingBody requests a node's setting.
type GetNodeSettingBody struct {
	Node string `json:"node"`
}

// GetNodeSettingRespBody returns a node's setting.
type GetNodeSettingRespBody struct {
	Node    string `json:"node"`
	Setting string `json:"setting"`
}

// CtlCmd is the node control command.
type CtlCmd int

const (
	CtlStart CtlCmd = 0
	CtlStop  CtlCmd = 1
)

// NodeCtlBody starts or stops a node.
type NodeCtlBody struct {
	Node string `json:"node"`
	Cmd  CtlCmd `json:"cmd"`
}

// NodeStateBody reports one node's running and link state.
type NodeStateBody struct {
	Node    string `json:"node"`
	Running int    `json:"running"`
	Link    int    `json:"link"`
	RTTMS   int64  `json:"rtt_ms,omitempty"`
}

// NodesStateBody reports every node's state.
type NodesStateBody struct {
	States []NodeStateBody `json:"states"`
}

// NodeUninitBody tells an adapter to tear itself down; also the
// in-place reply kind of ADD_NODE.
type NodeUninitBody struct {
	Node string `json:"node"`
}

// NodeDeletedBody notifies a subscriber that a driver it subscribed
// to is gone.
type NodeDeletedBody struct {
	Node string `json:"node"`
}

// AddGroupBody creates a group under a driver.
type AddGroupBody struct {
	Driver   string        `json:"driver"`
	Group    string        `json:"group"`
	Interval time.Duration `json:"interval"`
}

// DelGroupBody deletes a group.
type DelGroupBody struct {
	Driver string `json:"driver"`
	Group  string `json:"group"`
}

// UpdateGroupBody renames a group and/or changes its interval.
type UpdateGroupBody struct {
	Driver   string        `json:"driver"`
	Group    string        `json:"group"`
	NewName  string        `json:"new_name,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// UpdateDriverGroupRespBody is the in-place reply of UPDATE_GROUP.
type UpdateDriverGroupRespBody struct {
	Driver string       `json:"driver"`
	Group  string       `json:"group"`
	Error  errcode.Code `json:"error"`
}

// GetGroupBody lists a driver's groups.
type GetGroupBody struct {
	Driver string `json:"driver"`
}

// GroupInfo is one group in a GET_GROUP reply.
type GroupInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	TagCount int           `json:"tag_count"`
}

// TagOpBody adds or updates tags in a group.
type TagOpBody struct {
	Driver string     `json:"driver"`
	Group  string     `json:"group"`
	Tags   []*tag.Tag `json:"tags"`
}

// GTagGroup is one group's worth of tags in an ADD_GTAG request.
type GTagGroup struct {
	Group    string        `json:"group"`
	Interval time.Duration `json:"interval"`
	Tags     []*tag.Tag    `json:"tags"`
}

// AddGTagBody adds whole groups of tags to a driver in one request.
type AddGTagBody struct {
	Driver string      `json:"driver"`
	Groups []GTagGroup `json:"groups"`
}

// DelTagBody removes tags by name.
type DelTagBody struct {
	Driver string   `json:"driver"`
	Group  string   `json:"group"`
	Tags   []string `json:"tags"`
}

// GetTagBody lists or queries tags in a group.
type GetTagBody struct {
	Driver string `json:"driver"`
	Group  string `json:"group"`
	Name   string `json:"name,omitempty"`
	Desc   string `json:"desc,omitempty"`
}

// SubscribeGroupBody establishes or updates a subscription. The
// manager sends it to both parties: the app learns the driver's
// mailbox address, the driver learns the app's.
type SubscribeGroupBody struct {
	App        string `json:"app"`
	Driver     string `json:"driver"`
	Group      string `json:"group"`
	Params     string `json:"params,omitempty"`
	AppAddr    string `json:"app_addr,omitempty"`
	DriverAddr string `json:"driver_addr,omitempty"`
}

// UnsubscribeGroupBody tears down a subscription.
type UnsubscribeGroupBody struct {
	App    string `json:"app"`
	Driver string `json:"driver"`
	Group  string `json:"group"`
}

// ReadGroupBody requests an immediate read of a group.
type ReadGroupBody struct {
	Driver string `json:"driver"`
	Group  string `json:"group"`
	Sync   bool   `json:"sync,omitempty"`
}

// TagValue is one tag's sampled value on the wire. Exactly one of
// Value or Error is meaningful.
type TagValue struct {
	Name  string       `json:"name"`
	Value interface{}  `json:"value,omitempty"`
	Error errcode.Code `json:"error,omitempty"`
}

// ReadGroupRespBody carries the values of an on-demand group read.
type ReadGroupRespBody struct {
	Driver string     `json:"driver"`
	Group  string     `json:"group"`
	Values []TagValue `json:"values"`
}

// WriteTagBody writes one tag.
type WriteTagBody struct {
	Driver string          `json:"driver"`
	Group  string          `json:"group"`
	Tag    string          `json:"tag"`
	Value  json.RawMessage `json:"value"`
}

// TagWrite is one (tag, value) pair of a multi-tag write.
type TagWrite struct {
	Tag   string          `json:"tag"`
	Value json.RawMessage `json:"value"`
}

// WriteTagsBody writes several tags of one group.
type WriteTagsBody struct {
	Driver string     `json:"driver"`
	Group  string     `json:"group"`
	Tags   []TagWrite `json:"tags"`
}

// GroupTagWrite is one group's worth of writes in a WRITE_GTAGS.
type GroupTagWrite struct {
	Group string     `json:"group"`
	Tags  []TagWrite `json:"tags"`
}

// WriteGTagsBody writes tags across several groups of one driver.
type WriteGTagsBody struct {
	Driver string          `json:"driver"`
	Groups []GroupTagWrite `json:"groups"`
}

// TransDataBody is the snapshot of one group poll, fanned out to
// every subscriber of the (driver, group).
type TransDataBody struct {
	Driver    string     `json:"driver"`
	Group     string     `json:"group"`
	Timestamp int64      `json:"timestamp"`
	Values    []TagValue `json:"values"`
}

// WriteError is one tag's outcome in a write reply.
type WriteError struct {
	Tag   string       `json:"tag"`
	Error errcode.Code `json:"error"`
}

// RespErrorBody is the generic control-plane reply.
type RespErrorBody struct {
	Error   errcode.Code `json:"error"`
	Message string       `json:"message,omitempty"`
	Tags    []WriteError `json:"tags,omitempty"`
}

// bodyFactory builds the empty typed body for each envelope type so
// Unmarshal can decode into it. A nil entry means the type carries no
// body.
var bodyFactory = map[Type]func() interface{}{
	AddNode:               func() interface{} { return &AddNodeBody{} },
	DelNode:               func() interface{} { return &DelNodeBody{} },
	UpdateNode:            func() interface{} { return &NodeRenameBody{} },
	GetNode:               func() interface{} { return &GetNodeBody{} },
	NodeSetting:           func() interface{} { return &NodeSettingBody{} },
	GetNodeSetting:        func() interface{} { return &GetNodeSettingBody{} },
	GetNodeSettingResp:    func() interface{} { return &GetNodeSettingRespBody{} },
	NodeCtl:               func() interface{} { return &NodeCtlBody{} },
	NodeState:             func() interface{} { return &NodeStateBody{} },
	NodesState:            func() interface{} { return &NodesStateBody{} },
	NodeUninit:            func() interface{} { return &NodeUninitBody{} },
	NodeDeleted:           func() interface{} { return &NodeDeletedBody{} },
	NodeRename:            func() interface{} { return &NodeRenameBody{} },
	AddGroup:              func() interface{} { return &AddGroupBody{} },
	DelGroup:              func() interface{} { return &DelGroupBody{} },
	UpdateGroup:           func() interface{} { return &UpdateGroupBody{} },
	GetGroup:              func() interface{} { return &GetGroupBody{} },
	UpdateDriverGroupResp: func() interface{} { return &UpdateDriverGroupRespBody{} },
	AddTag:                func() interface{} { return &TagOpBody{} },
	AddGTag:               func() interface{} { return &AddGTagBody{} },
	UpdateTag:             func() interface{} { return &TagOpBody{} },
	DelTag:                func() interface{} { return &DelTagBody{} },
	GetTag:                func() interface{} { return &GetTagBody{} },
	SubscribeGroup:        func() interface{} { return &SubscribeGroupBody{} },
	UpdateSubscribeGroup:  func() interface{} { return &SubscribeGroupBody{} },
	UnsubscribeGroup:      func() interface{} { return &UnsubscribeGroupBody{} },
	SubscribeGroups:       func() interface{} { return &SubscribeGroupsBody{} },
	ReadGroup:             func() interface{} { return &ReadGroupBody{} },
	ReadGroupResp:         func() interface{} { return &ReadGroupRespBody{} },
	ReadGroupPaginate:     func() interface{} { return &ReadGroupBody{} },
	WriteTag:              func() interface{} { return &WriteTagBody{} },
	WriteTags:             func() interface{} { return &WriteTagsBody{} },
	WriteGTags:            func() interface{} { return &WriteGTagsBody{} },
	TransData:             func() interface{} { return &TransDataBody{} },
	RespError:             func() interface{} { return &RespErrorBody{} },
	GetGroupResp:          func() interface{} { return &GetGroupRespBody{} },
	GetTagResp:            func() interface{} { return &GetTagRespBody{} },
	GetNodeResp:           func() interface{} { return &NodesStateBody{} },
}

// GetGroupRespBody lists a driver's groups.
type GetGroupRespBody struct {
	Driver string      `json:"driver"`
	Groups []GroupInfo `json:"groups"`
}

// GetTagRespBody lists tags of a group.
type GetTagRespBody struct {
	Driver string     `json:"driver"`
	Group  string     `json:"group"`
	Tags   []*tag.Tag `json:"tags"`
}

// GetNodeBody queries nodes by kind.
type GetNodeBody struct {
	Kind NodeKind `json:"kind,omitempty"`
}

// SubscribeGroupsBody subscribes an app to several groups at once.
type SubscribeGroupsBody struct {
	App    string               `json:"app"`
	Groups []SubscribeGroupBody `json:"groups"`
}
