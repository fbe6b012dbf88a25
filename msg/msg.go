// Package msg defines the envelopes exchanged between adapters and
// the manager over the mailbox bus. Each message type has exactly one
// typed body; the envelope is a tagged union with the type as the
// discriminant.
package msg

import (
	"encoding/json"
	"fmt"

	"gridlink/errcode"
)

// Type enumerates the closed set of envelope kinds.
type Type int

const (
	// node ops
	AddNode Type = iota + 1
	DelNode
	UpdateNode
	GetNode
	NodeSetting
	GetNodeSetting
	GetNodeSettingResp
	NodeCtl
	NodeState
	NodesState
	NodeUninit
	NodeDeleted
	NodeRename

	// group ops
	AddGroup
	DelGroup
	UpdateGroup
	GetGroup
	UpdateDriverGroupResp

	// tag ops
	AddTag
	AddGTag
	UpdateTag
	DelTag
	GetTag

	// subscription ops
	SubscribeGroup
	UpdateSubscribeGroup
	UnsubscribeGroup
	SubscribeGroups

	// data plane
	ReadGroup
	ReadGroupResp
	ReadGroupPaginate
	WriteTag
	WriteTags
	WriteGTags
	TransData

	RespError

	GetGroupResp
	GetTagResp
	GetNodeResp
)

var typeNames = map[Type]string{
	AddNode:               "ADD_NODE",
	DelNode:               "DEL_NODE",
	UpdateNode:            "UPDATE_NODE",
	GetNode:               "GET_NODE",
	NodeSetting:           "NODE_SETTING",
	GetNodeSetting:        "GET_NODE_SETTING",
	GetNodeSettingResp:    "GET_NODE_SETTING_RESP",
	NodeCtl:               "NODE_CTL",
	NodeState:             "NODE_STATE",
	NodesState:            "NODES_STATE",
	NodeUninit:            "NODE_UNINIT",
	NodeDeleted:           "NODE_DELETED",
	NodeRename:            "NODE_RENAME",
	AddGroup:              "ADD_GROUP",
	DelGroup:              "DEL_GROUP",
	UpdateGroup:           "UPDATE_GROUP",
	GetGroup:              "GET_GROUP",
	UpdateDriverGroupResp: "UPDATE_DRIVER_GROUP_RESP",
	AddTag:                "ADD_TAG",
	AddGTag:               "ADD_GTAG",
	UpdateTag:             "UPDATE_TAG",
	DelTag:                "DEL_TAG",
	GetTag:                "GET_TAG",
	SubscribeGroup:        "SUBSCRIBE_GROUP",
	UpdateSubscribeGroup:  "UPDATE_SUBSCRIBE_GROUP",
	UnsubscribeGroup:      "UNSUBSCRIBE_GROUP",
	SubscribeGroups:       "SUBSCRIBE_GROUPS",
	ReadGroup:             "READ_GROUP",
	ReadGroupResp:         "READ_GROUP_RESP",
	ReadGroupPaginate:     "READ_GROUP_PAGINATE",
	WriteTag:              "WRITE_TAG",
	WriteTags:             "WRITE_TAGS",
	WriteGTags:            "WRITE_GTAGS",
	TransData:             "TRANS_DATA",
	RespError:             "RESP_ERROR",
	GetGroupResp:          "GET_GROUP_RESP",
	GetTagResp:            "GET_TAG_RESP",
	GetNodeResp:           "GET_NODE_RESP",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE(%d)", int(t))
}

// responsePairs maps a request type to the response kind produced in
// place for the same exchange. The envelope of the request is sized
// for (and correlated with) this reply.
var responsePairs = map[Type]Type{
	AddNode:        NodeUninit,
	UpdateGroup:    UpdateDriverGroupResp,
	GetNodeSetting: GetNodeSettingResp,
	ReadGroup:      ReadGroupResp,
	GetGroup:       GetGroupResp,
	GetTag:         GetTagResp,
	WriteTag:       RespError,
	WriteTags:      RespError,
	WriteGTags:     RespError,
	AddTag:         RespError,
	AddGTag:        RespError,
	UpdateTag:      RespError,
	DelTag:         RespError,
}

// ResponseType returns the reply kind paired with a request type, or
// false when the exchange has no in-place response.
func ResponseType(t Type) (Type, bool) {
	r, ok := responsePairs[t]
	return r, ok
}

// Envelope is one message on the bus. Context correlates a response
// with the request that originated it.
type Envelope struct {
	Type     Type
	Sender   string
	Receiver string
	Context  string
	Body     interface{}
}

// Reply builds a response envelope addressed back to the sender,
// carrying the same context.
func (e *Envelope) Reply(t Type, from string, body interface{}) *Envelope {
	return &Envelope{
		Type:     t,
		Sender:   from,
		Receiver: e.Sender,
		Context:  e.Context,
		Body:     body,
	}
}

// ReplyError is the RESP_ERROR shorthand used by every control-plane
// handler.
func (e *Envelope) ReplyError(from string, err error) *Envelope {
	body := &RespErrorBody{Error: errcode.CodeOf(err)}
	if err != nil {
		body.Message = err.Error()
	}
	return e.Reply(RespError, from, body)
}

type wireEnvelope struct {
	Type     Type            `json:"type"`
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Context  string          `json:"context,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Marshal serializes the envelope for the bus.
func (e *Envelope) Marshal() ([]byte, error) {
	var raw json.RawMessage
	if e.Body != nil {
		b, err := json.Marshal(e.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", e.Type, err)
		}
		raw = b
	}
	return json.Marshal(wireEnvelope{
		Type:     e.Type,
		Sender:   e.Sender,
		Receiver: e.Receiver,
		Context:  e.Context,
		Body:     raw,
	})
}

// Unmarshal parses an envelope off the bus, decoding the body into
// the typed struct registered for its type. Unknown types fail so the
// receiver can log and drop.
func Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	mk, ok := bodyFactory[w.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type %d", int(w.Type))
	}
	e := &Envelope{
		Type:     w.Type,
		Sender:   w.Sender,
		Receiver: w.Receiver,
		Context:  w.Context,
	}
	if mk != nil {
		body := mk()
		if len(w.Body) > 0 {
			if err := json.Unmarshal(w.Body, body); err != nil {
				return nil, fmt.Errorf("decode %s body: %w", w.Type, err)
			}
		}
		e.Body = body
	}
	return e, nil
}
