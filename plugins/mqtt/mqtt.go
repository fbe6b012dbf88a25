// Package mqtt implements the MQTT app plugin: snapshots publish as
// JSON to a per-group topic, and write requests arriving on the write
// topic are forwarded upstream to the owning driver.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
)

// Descriptor is the plugin module export.
var Descriptor = &plugin.Descriptor{
	Version:     "1.0.0",
	Schema:      "mqtt",
	Name:        "mqtt",
	Description: "mqtt northbound app",
	Kind:        plugin.KindApp,
	TimerType:   reactor.Nonblock,
	CacheType:   "none",
	Open:        func() plugin.Instance { return &App{} },
}

const connectTimeout = 10 * time.Second

type setting struct {
	Broker      string `json:"broker"` // e.g. "tcp://127.0.0.1:1883"
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         byte   `json:"qos,omitempty"`
}

// subParams is the opaque subscription params blob this plugin
// understands: an optional topic override per (driver, group).
type subParams struct {
	Topic string `json:"topic,omitempty"`
}

// TagMessage is the JSON payload published per snapshot.
type TagMessage struct {
	Driver    string      `json:"driver"`
	Group     string      `json:"group"`
	Timestamp int64       `json:"timestamp"`
	Values    []TagSample `json:"values"`
}

// TagSample is one tag inside a published snapshot.
type TagSample struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value,omitempty"`
	Error int         `json:"error,omitempty"`
}

// WriteRequest is the JSON structure accepted on the write topic.
type WriteRequest struct {
	Driver string          `json:"driver"`
	Group  string          `json:"group"`
	Tag    string          `json:"tag"`
	Value  json.RawMessage `json:"value"`
}

// WriteResponse is published on the write response topic.
type WriteResponse struct {
	Driver  string `json:"driver"`
	Group   string `json:"group"`
	Tag     string `json:"tag"`
	Error   int    `json:"error"`
	Message string `json:"message,omitempty"`
}

// App is one MQTT app instance.
type App struct {
	mu      sync.Mutex
	cb      plugin.CallbackTable
	conf    setting
	client  pahomqtt.Client
	started bool

	// topic overrides keyed by driver/group, learned from
	// subscription params
	topics map[string]string

	// outstanding write contexts -> original request, for response
	// publication
	pendingWrites map[string]WriteRequest
}

func (a *App) Init(cb plugin.CallbackTable, load bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	a.topics = make(map[string]string)
	a.pendingWrites = make(map[string]WriteRequest)
	return nil
}

func (a *App) Uninit() error {
	return a.Stop()
}

// Setting applies the broker configuration. Reconnection happens on
// the next Start.
func (a *App) Setting(blob string) error {
	var s setting
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "mqtt setting: %v", err)
	}
	if s.Broker == "" {
		return errcode.Newf(errcode.GroupParameterInvalid, "mqtt setting: broker required")
	}
	if s.ClientID == "" {
		s.ClientID = "gridlink-" + fmt.Sprintf("%d", time.Now().UnixNano())
	}
	if s.TopicPrefix == "" {
		s.TopicPrefix = "gridlink"
	}
	a.mu.Lock()
	a.conf = s
	a.mu.Unlock()
	return nil
}

// Start connects to the broker and subscribes the write topic.
func (a *App) Start() error {
	a.mu.Lock()
	conf := a.conf
	a.mu.Unlock()
	if conf.Broker == "" {
		return errcode.New(errcode.MQTTIsNull, "no broker configured")
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(conf.Broker).
		SetClientID(conf.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	if conf.Username != "" {
		opts.SetUsername(conf.Username)
		opts.SetPassword(conf.Password)
	}
	opts.OnConnect = func(c pahomqtt.Client) {
		logging.DebugLog("mqtt", "%s: connected to %s", a.cb.NodeName, conf.Broker)
		if a.cb.SetLinkState != nil {
			a.cb.SetLinkState(plugin.LinkConnected)
		}
		writeTopic := conf.TopicPrefix + "/write"
		if token := c.Subscribe(writeTopic, conf.QoS, a.handleWriteMessage); token.Wait() && token.Error() != nil {
			logging.DebugLog("mqtt", "%s: subscribe %s: %v", a.cb.NodeName, writeTopic, token.Error())
		}
	}
	opts.OnConnectionLost = func(c pahomqtt.Client, err error) {
		logging.DebugLog("mqtt", "%s: connection lost: %v", a.cb.NodeName, err)
		if a.cb.SetLinkState != nil {
			a.cb.SetLinkState(plugin.LinkDisconnected)
		}
	}

	client := pahomqtt.NewClient(opts)
	if a.cb.SetLinkState != nil {
		a.cb.SetLinkState(plugin.LinkConnecting)
	}
	token := client.Connect()
	// connection completes in the background; OnConnect flips the
	// link state when the broker answers
	go func() {
		if token.Wait() && token.Error() != nil {
			logging.DebugLog("mqtt", "%s: connect: %v", a.cb.NodeName, token.Error())
			if a.cb.SetLinkState != nil {
				a.cb.SetLinkState(plugin.LinkDisconnected)
			}
		}
	}()

	a.mu.Lock()
	a.client = client
	a.started = true
	a.mu.Unlock()
	return nil
}

func (a *App) Stop() error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.started = false
	a.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	if a.cb.SetLinkState != nil {
		a.cb.SetLinkState(plugin.LinkDisconnected)
	}
	return nil
}

// Request consumes envelopes the adapter routes to the plugin.
func (a *App) Request(env *msg.Envelope) error {
	switch env.Type {
	case msg.TransData:
		return a.publishSnapshot(env.Body.(*msg.TransDataBody))

	case msg.SubscribeGroup, msg.UpdateSubscribeGroup:
		body := env.Body.(*msg.SubscribeGroupBody)
		a.learnTopic(body)
		return nil

	case msg.UnsubscribeGroup:
		body := env.Body.(*msg.UnsubscribeGroupBody)
		a.mu.Lock()
		delete(a.topics, body.Driver+"/"+body.Group)
		a.mu.Unlock()
		return nil

	case msg.NodeDeleted:
		body := env.Body.(*msg.NodeDeletedBody)
		a.dropDriverTopics(body.Node)
		return nil

	case msg.RespError:
		return a.publishWriteResponse(env)

	default:
		return nil
	}
}

func (a *App) learnTopic(body *msg.SubscribeGroupBody) {
	if body.Params == "" {
		return
	}
	var p subParams
	if err := json.Unmarshal([]byte(body.Params), &p); err != nil || p.Topic == "" {
		return
	}
	a.mu.Lock()
	a.topics[body.Driver+"/"+body.Group] = p.Topic
	a.mu.Unlock()
}

func (a *App) dropDriverTopics(driver string) {
	prefix := driver + "/"
	a.mu.Lock()
	for k := range a.topics {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(a.topics, k)
		}
	}
	a.mu.Unlock()
}

func (a *App) publishSnapshot(body *msg.TransDataBody) error {
	a.mu.Lock()
	client := a.client
	conf := a.conf
	topic, override := a.topics[body.Driver+"/"+body.Group]
	a.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return errcode.New(errcode.MQTTIsNull, "broker not connected")
	}
	if !override {
		topic = fmt.Sprintf("%s/%s/%s", conf.TopicPrefix, body.Driver, body.Group)
	}

	out := TagMessage{
		Driver:    body.Driver,
		Group:     body.Group,
		Timestamp: body.Timestamp,
	}
	for _, v := range body.Values {
		out.Values = append(out.Values, TagSample{
			Name: v.Name, Value: v.Value, Error: int(v.Error),
		})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if token := client.Publish(topic, conf.QoS, false, payload); token.Wait() && token.Error() != nil {
		return errcode.Newf(errcode.MQTTPublishFailure, "%v", token.Error())
	}
	return nil
}

// handleWriteMessage forwards a broker-side write request upstream as
// a WRITE_TAG envelope; the response returns through Request.
func (a *App) handleWriteMessage(client pahomqtt.Client, m pahomqtt.Message) {
	var req WriteRequest
	if err := json.Unmarshal(m.Payload(), &req); err != nil {
		logging.DebugLog("mqtt", "%s: bad write payload: %v", a.cb.NodeName, err)
		return
	}
	if req.Driver == "" || req.Group == "" || req.Tag == "" {
		return
	}

	ctx := fmt.Sprintf("mqtt-%d", time.Now().UnixNano())
	env := &msg.Envelope{
		Type:     msg.WriteTag,
		Receiver: req.Driver,
		Context:  ctx,
		Body: &msg.WriteTagBody{
			Driver: req.Driver, Group: req.Group, Tag: req.Tag, Value: req.Value,
		},
	}
	a.mu.Lock()
	a.pendingWrites[ctx] = req
	a.mu.Unlock()

	if err := a.cb.SendRequest(env); err != nil {
		a.mu.Lock()
		delete(a.pendingWrites, ctx)
		a.mu.Unlock()
		logging.DebugLog("mqtt", "%s: forward write: %v", a.cb.NodeName, err)
	}
}

// publishWriteResponse matches a RESP_ERROR back to its originating
// write by envelope context.
func (a *App) publishWriteResponse(env *msg.Envelope) error {
	a.mu.Lock()
	req, ok := a.pendingWrites[env.Context]
	if ok {
		delete(a.pendingWrites, env.Context)
	}
	client := a.client
	conf := a.conf
	a.mu.Unlock()
	if !ok {
		return nil // response to someone else's exchange
	}
	if client == nil || !client.IsConnected() {
		return errcode.New(errcode.MQTTIsNull, "broker not connected")
	}

	body := env.Body.(*msg.RespErrorBody)
	resp := WriteResponse{
		Driver: req.Driver, Group: req.Group, Tag: req.Tag,
		Error: int(body.Error), Message: body.Message,
	}
	payload, _ := json.Marshal(resp)
	topic := conf.TopicPrefix + "/write/resp"
	if token := client.Publish(topic, conf.QoS, false, payload); token.Wait() && token.Error() != nil {
		return errcode.Newf(errcode.MQTTPublishFailure, "%v", token.Error())
	}
	return nil
}
