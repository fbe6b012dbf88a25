// Package kafka implements the Kafka app plugin: snapshots stream as
// JSON records to a configured topic, keyed by driver/group so one
// group's samples stay in one partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
)

// Descriptor is the plugin module export.
var Descriptor = &plugin.Descriptor{
	Version:     "1.0.0",
	Schema:      "kafka",
	Name:        "kafka",
	Description: "kafka northbound app",
	Kind:        plugin.KindApp,
	TimerType:   reactor.Nonblock,
	CacheType:   "none",
	Open:        func() plugin.Instance { return &App{} },
}

const writeTimeout = 10 * time.Second

type setting struct {
	Brokers      []string `json:"brokers"`
	Topic        string   `json:"topic"`
	RequiredAcks int      `json:"required_acks,omitempty"` // -1 all, 0 none, 1 leader
	MaxRetries   int      `json:"max_retries,omitempty"`
}

// Record is the JSON value of one published snapshot.
type Record struct {
	Driver    string `json:"driver"`
	Group     string `json:"group"`
	Timestamp int64  `json:"timestamp"`
	Values    []struct {
		Name  string      `json:"name"`
		Value interface{} `json:"value,omitempty"`
		Error int         `json:"error,omitempty"`
	} `json:"values"`
}

// App is one Kafka app instance.
type App struct {
	mu      sync.Mutex
	cb      plugin.CallbackTable
	conf    setting
	writer  *kafkago.Writer
	started bool
}

func (a *App) Init(cb plugin.CallbackTable, load bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	return nil
}

func (a *App) Uninit() error {
	return a.Stop()
}

// Setting applies {"brokers":[...],"topic":...}.
func (a *App) Setting(blob string) error {
	var s setting
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "kafka setting: %v", err)
	}
	if len(s.Brokers) == 0 || s.Topic == "" {
		return errcode.Newf(errcode.GroupParameterInvalid, "kafka setting: brokers and topic required")
	}
	a.mu.Lock()
	a.conf = s
	a.mu.Unlock()
	return nil
}

// Start builds the writer. The first successful delivery flips the
// link state; kafka-go dials lazily.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conf.Brokers) == 0 {
		return errcode.Newf(errcode.GroupParameterInvalid, "kafka: no setting applied")
	}
	acks := kafkago.RequireOne
	switch a.conf.RequiredAcks {
	case -1:
		acks = kafkago.RequireAll
	case 0:
		acks = kafkago.RequireNone
	}
	a.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(a.conf.Brokers...),
		Topic:        a.conf.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: acks,
		MaxAttempts:  a.conf.MaxRetries + 1,
		WriteTimeout: writeTimeout,
	}
	a.started = true
	if a.cb.SetLinkState != nil {
		a.cb.SetLinkState(plugin.LinkConnecting)
	}
	return nil
}

func (a *App) Stop() error {
	a.mu.Lock()
	w := a.writer
	a.writer = nil
	a.started = false
	a.mu.Unlock()
	if w != nil {
		w.Close()
	}
	if a.cb.SetLinkState != nil {
		a.cb.SetLinkState(plugin.LinkDisconnected)
	}
	return nil
}

// Request consumes snapshots; other notices need no action here.
func (a *App) Request(env *msg.Envelope) error {
	if env.Type != msg.TransData {
		return nil
	}
	body := env.Body.(*msg.TransDataBody)

	a.mu.Lock()
	w := a.writer
	a.mu.Unlock()
	if w == nil {
		return errcode.Newf(errcode.EInternal, "kafka: not started")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err = w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(fmt.Sprintf("%s/%s", body.Driver, body.Group)),
		Value: payload,
	})
	if err != nil {
		logging.DebugLog("kafka", "%s: publish: %v", a.cb.NodeName, err)
		if a.cb.SetLinkState != nil {
			a.cb.SetLinkState(plugin.LinkDisconnected)
		}
		return err
	}
	if a.cb.SetLinkState != nil {
		a.cb.SetLinkState(plugin.LinkConnected)
	}
	return nil
}
