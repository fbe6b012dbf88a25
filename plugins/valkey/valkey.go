// Package valkey implements the Valkey/Redis cache app plugin: every
// snapshot lands in a hash per (driver, group) for random access, and
// optionally on a pub/sub channel for streaming consumers.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
)

// Descriptor is the plugin module export.
var Descriptor = &plugin.Descriptor{
	Version:     "1.0.0",
	Schema:      "valkey",
	Name:        "valkey",
	Description: "valkey/redis cache app",
	Kind:        plugin.KindApp,
	TimerType:   reactor.Nonblock,
	CacheType:   "hash",
	Open:        func() plugin.Instance { return &App{} },
}

const opTimeout = 5 * time.Second

type setting struct {
	Address        string `json:"address"` // host:port
	Password       string `json:"password,omitempty"`
	DB             int    `json:"db,omitempty"`
	KeyPrefix      string `json:"key_prefix,omitempty"`
	PublishChanges bool   `json:"publish_changes,omitempty"`
	TTLSeconds     int    `json:"key_ttl,omitempty"`
}

// App is one Valkey app instance.
type App struct {
	mu      sync.Mutex
	cb      plugin.CallbackTable
	conf    setting
	client  *redis.Client
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

// Setting applies {"address":...} plus cache options.
func (a *App) Setting(blob string) error {
	var s setting
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "valkey setting: %v", err)
	}
	if s.Address == "" {
		return errcode.Newf(errcode.GroupParameterInvalid, "valkey setting: address required")
	}
	if s.KeyPrefix == "" {
		s.KeyPrefix = "gridlink"
	}
	a.mu.Lock()
	a.conf = s
	a.mu.Unlock()
	return nil
}

// Start dials the server and pings it once to settle the link state.
func (a *App) Start() error {
	a.mu.Lock()
	conf := a.conf
	a.mu.Unlock()
	if conf.Address == "" {
		return errcode.Newf(errcode.GroupParameterInvalid, "valkey: no setting applied")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     conf.Address,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if a.cb.SetLinkState != nil {
		a.cb.SetLinkState(plugin.LinkConnecting)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			logging.DebugLog("valkey", "%s: ping: %v", a.cb.NodeName, err)
			if a.cb.SetLinkState != nil {
				a.cb.SetLinkState(plugin.LinkDisconnected)
			}
			return
		}
		if a.cb.SetLinkState != nil {
			a.cb.SetLinkState(plugin.LinkConnected)
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
	if client != nil {
		client.Close()
	}
	if a.cb.SetLinkState != nil {
		a.cb.SetLinkState(plugin.LinkDisconnected)
	}
	return nil
}

// Request caches snapshots; other notices need no action here.
func (a *App) Request(env *msg.Envelope) error {
	if env.Type != msg.TransData {
		return nil
	}
	body := env.Body.(*msg.TransDataBody)

	a.mu.Lock()
	client := a.client
	conf := a.conf
	a.mu.Unlock()
	if client == nil {
		return errcode.Newf(errcode.EInternal, "valkey: not started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := fmt.Sprintf("%s:%s:%s", conf.KeyPrefix, body.Driver, body.Group)
	fields := make(map[string]interface{}, len(body.Values)+1)
	fields["_timestamp"] = body.Timestamp
	for _, v := range body.Values {
		if v.Error != errcode.Success {
			continue
		}
		raw, err := json.Marshal(v.Value)
		if err != nil {
			continue
		}
		fields[v.Name] = string(raw)
	}
	if err := client.HSet(ctx, key, fields).Err(); err != nil {
		logging.DebugLog("valkey", "%s: hset %s: %v", a.cb.NodeName, key, err)
		if a.cb.SetLinkState != nil {
			a.cb.SetLinkState(plugin.LinkDisconnected)
		}
		return err
	}
	if conf.TTLSeconds > 0 {
		client.Expire(ctx, key, time.Duration(conf.TTLSeconds)*time.Second)
	}

	if conf.PublishChanges {
		payload, err := json.Marshal(body)
		if err == nil {
			channel := fmt.Sprintf("%s:updates:%s:%s", conf.KeyPrefix, body.Driver, body.Group)
			if err := client.Publish(ctx, channel, payload).Err(); err != nil {
				logging.DebugLog("valkey", "%s: publish %s: %v", a.cb.NodeName, channel, err)
			}
		}
	}
	if a.cb.SetLinkState != nil {
		a.cb.SetLinkState(plugin.LinkConnected)
	}
	return nil
}
