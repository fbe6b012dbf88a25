// Package monitor implements the metrics exposure app plugin. It is
// the gateway's one singleton: at most one instance, always named
// "monitor". The plugin serves the metrics registry's visitor output
// on its own scrape listener in the usual text exposition grammar.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/metrics"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
)

// Descriptor is the plugin module export.
var Descriptor = &plugin.Descriptor{
	Version:     "1.0.0",
	Schema:      "monitor",
	Name:        "monitor",
	Description: "gateway metrics exposure",
	Kind:        plugin.KindApp,
	Single:      true,
	SingleName:  "monitor",
	TimerType:   reactor.Nonblock,
	Open:        func() plugin.Instance { return &Monitor{} },
}

type setting struct {
	Listen string `json:"listen"` // e.g. "127.0.0.1:7001"
}

// Monitor is the singleton metrics app instance.
type Monitor struct {
	mu      sync.Mutex
	cb      plugin.CallbackTable
	conf    setting
	srv     *http.Server
	started bool
}

func (m *Monitor) Init(cb plugin.CallbackTable, load bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
	m.conf.Listen = "127.0.0.1:7001"
	return nil
}

func (m *Monitor) Uninit() error {
	return m.Stop()
}

// Setting applies {"listen": "host:port"}.
func (m *Monitor) Setting(blob string) error {
	var s setting
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "monitor setting: %v", err)
	}
	if s.Listen == "" {
		return errcode.Newf(errcode.GroupParameterInvalid, "monitor setting: listen required")
	}
	m.mu.Lock()
	m.conf = s
	m.mu.Unlock()
	return nil
}

// Start brings up the scrape listener.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.Get().Visit(func(s *metrics.Snapshot) {
			metrics.Render(w, s)
		})
	})
	m.srv = &http.Server{
		Addr:              m.conf.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(srv *http.Server) {
		logging.DebugLog("monitor", "scrape listener on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.DebugLog("monitor", "listener: %v", err)
			if m.cb.SetLinkState != nil {
				m.cb.SetLinkState(plugin.LinkDisconnected)
			}
		}
	}(m.srv)

	m.started = true
	if m.cb.SetLinkState != nil {
		m.cb.SetLinkState(plugin.LinkConnected)
	}
	return nil
}

func (m *Monitor) Stop() error {
	m.mu.Lock()
	srv := m.srv
	m.srv = nil
	m.started = false
	m.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	if m.cb.SetLinkState != nil {
		m.cb.SetLinkState(plugin.LinkDisconnected)
	}
	return nil
}

// Request ignores the data plane; the monitor reads the registry, not
// the bus.
func (m *Monitor) Request(env *msg.Envelope) error { return nil }
