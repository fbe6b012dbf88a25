// Package bus carries envelopes between adapters. Every adapter owns
// one mailbox, addressable by its node name; the transport underneath
// is an embedded NATS server bound to localhost, which preserves
// per-sender delivery order and keeps the fabric process-local.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"gridlink/logging"
	"gridlink/msg"
)

const subjectPrefix = "mailbox."

// DefaultPort is the loopback port of the embedded server.
const DefaultPort = 4222

// readyTimeout bounds how long boot waits for the embedded server.
const readyTimeout = 10 * time.Second

// Bus is one process's connection to the mailbox fabric.
type Bus struct {
	nc  *nats.Conn
	srv *server.Server

	mu        sync.Mutex
	mailboxes map[string]*Mailbox
}

// StartEmbedded starts a loopback NATS server and connects to it.
// Inability to bind the control transport at startup is fatal to the
// caller: the gateway cannot run without its fabric.
func StartEmbedded(port int) (*Bus, error) {
	if port == 0 {
		port = DefaultPort
	}
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create bus server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("bus server not ready on port %d", port)
	}

	b, err := Connect(fmt.Sprintf("nats://127.0.0.1:%d", port))
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	b.srv = srv
	return b, nil
}

// Connect attaches to an already running fabric.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	return &Bus{
		nc:        nc,
		mailboxes: make(map[string]*Mailbox),
	}, nil
}

// Close drains the connection and stops the embedded server if this
// bus owns one.
func (b *Bus) Close() {
	b.mu.Lock()
	boxes := make([]*Mailbox, 0, len(b.mailboxes))
	for _, m := range b.mailboxes {
		boxes = append(boxes, m)
	}
	b.mu.Unlock()
	for _, m := range boxes {
		m.Close()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}

// Send marshals env and publishes it to the receiver's mailbox.
// Failure is transient to the caller: the envelope is dropped and an
// error returned, the poll or control loop keeps going.
func (b *Bus) Send(to string, env *msg.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subjectPrefix+to, data); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Type, to, err)
	}
	return nil
}

// Open binds a mailbox for the named adapter. The name must be unique
// across the process; opening an already bound name fails.
func (b *Bus) Open(name string, depth int) (*Mailbox, error) {
	if depth <= 0 {
		depth = 256
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[name]; ok {
		return nil, fmt.Errorf("mailbox %s already bound", name)
	}

	m := &Mailbox{
		name: name,
		bus:  b,
		ch:   make(chan *msg.Envelope, depth),
	}
	sub, err := b.nc.Subscribe(subjectPrefix+name, m.deliver)
	if err != nil {
		return nil, fmt.Errorf("bind mailbox %s: %w", name, err)
	}
	m.sub = sub
	b.mailboxes[name] = m
	return m, nil
}

// Mailbox is one adapter's endpoint on the fabric.
type Mailbox struct {
	name string
	bus  *Bus
	sub  *nats.Subscription
	ch   chan *msg.Envelope

	mu      sync.Mutex
	closed  bool
	dropped uint64
	onDrop  func()
}

// deliver runs on the NATS delivery goroutine. A full mailbox drops
// the envelope and counts it; delivery never blocks the fabric.
func (m *Mailbox) deliver(natsMsg *nats.Msg) {
	env, err := msg.Unmarshal(natsMsg.Data)
	if err != nil {
		logging.DebugLog("bus", "mailbox %s: dropping undecodable envelope: %v", m.name, err)
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	onDrop := m.onDrop
	m.mu.Unlock()

	select {
	case m.ch <- env:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		logging.DebugLog("bus", "mailbox %s full, dropping %s from %s",
			m.name, env.Type, env.Sender)
		if onDrop != nil {
			onDrop()
		}
	}
}

// Name returns the mailbox's bound name.
func (m *Mailbox) Name() string { return m.name }

// Chan is the delivery channel the owning reactor selects on.
func (m *Mailbox) Chan() <-chan *msg.Envelope { return m.ch }

// Dropped returns the count of envelopes discarded on overflow.
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// SetOnDrop installs a callback fired on each overflow drop.
func (m *Mailbox) SetOnDrop(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = fn
}

// Close unbinds the mailbox. Pending envelopes are discarded.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	m.bus.mu.Lock()
	delete(m.bus.mailboxes, m.name)
	m.bus.mu.Unlock()
}

// Rename rebinds the mailbox under a new name, preserving the
// delivery channel. Used by the node rename cascade.
func (m *Mailbox) Rename(newName string) error {
	m.bus.mu.Lock()
	if _, ok := m.bus.mailboxes[newName]; ok {
		m.bus.mu.Unlock()
		return fmt.Errorf("mailbox %s already bound", newName)
	}
	m.bus.mu.Unlock()

	sub, err := m.bus.nc.Subscribe(subjectPrefix+newName, m.deliver)
	if err != nil {
		return fmt.Errorf("rebind mailbox %s: %w", newName, err)
	}
	old := m.sub
	m.sub = sub
	if old != nil {
		old.Unsubscribe()
	}

	m.bus.mu.Lock()
	delete(m.bus.mailboxes, m.name)
	m.bus.mailboxes[newName] = m
	m.bus.mu.Unlock()
	m.name = newName
	return nil
}
