// Package reactor implements the single-threaded event loop that
// serves one adapter. Timers and channel sources are multiplexed on
// one goroutine; callbacks run serially, so adapter state touched
// only from callbacks needs no further locking.
package reactor

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"gridlink/logging"
)

// MaxEvents bounds the number of registered timers and sources per
// reactor. Exceeding it is a fatal misconfiguration.
const MaxEvents = 1400

// TimerKind selects the re-arm behavior of a timer.
type TimerKind int

const (
	// Nonblock timers re-trigger at the nominal rate regardless of
	// callback cost.
	Nonblock TimerKind = iota
	// Block timers are disarmed across the callback and re-armed with
	// the original interval afterwards, so a slow poll never piles up
	// or overlaps.
	Block
)

// TimerHandle identifies a registered timer.
type TimerHandle int

// SourceHandle identifies a registered channel source.
type SourceHandle int

// SourceFunc receives one value from a source channel. ok is false
// when the channel was closed; the source is removed automatically
// after a closed delivery.
type SourceFunc func(v interface{}, ok bool)

type timer struct {
	id   TimerHandle
	kind TimerKind
	// interval in nanoseconds; atomic so a poll callback can re-arm
	// its own timer without touching cbMu.
	interval atomic.Int64
	cb       func()

	tick *time.Ticker // Nonblock
	tmr  *time.Timer  // Block

	// cbMu serializes the callback against DelTimer: DelTimer marks
	// deleted under cbMu, so once it returns no new callback for this
	// timer can begin.
	cbMu    sync.Mutex
	deleted bool
}

func (t *timer) ch() reflect.Value {
	if t.kind == Block {
		return reflect.ValueOf(t.tmr.C)
	}
	return reflect.ValueOf(t.tick.C)
}

func (t *timer) stop() {
	if t.kind == Block {
		t.tmr.Stop()
	} else {
		t.tick.Stop()
	}
}

type source struct {
	id SourceHandle
	ch reflect.Value
	cb SourceFunc
}

// Reactor is one adapter's event loop.
type Reactor struct {
	name string

	mu      sync.Mutex
	timers  map[TimerHandle]*timer
	sources map[SourceHandle]*source
	nextID  int
	started bool
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a reactor. Call Start to begin dispatching.
func New(name string) *Reactor {
	return &Reactor{
		name:    name,
		timers:  make(map[TimerHandle]*timer),
		sources: make(map[SourceHandle]*source),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Reactor) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) checkCap() {
	if len(r.timers)+len(r.sources) >= MaxEvents {
		panic(fmt.Sprintf("reactor %s: event table exhausted (%d events)", r.name, MaxEvents))
	}
}

// AddTimer registers a periodic timer. The callback runs on the
// reactor goroutine.
func (r *Reactor) AddTimer(interval time.Duration, kind TimerKind, cb func()) TimerHandle {
	if interval <= 0 {
		interval = time.Millisecond
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkCap()

	r.nextID++
	t := &timer{
		id:   TimerHandle(r.nextID),
		kind: kind,
		cb:   cb,
	}
	t.interval.Store(int64(interval))
	if kind == Block {
		t.tmr = time.NewTimer(interval)
	} else {
		t.tick = time.NewTicker(interval)
	}
	r.timers[t.id] = t
	r.poke()
	return t.id
}

// DelTimer removes a timer. It returns only once any in-flight
// callback for the timer has completed; no callback for it begins
// afterwards. Must not be called from the timer's own callback —
// adapter teardown always runs from control messages, never from a
// poll callback.
func (r *Reactor) DelTimer(h TimerHandle) {
	r.mu.Lock()
	t, ok := r.timers[h]
	if ok {
		delete(r.timers, h)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	// Waits for a running callback, then forbids new ones.
	t.cbMu.Lock()
	t.deleted = true
	t.cbMu.Unlock()

	t.stop()
	r.poke()
}

// AddSource registers a receive channel. ch must be a channel value;
// each received element is handed to cb on the reactor goroutine.
func (r *Reactor) AddSource(ch interface{}, cb SourceFunc) SourceHandle {
	v := reflect.ValueOf(ch)
	if v.Kind() != reflect.Chan {
		panic(fmt.Sprintf("reactor %s: AddSource requires a channel, got %T", r.name, ch))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkCap()

	r.nextID++
	s := &source{id: SourceHandle(r.nextID), ch: v, cb: cb}
	r.sources[s.id] = s
	r.poke()
	return s.id
}

// DelSource removes a channel source.
func (r *Reactor) DelSource(h SourceHandle) {
	r.mu.Lock()
	delete(r.sources, h)
	r.mu.Unlock()
	r.poke()
}

// Start launches the loop goroutine.
func (r *Reactor) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.run()
}

// Close stops the loop and joins it. Safe to call more than once.
func (r *Reactor) Close() {
	r.mu.Lock()
	if r.closed {
		started := r.started
		r.mu.Unlock()
		if started {
			<-r.done
		}
		return
	}
	r.closed = true
	started := r.started
	for _, t := range r.timers {
		t.stop()
	}
	r.timers = make(map[TimerHandle]*timer)
	r.sources = make(map[SourceHandle]*source)
	r.mu.Unlock()

	close(r.quit)
	if started {
		<-r.done
	} else {
		close(r.done)
	}
}

type selectEntry struct {
	timer  *timer
	source *source
}

func (r *Reactor) run() {
	defer close(r.done)
	logging.DebugLog("reactor", "%s: loop started", r.name)

	for {
		cases := make([]reflect.SelectCase, 0, 8)
		entries := make([]selectEntry, 0, 8)

		cases = append(cases, reflect.SelectCase{
			Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.quit),
		})
		entries = append(entries, selectEntry{})
		cases = append(cases, reflect.SelectCase{
			Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.wake),
		})
		entries = append(entries, selectEntry{})

		r.mu.Lock()
		for _, t := range r.timers {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: t.ch()})
			entries = append(entries, selectEntry{timer: t})
		}
		for _, s := range r.sources {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: s.ch})
			entries = append(entries, selectEntry{source: s})
		}
		r.mu.Unlock()

		chosen, recv, ok := reflect.Select(cases)
		switch {
		case chosen == 0:
			logging.DebugLog("reactor", "%s: loop stopped", r.name)
			return
		case chosen == 1:
			// woken to rebuild the select set
		case entries[chosen].timer != nil:
			r.fire(entries[chosen].timer)
		case entries[chosen].source != nil:
			s := entries[chosen].source
			var v interface{}
			if ok {
				v = recv.Interface()
			}
			s.cb(v, ok)
			if !ok {
				r.DelSource(s.id)
			}
		}
	}
}

func (r *Reactor) fire(t *timer) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.deleted {
		return
	}
	t.cb()
	if t.kind == Block && !t.deleted {
		// re-arm only after the callback completes
		t.tmr.Reset(time.Duration(t.interval.Load()))
	}
}

// SetTimerInterval changes a timer's interval. Safe to call from the
// timer's own callback: a Block timer picks the new interval up on
// its next re-arm, a Nonblock ticker is reset immediately.
func (r *Reactor) SetTimerInterval(h TimerHandle, d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	r.mu.Lock()
	t, ok := r.timers[h]
	r.mu.Unlock()
	if !ok {
		return
	}
	t.interval.Store(int64(d))
	if t.kind == Nonblock {
		t.tick.Reset(d)
	}
}

// Len reports the number of registered events, for diagnostics.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers) + len(r.sources)
}
