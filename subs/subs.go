// Package subs maintains the routing table mapping (driver, group)
// to the apps subscribed to its snapshots.
package subs

import (
	"sort"
	"sync"

	"gridlink/errcode"
)

// Entry is one subscriber of a (driver, group).
type Entry struct {
	App     string
	Params  string
	AppAddr string
}

// Subscription is the full triple with its params, as listed to the
// control plane and persisted.
type Subscription struct {
	App     string
	Driver  string
	Group   string
	Params  string
	AppAddr string
}

type key struct {
	driver string
	group  string
}

// GroupExistsFunc checks that a group exists on a driver before a
// subscription is accepted.
type GroupExistsFunc func(driver, group string) bool

// Table is the subscription table. All mutations go through the
// manager, which serializes them; the table carries its own lock so
// lookups from driver poll paths stay safe.
type Table struct {
	mu          sync.RWMutex
	entries     map[key][]Entry
	groupExists GroupExistsFunc
}

// NewTable creates a table. groupExists may be nil, disabling the
// existence check (tests).
func NewTable(groupExists GroupExistsFunc) *Table {
	return &Table{
		entries:     make(map[key][]Entry),
		groupExists: groupExists,
	}
}

// Sub adds or updates a subscription. Idempotent on the
// (driver, app, group) triple: a repeat call succeeds and refreshes
// params and the app's mailbox address.
func (t *Table) Sub(driver, app, group, params, appAddr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.groupExists != nil && !t.groupExists(driver, group) {
		return errcode.Newf(errcode.GroupNotExist, "%s/%s", driver, group)
	}

	k := key{driver, group}
	for i, e := range t.entries[k] {
		if e.App == app {
			t.entries[k][i].Params = params
			t.entries[k][i].AppAddr = appAddr
			return nil
		}
	}
	t.entries[k] = append(t.entries[k], Entry{App: app, Params: params, AppAddr: appAddr})
	return nil
}

// UpdateParams replaces the params of an existing subscription.
func (t *Table) UpdateParams(driver, app, group, params string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{driver, group}
	for i, e := range t.entries[k] {
		if e.App == app {
			t.entries[k][i].Params = params
			return nil
		}
	}
	return errcode.Newf(errcode.GroupNotSubscribe, "%s -> %s/%s", app, driver, group)
}

// Unsub removes a subscription. A missing triple is a successful
// no-op.
func (t *Table) Unsub(driver, app, group string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{driver, group}
	list := t.entries[k]
	for i, e := range list {
		if e.App == app {
			t.entries[k] = append(list[:i], list[i+1:]...)
			if len(t.entries[k]) == 0 {
				delete(t.entries, k)
			}
			return
		}
	}
}

// UnsubAll removes every subscription held by an app and returns the
// (driver, group) pairs it was detached from.
func (t *Table) UnsubAll(app string) []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Subscription
	for k, list := range t.entries {
		for i := 0; i < len(list); {
			if list[i].App == app {
				removed = append(removed, Subscription{
					App: app, Driver: k.driver, Group: k.group,
					Params: list[i].Params, AppAddr: list[i].AppAddr,
				})
				list = append(list[:i], list[i+1:]...)
			} else {
				i++
			}
		}
		if len(list) == 0 {
			delete(t.entries, k)
		} else {
			t.entries[k] = list
		}
	}
	sortSubs(removed)
	return removed
}

// DropDriver removes every subscription on a driver and returns the
// former subscribers, one entry per (app, group).
func (t *Table) DropDriver(driver string) []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Subscription
	for k, list := range t.entries {
		if k.driver != driver {
			continue
		}
		for _, e := range list {
			removed = append(removed, Subscription{
				App: e.App, Driver: k.driver, Group: k.group,
				Params: e.Params, AppAddr: e.AppAddr,
			})
		}
		delete(t.entries, k)
	}
	sortSubs(removed)
	return removed
}

// DropGroup removes every subscription on one (driver, group).
func (t *Table) DropGroup(driver, group string) []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{driver, group}
	var removed []Subscription
	for _, e := range t.entries[k] {
		removed = append(removed, Subscription{
			App: e.App, Driver: driver, Group: group,
			Params: e.Params, AppAddr: e.AppAddr,
		})
	}
	delete(t.entries, k)
	sortSubs(removed)
	return removed
}

// Subscribers returns the subscribers of one (driver, group). The
// driver poll path calls this on every snapshot publication.
func (t *Table) Subscribers(driver, group string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.entries[key{driver, group}]
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

// FindByDriver returns every subscription referencing a driver.
func (t *Table) FindByDriver(driver string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Subscription
	for k, list := range t.entries {
		if k.driver != driver {
			continue
		}
		for _, e := range list {
			out = append(out, Subscription{
				App: e.App, Driver: k.driver, Group: k.group,
				Params: e.Params, AppAddr: e.AppAddr,
			})
		}
	}
	sortSubs(out)
	return out
}

// FindByApp returns every subscription held by an app.
func (t *Table) FindByApp(app string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Subscription
	for k, list := range t.entries {
		for _, e := range list {
			if e.App == app {
				out = append(out, Subscription{
					App: app, Driver: k.driver, Group: k.group,
					Params: e.Params, AppAddr: e.AppAddr,
				})
			}
		}
	}
	sortSubs(out)
	return out
}

// All returns the whole table.
func (t *Table) All() []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Subscription
	for k, list := range t.entries {
		for _, e := range list {
			out = append(out, Subscription{
				App: e.App, Driver: k.driver, Group: k.group,
				Params: e.Params, AppAddr: e.AppAddr,
			})
		}
	}
	sortSubs(out)
	return out
}

// UpdateDriverName renames a driver in place, preserving every
// subscription's identity.
func (t *Table) UpdateDriverName(driver, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, list := range t.entries {
		if k.driver != driver {
			continue
		}
		delete(t.entries, k)
		t.entries[key{newName, k.group}] = list
	}
}

// UpdateAppName renames an app across all its subscriptions. The
// app's mailbox address follows its name.
func (t *Table) UpdateAppName(app, newName, newAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, list := range t.entries {
		for i := range list {
			if list[i].App == app {
				list[i].App = newName
				list[i].AppAddr = newAddr
			}
		}
		t.entries[k] = list
	}
}

// UpdateGroupName renames a group under a driver in place.
func (t *Table) UpdateGroupName(driver, group, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{driver, group}
	if list, ok := t.entries[k]; ok {
		delete(t.entries, k)
		t.entries[key{driver, newName}] = list
	}
}

// Size returns the total number of subscriptions.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, list := range t.entries {
		n += len(list)
	}
	return n
}

func sortSubs(s []Subscription) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Driver != s[j].Driver {
			return s[i].Driver < s[j].Driver
		}
		if s[i].Group != s[j].Group {
			return s[i].Group < s[j].Group
		}
		return s[i].App < s[j].App
	})
}
