package tag

import (
	"sort"
	"strings"
	"sync"
	"time"

	"gridlink/errcode"
)

// MinInterval is the lowest poll interval any group may be configured
// with. Drivers may enforce a higher lower bound.
const MinInterval = time.Millisecond

// Group is a named, ordered collection of tags under a driver, polled
// on a common interval. All operations are safe under the group's own
// mutex; read operations hand out deep copies.
type Group struct {
	mu        sync.Mutex
	name      string
	interval  time.Duration
	timestamp int64 // microseconds, strictly monotonic across mutations
	tags      map[string]*Tag
}

// NewGroup creates a group. Intervals below MinInterval are rejected
// by the caller (manager validates against the driver's bound); here
// they are clamped so a group is never unpollable.
func NewGroup(name string, interval time.Duration) *Group {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Group{
		name:      name,
		interval:  interval,
		timestamp: nowMicro(),
		tags:      make(map[string]*Tag),
	}
}

func nowMicro() int64 {
	return time.Now().UnixMicro()
}

// bump advances the revision counter. Must hold g.mu. The counter is
// wall-clock microseconds but never moves backwards even if the clock
// does.
func (g *Group) bump() {
	now := nowMicro()
	if now <= g.timestamp {
		now = g.timestamp + 1
	}
	g.timestamp = now
}

// Name returns the group name.
func (g *Group) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

// Rename changes the group name. The revision is not touched: a
// rename cascades through the subscription table, not the poll plan.
func (g *Group) Rename(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.name = name
}

// Interval returns the poll interval.
func (g *Group) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// SetInterval updates the poll interval and bumps the revision so the
// owning driver re-arms its timer on the next tick.
func (g *Group) SetInterval(d time.Duration) error {
	if d < MinInterval {
		return errcode.Newf(errcode.GroupParameterInvalid,
			"interval %v below minimum %v", d, MinInterval)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interval = d
	g.bump()
	return nil
}

// Timestamp returns the current revision counter.
func (g *Group) Timestamp() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timestamp
}

// Size returns the number of tags.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tags)
}

// AddTag inserts a tag. Fails with TagNameConflict when the name is
// taken; a failed add does not bump the revision.
func (g *Group) AddTag(t *Tag) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tags[t.Name]; ok {
		return errcode.Newf(errcode.TagNameConflict, "tag %s", t.Name)
	}
	g.tags[t.Name] = t.Dup()
	g.bump()
	return nil
}

// UpdateTag replaces an existing tag. Fails with TagNotExist.
func (g *Group) UpdateTag(t *Tag) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tags[t.Name]; !ok {
		return errcode.Newf(errcode.TagNotExist, "tag %s", t.Name)
	}
	g.tags[t.Name] = t.Dup()
	g.bump()
	return nil
}

// DelTag removes a tag by name. Fails with TagNotExist.
func (g *Group) DelTag(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tags[name]; !ok {
		return errcode.Newf(errcode.TagNotExist, "tag %s", name)
	}
	delete(g.tags, name)
	g.bump()
	return nil
}

// FindTag returns a deep copy of the named tag.
func (g *Group) FindTag(name string) (*Tag, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tags[name]
	if !ok {
		return nil, errcode.Newf(errcode.TagNotExist, "tag %s", name)
	}
	return t.Dup(), nil
}

// SetStaticValue updates the prepared value of a static tag in place
// and bumps the revision.
func (g *Group) SetStaticValue(name string, v Value) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tags[name]
	if !ok {
		return errcode.Newf(errcode.TagNotExist, "tag %s", name)
	}
	if err := t.SetStatic(v); err != nil {
		return err
	}
	g.bump()
	return nil
}

// ListTags returns deep copies of all tags, ordered by name.
func (g *Group) ListTags() []*Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sortedLocked(func(*Tag) bool { return true })
}

// Query returns deep copies of tags whose name contains nameSub and
// whose description contains descSub. The description matcher is also
// honored against the name, so a single search box can hit either.
// Matching is case-sensitive.
func (g *Group) Query(nameSub, descSub string) []*Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sortedLocked(func(t *Tag) bool {
		if nameSub != "" && !strings.Contains(t.Name, nameSub) {
			return false
		}
		if descSub != "" && !strings.Contains(t.Description, descSub) &&
			!strings.Contains(t.Name, descSub) {
			return false
		}
		return true
	})
}

// Readable returns deep copies of tags that participate in polling:
// READ, SUBSCRIBE or STATIC attribute.
func (g *Group) Readable() []*Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sortedLocked(func(t *Tag) bool { return t.Attribute.Readable() })
}

func (g *Group) sortedLocked(keep func(*Tag) bool) []*Tag {
	out := make([]*Tag, 0, len(g.tags))
	for _, t := range g.tags {
		if keep(t) {
			out = append(out, t.Dup())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SplitStatic partitions readable tags into static tags and the rest.
func SplitStatic(readable []*Tag) (static []*Tag, other []*Tag) {
	for _, t := range readable {
		if t.IsStatic() {
			static = append(static, t)
		} else {
			other = append(other, t)
		}
	}
	return static, other
}

// IsChanged reports whether the group's revision differs from prevTS.
func (g *Group) IsChanged(prevTS int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timestamp != prevTS
}

// ChangeTest invokes fn with the current revision, the static/other
// partition of readable tags and the interval — but only when the
// revision differs from prevTS. Drivers use it to rebuild their read
// plan exactly once per mutation.
func (g *Group) ChangeTest(prevTS int64, fn func(ts int64, static, other []*Tag, interval time.Duration)) {
	g.mu.Lock()
	if g.timestamp == prevTS {
		g.mu.Unlock()
		return
	}
	ts := g.timestamp
	interval := g.interval
	readable := g.sortedLocked(func(t *Tag) bool { return t.Attribute.Readable() })
	g.mu.Unlock()

	static, other := SplitStatic(readable)
	fn(ts, static, other, interval)
}
