package adapter

import (
	"sort"
	"sync"
	"time"

	"gridlink/bus"
	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/metrics"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/reactor"
	"gridlink/tag"
)

// Driver is a running southbound node: it owns groups and tags and
// drives the per-group poll cycle.
type Driver struct {
	*Adapter
	drv plugin.DriverInstance

	gmu    sync.Mutex
	groups map[string]*driverGroup
}

type driverGroup struct {
	grp *tag.Group

	timer         reactor.TimerHandle
	hasTimer      bool
	armedInterval time.Duration

	// cachedTS is the group revision the read plan was built against.
	cachedTS int64
	ctx      *plugin.GroupContext
}

// NewDriver creates a driver adapter around a driver plugin instance.
func NewDriver(name, pluginName string, inst plugin.Instance,
	desc *plugin.Descriptor, fab *bus.Bus, svc Services) (*Driver, error) {

	drv, ok := inst.(plugin.DriverInstance)
	if !ok {
		return nil, errcode.Newf(errcode.PluginTypeNotSupport,
			"plugin %s lacks the driver surface", pluginName)
	}
	base, err := newAdapter(name, plugin.KindDriver, pluginName, inst, desc, fab, svc)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		Adapter: base,
		drv:     drv,
		groups:  make(map[string]*driverGroup),
	}
	base.handler = d
	base.onStart = d.installTimers
	base.onStop = d.removeTimers
	base.rt.Start()
	return d, nil
}

// AddGroup creates a group. Fails when the name is taken.
func (d *Driver) AddGroup(name string, interval time.Duration) error {
	if interval < tag.MinInterval {
		return errcode.Newf(errcode.GroupParameterInvalid, "interval %v", interval)
	}
	d.gmu.Lock()
	defer d.gmu.Unlock()
	if _, ok := d.groups[name]; ok {
		return errcode.Newf(errcode.GroupParameterInvalid, "group %s exists", name)
	}
	dg := &driverGroup{grp: tag.NewGroup(name, interval)}
	d.groups[name] = dg
	if d.State() == plugin.StateRunning {
		d.armLocked(dg)
	}
	return nil
}

// DelGroup removes a group, detaching its timer first.
func (d *Driver) DelGroup(name string) error {
	d.gmu.Lock()
	dg, ok := d.groups[name]
	if ok {
		delete(d.groups, name)
	}
	d.gmu.Unlock()
	if !ok {
		return errcode.Newf(errcode.GroupNotExist, "group %s", name)
	}
	if dg.hasTimer {
		d.rt.DelTimer(dg.timer)
	}
	return nil
}

// UpdateGroup renames a group and/or changes its interval.
func (d *Driver) UpdateGroup(name, newName string, interval time.Duration) error {
	d.gmu.Lock()
	defer d.gmu.Unlock()
	dg, ok := d.groups[name]
	if !ok {
		return errcode.Newf(errcode.GroupNotExist, "group %s", name)
	}
	if newName != "" && newName != name {
		if _, taken := d.groups[newName]; taken {
			return errcode.Newf(errcode.GroupParameterInvalid, "group %s exists", newName)
		}
		delete(d.groups, name)
		d.groups[newName] = dg
		dg.grp.Rename(newName)
	}
	if interval > 0 {
		if err := dg.grp.SetInterval(interval); err != nil {
			return err
		}
		// the poll callback re-arms on its next tick; a stopped node
		// just records the new interval
	}
	return nil
}

// GroupExists reports whether a group exists. Used by the manager's
// subscription check.
func (d *Driver) GroupExists(name string) bool {
	d.gmu.Lock()
	defer d.gmu.Unlock()
	_, ok := d.groups[name]
	return ok
}

// Group returns the underlying group model.
func (d *Driver) Group(name string) (*tag.Group, error) {
	d.gmu.Lock()
	defer d.gmu.Unlock()
	dg, ok := d.groups[name]
	if !ok {
		return nil, errcode.Newf(errcode.GroupNotExist, "group %s", name)
	}
	return dg.grp, nil
}

// ListGroups returns name/interval/size info for every group.
func (d *Driver) ListGroups() []msg.GroupInfo {
	d.gmu.Lock()
	defer d.gmu.Unlock()
	out := make([]msg.GroupInfo, 0, len(d.groups))
	for _, dg := range d.groups {
		out = append(out, msg.GroupInfo{
			Name:     dg.grp.Name(),
			Interval: dg.grp.Interval(),
			TagCount: dg.grp.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GroupCount returns the number of groups.
func (d *Driver) GroupCount() int {
	d.gmu.Lock()
	defer d.gmu.Unlock()
	return len(d.groups)
}

// installTimers arms every group's poll timer (READY -> RUNNING).
func (d *Driver) installTimers() error {
	d.gmu.Lock()
	defer d.gmu.Unlock()
	for _, dg := range d.groups {
		d.armLocked(dg)
	}
	return nil
}

func (d *Driver) armLocked(dg *driverGroup) {
	if dg.hasTimer {
		return
	}
	interval := dg.grp.Interval()
	grp := dg
	dg.timer = d.rt.AddTimer(interval, d.desc.TimerType, func() {
		d.pollGroup(grp)
	})
	dg.hasTimer = true
	dg.armedInterval = interval
}

// removeTimers detaches every poll timer (RUNNING -> READY). DelTimer
// waits out in-flight callbacks, so no poll survives Stop.
func (d *Driver) removeTimers() {
	d.gmu.Lock()
	timers := make([]reactor.TimerHandle, 0, len(d.groups))
	for _, dg := range d.groups {
		if dg.hasTimer {
			timers = append(timers, dg.timer)
			dg.hasTimer = false
		}
	}
	d.gmu.Unlock()
	for _, h := range timers {
		d.rt.DelTimer(h)
	}
}

// pollGroup is one poll cycle, running on the reactor goroutine.
func (d *Driver) pollGroup(dg *driverGroup) {
	d.met.Entry(metrics.MetricGroupTimerTotal,
		"Group poll cycles", metrics.Counter).Add(1)

	// 1. revision test: rebuild the read plan after any mutation
	dg.grp.ChangeTest(dg.cachedTS, func(ts int64, static, other []*tag.Tag, interval time.Duration) {
		if dg.ctx == nil {
			dg.ctx = &plugin.GroupContext{Name: dg.grp.Name()}
		}
		dg.ctx.Name = dg.grp.Name()
		dg.ctx.Timestamp = ts
		dg.ctx.Interval = interval
		dg.ctx.StaticTags = static
		dg.ctx.Tags = other
		dg.cachedTS = ts

		if err := d.drv.GroupSync(dg.ctx); err != nil {
			logging.DebugLog("driver", "%s/%s: group sync: %v", d.name, dg.ctx.Name, err)
		}
		d.gmu.Lock()
		if dg.hasTimer && interval != dg.armedInterval {
			d.rt.SetTimerInterval(dg.timer, interval)
			dg.armedInterval = interval
		}
		d.gmu.Unlock()
	})
	if dg.ctx == nil {
		// group has never been partitioned (no tags yet)
		return
	}

	// 2. plugin reads the device
	start := time.Now()
	values, err := d.drv.GroupTimer(dg.ctx)
	d.met.Entry(metrics.MetricLastRTTMS, "Last poll round trip in ms", metrics.Gauge).
		Set(time.Since(start).Milliseconds())
	if err != nil {
		d.met.Entry(metrics.MetricTagReadErrors,
			"Tag read failures", metrics.Counter).Add(1)
		logging.DebugLog("driver", "%s/%s: group timer: %v", d.name, dg.ctx.Name, err)
		return
	}
	d.met.Entry(metrics.MetricTagReadsTotal, "Tags read", metrics.Counter).
		Add(int64(len(values)))

	// 3. merge static tags from the model, not the device
	for _, st := range dg.ctx.StaticTags {
		v, err := st.GetStatic()
		if err != nil {
			values = append(values, msg.TagValue{Name: st.Name, Error: errcode.EInternal})
			continue
		}
		values = append(values, msg.TagValue{Name: st.Name, Value: v.Interface()})
	}
	if len(values) == 0 {
		return
	}

	d.publish(dg.ctx.Name, values)
}

// publish fans a snapshot out to every subscriber of (driver, group).
// Enqueue failure counts a drop and never blocks the poll loop.
func (d *Driver) publish(group string, values []msg.TagValue) {
	entries := d.svc.Subscribers(d.Name(), group)
	if len(entries) == 0 {
		return
	}
	body := &msg.TransDataBody{
		Driver:    d.Name(),
		Group:     group,
		Timestamp: metrics.Timestamp(),
		Values:    values,
	}
	for _, e := range entries {
		env := &msg.Envelope{
			Type:     msg.TransData,
			Receiver: e.App,
			Body:     body,
		}
		if err := d.Send(e.App, env); err != nil {
			d.met.Entry(metrics.MetricTransDataDrops,
				"Snapshots dropped on send failure", metrics.Counter).Add(1)
			continue
		}
		d.met.Entry(metrics.MetricTransDataTotal,
			"Snapshots published", metrics.Counter).Add(1)
	}
}

// handleEnvelope processes driver-owned envelope kinds on the
// reactor goroutine.
func (d *Driver) handleEnvelope(env *msg.Envelope) {
	switch env.Type {
	case msg.AddTag:
		body := env.Body.(*msg.TagOpBody)
		d.replyError(env, d.AddTags(body.Group, body.Tags))

	case msg.UpdateTag:
		body := env.Body.(*msg.TagOpBody)
		d.replyError(env, d.UpdateTags(body.Group, body.Tags))

	case msg.DelTag:
		body := env.Body.(*msg.DelTagBody)
		d.replyError(env, d.DelTags(body.Group, body.Tags))

	case msg.AddGTag:
		body := env.Body.(*msg.AddGTagBody)
		d.replyError(env, d.AddGTags(body.Groups))

	case msg.GetTag:
		body := env.Body.(*msg.GetTagBody)
		grp, err := d.Group(body.Group)
		if err != nil {
			d.replyError(env, err)
			return
		}
		var tags []*tag.Tag
		if body.Name == "" && body.Desc == "" {
			tags = grp.ListTags()
		} else {
			tags = grp.Query(body.Name, body.Desc)
		}
		d.Send(env.Sender, env.Reply(msg.GetTagResp, d.Name(),
			&msg.GetTagRespBody{Driver: d.Name(), Group: body.Group, Tags: tags}))

	case msg.AddGroup:
		body := env.Body.(*msg.AddGroupBody)
		d.replyError(env, d.AddGroup(body.Group, body.Interval))

	case msg.DelGroup:
		body := env.Body.(*msg.DelGroupBody)
		d.replyError(env, d.DelGroup(body.Group))

	case msg.UpdateGroup:
		body := env.Body.(*msg.UpdateGroupBody)
		err := d.UpdateGroup(body.Group, body.NewName, body.Interval)
		d.Send(env.Sender, env.Reply(msg.UpdateDriverGroupResp, d.Name(),
			&msg.UpdateDriverGroupRespBody{
				Driver: d.Name(), Group: body.Group, Error: errcode.CodeOf(err),
			}))

	case msg.GetGroup:
		d.Send(env.Sender, env.Reply(msg.GetGroupResp, d.Name(),
			&msg.GetGroupRespBody{Driver: d.Name(), Groups: d.ListGroups()}))

	case msg.WriteTag:
		body := env.Body.(*msg.WriteTagBody)
		d.handleWrite(env, body.Group, []msg.TagWrite{{Tag: body.Tag, Value: body.Value}})

	case msg.WriteTags:
		body := env.Body.(*msg.WriteTagsBody)
		d.handleWrite(env, body.Group, body.Tags)

	case msg.ReadGroup:
		body := env.Body.(*msg.ReadGroupBody)
		d.handleReadGroup(env, body.Group)

	case msg.SubscribeGroup, msg.UpdateSubscribeGroup, msg.UnsubscribeGroup:
		// routing lives in the manager's table; the plugin may still
		// want to observe subscription changes (e.g. to start an
		// upstream feed)
		if err := d.inst.Request(env); err != nil {
			logging.DebugLog("driver", "%s: plugin request %s: %v", d.Name(), env.Type, err)
		}

	default:
		logging.DebugLog("driver", "%s: dropping unhandled %s from %s",
			d.Name(), env.Type, env.Sender)
	}
}

// handleReadGroup performs an on-demand poll and replies with the
// sampled values.
func (d *Driver) handleReadGroup(env *msg.Envelope, group string) {
	d.gmu.Lock()
	dg, ok := d.groups[group]
	d.gmu.Unlock()
	if !ok {
		d.replyError(env, errcode.Newf(errcode.GroupNotExist, "group %s", group))
		return
	}

	// reuse the poll plan path so static/readable partition is fresh
	dg.grp.ChangeTest(dg.cachedTS, func(ts int64, static, other []*tag.Tag, interval time.Duration) {
		if dg.ctx == nil {
			dg.ctx = &plugin.GroupContext{Name: dg.grp.Name()}
		}
		dg.ctx.Timestamp = ts
		dg.ctx.Interval = interval
		dg.ctx.StaticTags = static
		dg.ctx.Tags = other
		dg.cachedTS = ts
		d.drv.GroupSync(dg.ctx)
	})
	if dg.ctx == nil {
		d.Send(env.Sender, env.Reply(msg.ReadGroupResp, d.Name(),
			&msg.ReadGroupRespBody{Driver: d.Name(), Group: group}))
		return
	}

	values, err := d.drv.GroupTimer(dg.ctx)
	if err != nil {
		d.replyError(env, err)
		return
	}
	for _, st := range dg.ctx.StaticTags {
		if v, err := st.GetStatic(); err == nil {
			values = append(values, msg.TagValue{Name: st.Name, Value: v.Interface()})
		}
	}
	d.Send(env.Sender, env.Reply(msg.ReadGroupResp, d.Name(),
		&msg.ReadGroupRespBody{Driver: d.Name(), Group: group, Values: values}))
}

// handleWrite resolves each tag, converts the JSON value to the
// declared native type and drives the plugin's write surface. The
// reply carries a per-tag error array.
func (d *Driver) handleWrite(env *msg.Envelope, group string, writes []msg.TagWrite) {
	grp, err := d.Group(group)
	if err != nil {
		d.replyError(env, err)
		return
	}

	reqs := make([]plugin.TagWriteRequest, 0, len(writes))
	results := make([]msg.WriteError, 0, len(writes))
	for _, w := range writes {
		t, err := grp.FindTag(w.Tag)
		if err != nil {
			results = append(results, msg.WriteError{Tag: w.Tag, Error: errcode.TagNotExist})
			continue
		}
		if !t.Attribute.Has(tag.AttrWrite) {
			results = append(results, msg.WriteError{Tag: w.Tag, Error: errcode.GroupParameterInvalid})
			continue
		}
		v, err := tag.UnmarshalValueJSON(t.Type, w.Value)
		if err != nil {
			results = append(results, msg.WriteError{Tag: w.Tag, Error: errcode.GroupParameterInvalid})
			continue
		}
		// static tags update the model, never the device
		if t.IsStatic() {
			if err := grp.SetStaticValue(t.Name, v); err != nil {
				results = append(results, msg.WriteError{Tag: w.Tag, Error: errcode.EInternal})
			} else {
				results = append(results, msg.WriteError{Tag: w.Tag, Error: errcode.Success})
			}
			continue
		}
		reqs = append(reqs, plugin.TagWriteRequest{Tag: t, Value: v})
	}

	switch len(reqs) {
	case 0:
	case 1:
		err := d.drv.WriteTag(group, reqs[0].Tag, reqs[0].Value)
		results = append(results, msg.WriteError{Tag: reqs[0].Tag.Name, Error: errcode.CodeOf(err)})
	default:
		results = append(results, d.drv.WriteTags(group, reqs)...)
	}

	worst := errcode.Success
	for _, r := range results {
		if r.Error != errcode.Success {
			worst = r.Error
			break
		}
	}
	d.Send(env.Sender, env.Reply(msg.RespError, d.Name(),
		&msg.RespErrorBody{Error: worst, Tags: results}))
}

// AddTags validates and commits tags to a group. Validation failure
// anywhere rolls the whole request back.
func (d *Driver) AddTags(group string, tags []*tag.Tag) error {
	grp, err := d.Group(group)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if err := d.drv.ValidateTag(t); err != nil {
			return err
		}
	}
	if err := d.drv.TagValidator(tags); err != nil {
		return err
	}

	var added []string
	for _, t := range tags {
		if err := grp.AddTag(t); err != nil {
			for _, name := range added {
				grp.DelTag(name)
			}
			return err
		}
		added = append(added, t.Name)
	}
	d.met.Entry(metrics.MetricTagsTotal, "Tags configured", metrics.Gauge).
		Set(d.totalTags())
	return nil
}

// UpdateTags validates and replaces existing tags. The request is
// atomic: the previous contents are restored on any failure.
func (d *Driver) UpdateTags(group string, tags []*tag.Tag) error {
	grp, err := d.Group(group)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if err := d.drv.ValidateTag(t); err != nil {
			return err
		}
	}
	if err := d.drv.TagValidator(tags); err != nil {
		return err
	}

	type saved struct{ prev *tag.Tag }
	var updated []saved
	for _, t := range tags {
		prev, err := grp.FindTag(t.Name)
		if err == nil {
			err = grp.UpdateTag(t)
		}
		if err != nil {
			for _, s := range updated {
				grp.UpdateTag(s.prev)
			}
			return err
		}
		updated = append(updated, saved{prev: prev})
	}
	return nil
}

// DelTags removes tags by name.
func (d *Driver) DelTags(group string, names []string) error {
	grp, err := d.Group(group)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := grp.DelTag(name); err != nil {
			return err
		}
	}
	d.met.Entry(metrics.MetricTagsTotal, "Tags configured", metrics.Gauge).
		Set(d.totalTags())
	return nil
}

// AddGTags creates groups and their tags in one request, rolling back
// created groups on failure.
func (d *Driver) AddGTags(groups []msg.GTagGroup) error {
	var created []string
	for _, g := range groups {
		existed := d.GroupExists(g.Group)
		if !existed {
			if err := d.AddGroup(g.Group, g.Interval); err != nil {
				d.rollbackGroups(created)
				return err
			}
			created = append(created, g.Group)
		}
		if err := d.AddTags(g.Group, g.Tags); err != nil {
			d.rollbackGroups(created)
			return err
		}
	}
	return nil
}

func (d *Driver) rollbackGroups(names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		d.DelGroup(names[i])
	}
}

func (d *Driver) totalTags() int64 {
	d.gmu.Lock()
	defer d.gmu.Unlock()
	var n int64
	for _, dg := range d.groups {
		n += int64(dg.grp.Size())
	}
	return n
}
